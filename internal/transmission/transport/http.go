// Package transport delivers compiled reports to the regulatory authority.
//
// HTTPTransport is a thin wiring example: the authority's real protocol is
// negotiated per jurisdiction. It POSTs the XML payload and expects a JSON body
// carrying the protocol (confirmation) code.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("rxledger/transmission/transport")

// ErrRejected is returned when the authority answers but refuses the payload.
var ErrRejected = errors.New("authority rejected the report")

type HTTPTransport struct {
	endpoint    string
	credentials string
	client      *http.Client
}

type Option func(*HTTPTransport)

func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) {
		t.client = c
	}
}

func WithCredentials(token string) Option {
	return func(t *HTTPTransport) {
		t.credentials = token
	}
}

func NewHTTP(endpoint string, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type submitResponse struct {
	Protocol string `json:"protocol"`
	Message  string `json:"message,omitempty"`
}

// Submit sends payload and returns the authority's protocol code. The caller's
// context bounds the call.
func (t *HTTPTransport) Submit(ctx context.Context, payload []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "authority.Submit", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Int("payload_bytes", len(payload)))

	code, err := t.submit(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		return "", err
	}
	return code, nil
}

func (t *HTTPTransport) submit(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build authority request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	if t.credentials != "" {
		req.Header.Set("Authorization", "Bearer "+t.credentials)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call authority: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read authority response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out submitResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode authority response: %w", err)
	}
	if out.Protocol == "" {
		return "", fmt.Errorf("%w: empty protocol code", ErrRejected)
	}
	return out.Protocol, nil
}
