// Package compiler serializes a regulatory report into the authority's XML
// exchange format. Output is deterministic: the same report always yields the
// same bytes and therefore the same checksum.
package compiler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"rxledger/internal/report/models"
)

// Namespace of the exchange schema.
const Namespace = "urn:rxledger:controlled-substances:v1"

const dateLayout = "2006-01-02"

type Document struct {
	XMLName       xml.Name       `xml:"urn:rxledger:controlled-substances:v1 ControlledSubstanceReport"`
	Header        Header         `xml:"Header"`
	Dispensations []Dispensation `xml:"Dispensations>Dispensation"`
	Summary       []Total        `xml:"Summary>Medication"`
}

type Header struct {
	ReportID    string `xml:"ReportID"`
	TenantID    string `xml:"TenantID"`
	Period      string `xml:"Period"`
	PeriodStart string `xml:"PeriodStart"`
	PeriodEnd   string `xml:"PeriodEnd"`
	ItemCount   int    `xml:"ItemCount"`
}

type Dispensation struct {
	ID               string     `xml:"id,attr"`
	PrescriptionItem string     `xml:"PrescriptionItem"`
	Medication       Medication `xml:"Medication"`
	Quantity         Quantity   `xml:"Quantity"`
	Prescriber       Prescriber `xml:"Prescriber"`
	Patient          Patient    `xml:"Patient"`
	DispensedAt      string     `xml:"DispensedAt"`
}

type Medication struct {
	Code string `xml:"code,attr"`
	Name string `xml:",chardata"`
}

type Quantity struct {
	Unit  string `xml:"unit,attr"`
	Value string `xml:",chardata"`
}

type Prescriber struct {
	Name    string `xml:"Name"`
	License string `xml:"License"`
	Region  string `xml:"Region,omitempty"`
}

type Patient struct {
	Name     string `xml:"Name"`
	Document string `xml:"Document"`
}

// Total is the summed quantity of one medication in one unit.
type Total struct {
	Code     string   `xml:"code,attr"`
	Name     string   `xml:"Name"`
	Quantity Quantity `xml:"TotalQuantity"`
	Items    int      `xml:"Items"`
}

// Result is a compiled payload and its hex SHA-256 checksum.
type Result struct {
	Payload  []byte
	Checksum string
}

// Compile renders the report's events. The events are expected in report order.
func Compile(r *models.RegulatoryReport) (Result, error) {
	doc := Build(r)
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return Result{}, fmt.Errorf("encode report %s: %w", r.ID, err)
	}
	if err := enc.Close(); err != nil {
		return Result{}, fmt.Errorf("flush report %s: %w", r.ID, err)
	}
	buf.WriteByte('\n')
	payload := buf.Bytes()
	return Result{Payload: payload, Checksum: Checksum(payload)}, nil
}

// Checksum returns the lowercase hex SHA-256 of payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Build maps a report onto the exchange document without encoding it.
func Build(r *models.RegulatoryReport) Document {
	doc := Document{
		Header: Header{
			ReportID:    r.ID.String(),
			TenantID:    r.TenantID.String(),
			Period:      r.Period.String(),
			PeriodStart: r.Period.Start().Format(dateLayout),
			PeriodEnd:   r.Period.End().Format(dateLayout),
			ItemCount:   len(r.Events),
		},
		Dispensations: make([]Dispensation, 0, len(r.Events)),
	}

	type totalKey struct{ code, unit string }
	type running struct {
		total Total
		sum   decimal.Decimal
	}
	totals := make(map[totalKey]*running)
	for _, ev := range r.Events {
		doc.Dispensations = append(doc.Dispensations, Dispensation{
			ID:               ev.ID,
			PrescriptionItem: ev.PrescriptionItemID,
			Medication:       Medication{Code: ev.Medication.ID, Name: ev.Medication.Name},
			Quantity:         Quantity{Unit: ev.Unit, Value: ev.Quantity.String()},
			Prescriber: Prescriber{
				Name:    ev.Prescriber.Name,
				License: ev.Prescriber.License,
				Region:  ev.Prescriber.Region,
			},
			Patient:     Patient{Name: ev.Patient.Name, Document: ev.Patient.Document},
			DispensedAt: ev.DispensedAt.UTC().Format(time.RFC3339),
		})

		key := totalKey{code: ev.Medication.ID, unit: ev.Unit}
		t, ok := totals[key]
		if !ok {
			t = &running{total: Total{Code: ev.Medication.ID, Name: ev.Medication.Name, Quantity: Quantity{Unit: ev.Unit}}}
			totals[key] = t
		}
		t.sum = t.sum.Add(ev.Quantity)
		t.total.Items++
	}

	for _, t := range totals {
		total := t.total
		total.Quantity.Value = t.sum.String()
		doc.Summary = append(doc.Summary, total)
	}
	sort.Slice(doc.Summary, func(i, j int) bool {
		if doc.Summary[i].Code != doc.Summary[j].Code {
			return doc.Summary[i].Code < doc.Summary[j].Code
		}
		return doc.Summary[i].Quantity.Unit < doc.Summary[j].Quantity.Unit
	})
	return doc
}
