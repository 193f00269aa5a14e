package ops

import (
	"math/rand/v2"
	"sync"

	audit "rxledger/pkg/platform/audit"
)

// Sampler keeps a share of ops events per action. Scan completions arrive once
// per tenant per interval and are the usual candidate for a rate below 1.
type Sampler struct {
	mu       sync.RWMutex
	fallback float64
	rates    map[audit.AuditEvent]float64
	roll     func() float64
}

// NewSampler keeps fallback of every action not listed in rates. Rates are
// clamped to [0, 1].
func NewSampler(fallback float64, rates map[audit.AuditEvent]float64) *Sampler {
	s := &Sampler{
		fallback: clampRate(fallback),
		rates:    make(map[audit.AuditEvent]float64, len(rates)),
		roll:     rand.Float64,
	}
	for action, rate := range rates {
		s.rates[action] = clampRate(rate)
	}
	return s
}

// Keep reports whether an event of this action should be persisted.
func (s *Sampler) Keep(action audit.AuditEvent) bool {
	s.mu.RLock()
	rate, ok := s.rates[action]
	if !ok {
		rate = s.fallback
	}
	s.mu.RUnlock()

	switch rate {
	case 0:
		return false
	case 1:
		return true
	}
	return s.roll() < rate
}

// SetRate overrides the rate of one action at runtime.
func (s *Sampler) SetRate(action audit.AuditEvent, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[action] = clampRate(rate)
}

func clampRate(rate float64) float64 {
	return min(max(rate, 0), 1)
}
