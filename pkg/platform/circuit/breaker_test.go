package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replay feeds call results to the breaker: 'F' failure, 'S' success.
func replay(b *Breaker, outcomes string) []StateChange {
	changes := make([]StateChange, 0, len(outcomes))
	for _, o := range outcomes {
		var change StateChange
		if o == 'F' {
			_, change = b.RecordFailure()
		} else {
			_, change = b.RecordSuccess()
		}
		changes = append(changes, change)
	}
	return changes
}

func TestBreakerSequences(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		successes int
		outcomes  string
		wantOpen  bool
	}{
		{name: "below failure threshold", failures: 3, successes: 2, outcomes: "FF", wantOpen: false},
		{name: "opens at failure threshold", failures: 3, successes: 2, outcomes: "FFF", wantOpen: true},
		{name: "success resets failure streak", failures: 3, successes: 2, outcomes: "FFSFF", wantOpen: false},
		{name: "one success does not heal", failures: 1, successes: 2, outcomes: "FS", wantOpen: true},
		{name: "heals after success threshold", failures: 1, successes: 2, outcomes: "FSS", wantOpen: false},
		{name: "failure while open resets healing", failures: 1, successes: 3, outcomes: "FSSFSS", wantOpen: true},
		{name: "heals after full success run", failures: 1, successes: 3, outcomes: "FSSFSSS", wantOpen: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("authority", WithFailureThreshold(tt.failures), WithSuccessThreshold(tt.successes))
			replay(b, tt.outcomes)
			assert.Equal(t, tt.wantOpen, b.IsOpen())
		})
	}
}

func TestBreakerReportsTransitionsOnce(t *testing.T) {
	b := New("authority", WithFailureThreshold(2), WithSuccessThreshold(1))
	assert.Equal(t, "authority", b.Name())
	assert.Equal(t, StateClosed, b.State())

	changes := replay(b, "FFFS")
	require.Len(t, changes, 4)
	assert.Equal(t, StateChange{}, changes[0])
	assert.Equal(t, StateChange{Opened: true}, changes[1])
	assert.Equal(t, StateChange{}, changes[2], "already open")
	assert.Equal(t, StateChange{Closed: true}, changes[3])
	assert.Equal(t, "closed", b.State().String())
}

func TestBreakerFailFastWhileOpen(t *testing.T) {
	b := New("authority", WithFailureThreshold(1))
	fallback, _ := b.RecordFailure()
	assert.True(t, fallback)

	fallback, _ = b.RecordFailure()
	assert.True(t, fallback)
	assert.Equal(t, "open", b.State().String())

	b.Reset()
	assert.False(t, b.IsOpen())
}

func TestBreakerAllowProbesOncePerCooldown(t *testing.T) {
	start := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	b := New("authority", WithFailureThreshold(1), WithCooldown(5*time.Minute),
		WithNow(func() time.Time { return start }))
	assert.True(t, b.Allow(start), "closed breaker admits everything")

	b.RecordFailure()
	assert.False(t, b.Allow(start.Add(time.Minute)))
	assert.True(t, b.Allow(start.Add(6*time.Minute)))
	assert.False(t, b.Allow(start.Add(7*time.Minute)))
	assert.True(t, b.Allow(start.Add(12*time.Minute)))
}
