package scanner

import (
	"sync"

	"rxledger/internal/compliance/models"
)

// alertBuffer is a bounded FIFO of alerts awaiting publication. When full the
// oldest alert is dropped to make room.
type alertBuffer struct {
	mu       sync.Mutex
	alerts   []models.Alert
	head     int // next write position
	tail     int // next read position
	count    int
	capacity int
	dropped  int64
}

func newAlertBuffer(capacity int) *alertBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &alertBuffer{
		alerts:   make([]models.Alert, capacity),
		capacity: capacity,
	}
}

// Enqueue appends alerts and returns how many older ones were dropped.
func (b *alertBuffer) Enqueue(alerts ...models.Alert) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for _, a := range alerts {
		if b.count >= b.capacity {
			b.alerts[b.tail] = models.Alert{}
			b.tail = (b.tail + 1) % b.capacity
			b.count--
			dropped++
		}
		b.alerts[b.head] = a
		b.head = (b.head + 1) % b.capacity
		b.count++
	}
	b.dropped += int64(dropped)
	return dropped
}

// DequeueBatch removes up to n alerts, oldest first.
func (b *alertBuffer) DequeueBatch(n int) []models.Alert {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}
	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]models.Alert, n)
	for i := range n {
		out[i] = b.alerts[b.tail]
		b.alerts[b.tail] = models.Alert{}
		b.tail = (b.tail + 1) % b.capacity
	}
	b.count -= n
	return out
}

// Requeue puts a batch that failed to publish back in front of the queue,
// keeping its order. Alerts that no longer fit are dropped, newest first.
func (b *alertBuffer) Requeue(batch []models.Alert) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.capacity - b.count
	keep := batch
	if len(keep) > room {
		keep = keep[:room]
	}
	for i := len(keep) - 1; i >= 0; i-- {
		b.tail = (b.tail - 1 + b.capacity) % b.capacity
		b.alerts[b.tail] = keep[i]
		b.count++
	}
	dropped := len(batch) - len(keep)
	b.dropped += int64(dropped)
	return dropped
}

func (b *alertBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped returns the total number of alerts dropped since creation.
func (b *alertBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
