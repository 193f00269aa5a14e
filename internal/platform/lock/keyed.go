package lock

import (
	"context"
	"fmt"
	"sync"

	"rxledger/pkg/platform/sentinel"
)

// Keyed is an in-process Locker. Waiters block until the holder releases or their
// context ends.
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{slots: make(map[string]*slot)}
}

func (k *Keyed) Obtain(ctx context.Context, key string) (Lock, error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return &keyedLock{owner: k, key: key, slot: s}, nil
	case <-ctx.Done():
		k.unref(key, s)
		return nil, fmt.Errorf("%s: %w: %w", key, sentinel.ErrLocked, ctx.Err())
	}
}

func (k *Keyed) unref(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

type keyedLock struct {
	once  sync.Once
	owner *Keyed
	key   string
	slot  *slot
}

func (l *keyedLock) Release(context.Context) error {
	l.once.Do(func() {
		<-l.slot.ch
		l.owner.unref(l.key, l.slot)
	})
	return nil
}
