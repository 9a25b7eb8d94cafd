// Package lock provides keyed mutual exclusion for ledger operations that must
// not run twice at the same time, such as a scheduler tick for one plan or
// payout generation for one repayment.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned when another holder owns the key.
var ErrNotAcquired = errors.New("lock held by another worker")

// Locker acquires a lock on key for at most ttl. The returned release func
// must be called once the protected work is done.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Local is an in-process Locker. It is enough for a single API instance.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]time.Time), now: time.Now}
}

// Acquire fails fast with ErrNotAcquired instead of waiting; callers treat a
// busy key as "someone else is already doing this".
func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiry, ok := l.held[key]; ok && now.Before(expiry) {
		return nil, ErrNotAcquired
	}
	expiry := now.Add(ttl)
	l.held[key] = expiry

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// A holder whose ttl ran out must not release its successor.
			if l.held[key].Equal(expiry) {
				delete(l.held, key)
			}
		})
	}, nil
}
