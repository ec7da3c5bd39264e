package cauce

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Per-conversation turn lock. Turns for one conversation run strictly
// serially; waiters honor context cancellation and are bounded so a stuck
// conversation cannot pile up goroutines without limit.

const defaultMaxWaiters = 16

// convLocks hands out exclusive per-key locks with a bounded wait queue.
type convLocks struct {
	mu         sync.Mutex
	locks      map[string]*convLock
	maxWaiters int
}

type convLock struct {
	sem     *semaphore.Weighted
	holders int // holders + waiters, for cleanup and the bound
}

func newConvLocks(maxWaiters int) *convLocks {
	if maxWaiters <= 0 {
		maxWaiters = defaultMaxWaiters
	}
	return &convLocks{
		locks:      make(map[string]*convLock),
		maxWaiters: maxWaiters,
	}
}

// Acquire blocks until the conversation lock is held, ctx is done, or the
// wait queue is full (ErrConversationBusy). The returned release function
// must be called exactly once.
func (c *convLocks) Acquire(ctx context.Context, conversationID string) (func(), error) {
	c.mu.Lock()
	l, ok := c.locks[conversationID]
	if !ok {
		l = &convLock{sem: semaphore.NewWeighted(1)}
		c.locks[conversationID] = l
	}
	if l.holders >= c.maxWaiters {
		c.mu.Unlock()
		return nil, ErrConversationBusy
	}
	l.holders++
	c.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		c.release(conversationID, l, false)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.release(conversationID, l, true) })
	}, nil
}

func (c *convLocks) release(conversationID string, l *convLock, held bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.holders--
	if held {
		l.sem.Release(1)
	}
	if l.holders == 0 {
		delete(c.locks, conversationID)
	}
}
