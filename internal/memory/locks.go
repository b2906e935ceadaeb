package memory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// convLock guards one conversation. lease serializes whole Turns, appending
// admits one append at a time, and write makes append and compaction mutually
// exclusive.
type convLock struct {
	lease     chan struct{}
	appending chan struct{}
	write     chan struct{}
	refs      int
	lastUsed  time.Time
}

type lockTable struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*convLock)}
}

func (t *lockTable) ref(conversationID string) *convLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[conversationID]
	if !ok {
		l = &convLock{
			lease:     make(chan struct{}, 1),
			appending: make(chan struct{}, 1),
			write:     make(chan struct{}, 1),
		}
		t.locks[conversationID] = l
	}
	l.refs++
	l.lastUsed = time.Now()
	return l
}

func (t *lockTable) unref(l *convLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	l.lastUsed = time.Now()
}

// acquireLease blocks until the conversation lease is free or ctx ends.
func (t *lockTable) acquireLease(ctx context.Context, conversationID string) (func(), error) {
	l := t.ref(conversationID)
	select {
	case l.lease <- struct{}{}:
	default:
		select {
		case l.lease <- struct{}{}:
		case <-ctx.Done():
			t.unref(l)
			return nil, fmt.Errorf("%w: %s: %v", ErrConversationLocked, conversationID, ctx.Err())
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.lease
			t.unref(l)
		})
	}, nil
}

// beginAppend fails fast when another append is in flight, then waits out any
// running compaction.
func (t *lockTable) beginAppend(ctx context.Context, conversationID string) (func(), error) {
	l := t.ref(conversationID)
	select {
	case l.appending <- struct{}{}:
	default:
		t.unref(l)
		return nil, fmt.Errorf("%w: %s: append in flight", ErrConversationLocked, conversationID)
	}
	select {
	case l.write <- struct{}{}:
	case <-ctx.Done():
		<-l.appending
		t.unref(l)
		return nil, fmt.Errorf("%w: %s: %v", ErrConversationLocked, conversationID, ctx.Err())
	}
	return func() {
		<-l.write
		<-l.appending
		t.unref(l)
	}, nil
}

// waitWrite takes the write lock, waiting for in-flight writers.
func (t *lockTable) waitWrite(ctx context.Context, conversationID string) (func(), error) {
	l := t.ref(conversationID)
	select {
	case l.write <- struct{}{}:
		return func() {
			<-l.write
			t.unref(l)
		}, nil
	case <-ctx.Done():
		t.unref(l)
		return nil, fmt.Errorf("%w: %s: %v", ErrConversationLocked, conversationID, ctx.Err())
	}
}

func (t *lockTable) held(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[conversationID]
	return ok && len(l.lease) > 0
}

// StartJanitor drops lock entries nobody has referenced for idle.
func (t *lockTable) StartJanitor(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sweep(idle)
			}
		}
	}()
}

func (t *lockTable) sweep(idle time.Duration) int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, l := range t.locks {
		if l.refs > 0 || now.Sub(l.lastUsed) < idle {
			continue
		}
		delete(t.locks, id)
		removed++
	}
	return removed
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
