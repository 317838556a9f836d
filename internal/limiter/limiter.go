// Package limiter implements the bounded permit pool that caps global
// concurrency of cluster-mutating operations. No example repo in the
// retrieved corpus implements a semaphore-with-wait-queue; this is built on
// stdlib channels/sync, the idiom a Go engineer reaches for directly rather
// than importing a library for it (see DESIGN.md).
package limiter

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wisbric/storeforge/internal/apperror"
)

// Stats is a point-in-time snapshot of the limiter's counters.
type Stats struct {
	Active         int
	Queued         int
	MaxConcurrent  int
	MaxQueueSize   int
	TotalAcquired  int64
	TotalRejected  int64
	TotalTimedOut  int64
}

// Permit is returned by Acquire. Release is idempotent.
type Permit struct {
	release func()
	once    sync.Once
	waitMs  int64
}

// Release returns the permit to the pool. Safe to call more than once.
func (p *Permit) Release() {
	p.once.Do(p.release)
}

// WaitMs reports how long this permit waited in queue before being granted.
func (p *Permit) WaitMs() int64 { return p.waitMs }

type waiter struct {
	ready    chan struct{}
	granted  bool
	deadline time.Time
}

// Limiter is a bounded permit pool with a FIFO wait queue.
type Limiter struct {
	name          string
	maxConcurrent int
	maxQueueSize  int
	acquireTO     time.Duration

	mu       sync.Mutex
	active   int
	queue    *list.List // of *waiter

	totalAcquired int64
	totalRejected int64
	totalTimedOut int64

	draining atomic.Bool
}

// New creates a Limiter.
func New(name string, maxConcurrent, maxQueueSize int, acquireTimeout time.Duration) *Limiter {
	return &Limiter{
		name:          name,
		maxConcurrent: maxConcurrent,
		maxQueueSize:  maxQueueSize,
		acquireTO:     acquireTimeout,
		queue:         list.New(),
	}
}

// Acquire obtains a permit, waiting in the FIFO queue if necessary. It fails
// immediately with PROVISIONING_QUEUE_FULL if the queue is at capacity, or
// with PROVISIONING_QUEUE_TIMEOUT if the wait deadline elapses first.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	l.mu.Lock()
	if l.draining.Load() {
		l.mu.Unlock()
		return nil, apperror.ProvisioningQueueFull()
	}

	if l.active < l.maxConcurrent {
		l.active++
		l.totalAcquired++
		l.mu.Unlock()
		return l.newPermit(0), nil
	}

	if l.queue.Len() >= l.maxQueueSize {
		l.totalRejected++
		l.mu.Unlock()
		return nil, apperror.ProvisioningQueueFull()
	}

	w := &waiter{ready: make(chan struct{}), deadline: time.Now().Add(l.acquireTO)}
	elem := l.queue.PushBack(w)
	enqueuedAt := time.Now()
	l.mu.Unlock()

	timer := time.NewTimer(l.acquireTO)
	defer timer.Stop()

	select {
	case <-w.ready:
		l.mu.Lock()
		granted := w.granted
		l.mu.Unlock()
		if !granted {
			// Woken by Drain without being granted a slot.
			return nil, apperror.ProvisioningQueueFull()
		}
		waitMs := time.Since(enqueuedAt).Milliseconds()
		l.mu.Lock()
		l.totalAcquired++
		l.mu.Unlock()
		return l.newPermit(waitMs), nil
	case <-timer.C:
		l.mu.Lock()
		if !w.granted {
			l.queue.Remove(elem)
			l.totalTimedOut++
			l.mu.Unlock()
			return nil, apperror.ProvisioningQueueTimeout()
		}
		l.totalAcquired++
		l.mu.Unlock()
		// Granted in the narrow race right as the timer fired.
		waitMs := time.Since(enqueuedAt).Milliseconds()
		return l.newPermit(waitMs), nil
	case <-ctx.Done():
		l.mu.Lock()
		granted := w.granted
		if !granted {
			l.queue.Remove(elem)
		}
		l.mu.Unlock()
		if granted {
			// The slot was handed to us right as the caller gave up on it;
			// hand it straight back to the queue.
			l.Release()
		}
		return nil, ctx.Err()
	}
}

func (l *Limiter) newPermit(waitMs int64) *Permit {
	p := &Permit{waitMs: waitMs}
	p.release = func() { l.Release() }
	return p
}

// Release decrements the active count and admits the head of the queue if
// one is waiting. Exposed as a method (rather than only via Permit.Release)
// for the ctx.Done() race above.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.queue.Len() > 0 {
		elem := l.queue.Front()
		l.queue.Remove(elem)
		w := elem.Value.(*waiter)
		w.granted = true
		close(w.ready)
		return // active count transfers to the new holder, net unchanged
	}

	if l.active > 0 {
		l.active--
	}
}

// Drain fails all currently queued waiters immediately, for graceful
// shutdown. Subsequent Acquire calls fail fast until the process exits.
func (l *Limiter) Drain() {
	l.draining.Store(true)

	l.mu.Lock()
	defer l.mu.Unlock()

	for l.queue.Len() > 0 {
		elem := l.queue.Front()
		l.queue.Remove(elem)
		w := elem.Value.(*waiter)
		close(w.ready) // w.granted stays false; caller's select on ctx path isn't used here
		l.totalRejected++
	}
}

// Stats returns a snapshot of the limiter's counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		Active:        l.active,
		Queued:        l.queue.Len(),
		MaxConcurrent: l.maxConcurrent,
		MaxQueueSize:  l.maxQueueSize,
		TotalAcquired: l.totalAcquired,
		TotalRejected: l.totalRejected,
		TotalTimedOut: l.totalTimedOut,
	}
}
