package engine

import (
	"context"
	"sync"
)

// inflight counts outstanding work and lets callers wait for zero.
type inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{} // closed while n == 0
}

func newInflight() *inflight {
	ch := make(chan struct{})
	close(ch)
	return &inflight{idle: ch}
}

func (w *inflight) add(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n == 0 && n > 0 {
		w.idle = make(chan struct{})
	}
	w.n += n
}

func (w *inflight) done() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n == 0 {
		return
	}
	w.n--
	if w.n == 0 {
		close(w.idle)
	}
}

func (w *inflight) wait(ctx context.Context) error {
	w.mu.Lock()
	ch := w.idle
	w.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// inbox is an unbounded FIFO of events. Posting never blocks, so effect
// goroutines cannot stall on a busy loop.
type inbox struct {
	mu     sync.Mutex
	events []Event
	wake   chan struct{}
}

func newInbox() *inbox { return &inbox{wake: make(chan struct{}, 1)} }

func (b *inbox) push(ev Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *inbox) pop() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return Event{}, false
	}
	ev := b.events[0]
	b.events[0] = Event{}
	b.events = b.events[1:]
	return ev, true
}

func (b *inbox) drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}
