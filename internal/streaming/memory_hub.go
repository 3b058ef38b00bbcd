package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const subscriberBuffer = 64

type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is an in-process EventHub. Subscribers are indexed by the
// execution they follow, so a publish only visits the followers of its own
// execution plus the subscribers that follow everything. Each subscriber
// has a buffered channel; when it is full the event is dropped for that
// subscriber and counted.
type MemoryHub struct {
	mu      sync.RWMutex
	byExec  map[string]map[*subscriber]struct{} // "" holds unscoped subscribers
	dropped atomic.Int64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{byExec: make(map[string]map[*subscriber]struct{})}
}

// Publish delivers event to every matching subscriber without blocking.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliver(h.byExec[event.ExecutionID], event)
	if event.ExecutionID != "" {
		h.deliver(h.byExec[""], event)
	}
	return nil
}

func (h *MemoryHub) deliver(subs map[*subscriber]struct{}, event StreamEvent) {
	for sub := range subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber. The returned cancel removes it and
// closes its channel; calling it again does nothing.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscriber{ch: make(chan StreamEvent, subscriberBuffer), filter: filter}
	key := filter.ExecutionID

	h.mu.Lock()
	if h.byExec[key] == nil {
		h.byExec[key] = make(map[*subscriber]struct{})
	}
	h.byExec[key][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.byExec[key], sub)
			if len(h.byExec[key]) == 0 {
				delete(h.byExec, key)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.byExec {
		n += len(subs)
	}
	return n
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (h *MemoryHub) Dropped() int64 {
	return h.dropped.Load()
}
