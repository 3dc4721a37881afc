// Package broadcast fans applied-change notifications out to subscribers.
// One broadcaster per notebook: a bounded source channel drained by a single
// fan-out goroutine that copies each event to every subscriber.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// sourceCapacity bounds the in-flight change events per notebook.
const sourceCapacity = 1000

// notifyTimeout bounds one delivery attempt. A subscriber that cannot
// accept an event within it is dropped. Var so tests can shorten it.
var notifyTimeout = 5 * time.Second

// Change kinds.
const (
	KindCreated  = "created"
	KindModified = "modified"
	KindDeleted  = "deleted"
	KindMoved    = "moved"
)

// ChangeEvent is the notification payload delivered to subscribers.
type ChangeEvent struct {
	NotebookID int64  `json:"notebook_id"`
	Kind       string `json:"kind"`
	Path       string `json:"path"`
	OldPath    string `json:"old_path,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Notifier abstracts the mechanism for delivering a change event.
// WebSocket clients use a JSON-RPC notifier; tests can provide their own.
type Notifier interface {
	Notify(ctx context.Context, ev ChangeEvent) error
}

// Broadcaster delivers a notebook's change events to its subscribers.
// Publishing never blocks: when the source channel is full the oldest
// in-flight event is discarded and the backpressure counter incremented.
// A subscriber is dropped after a single failed send.
type Broadcaster struct {
	notebookID int64
	source     chan ChangeEvent
	dropped    atomic.Int64

	subMu       sync.RWMutex
	subscribers map[string]Notifier

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(notebookID int64) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		notebookID:  notebookID,
		source:      make(chan ChangeEvent, sourceCapacity),
		subscribers: make(map[string]Notifier),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go b.fanout()
	return b
}

// Publish queues a change event for delivery. Never blocks.
func (b *Broadcaster) Publish(kind, path, oldPath string) {
	ev := ChangeEvent{
		NotebookID: b.notebookID,
		Kind:       kind,
		Path:       path,
		OldPath:    oldPath,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}

	for {
		select {
		case b.source <- ev:
			return
		default:
		}
		// Full: discard the oldest in-flight event and try again.
		select {
		case <-b.source:
			b.dropped.Add(1)
		default:
		}
	}
}

// Subscribe registers a notifier and returns its handle.
func (b *Broadcaster) Subscribe(n Notifier) string {
	handle := uuid.Must(uuid.NewV7()).String()

	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers[handle] = n
	return handle
}

// Unsubscribe removes the subscriber for handle, if present.
func (b *Broadcaster) Unsubscribe(handle string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subscribers, handle)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns the backpressure counter: events discarded at the source.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops the fan-out after draining queued events.
func (b *Broadcaster) Close() {
	b.cancel()
	<-b.done
}

func (b *Broadcaster) fanout() {
	defer close(b.done)

	for {
		select {
		case ev := <-b.source:
			b.deliver(ev)
		case <-b.ctx.Done():
			// Drain what is already queued, then exit.
			for {
				select {
				case ev := <-b.source:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Broadcaster) deliver(ev ChangeEvent) {
	b.subMu.RLock()
	targets := make(map[string]Notifier, len(b.subscribers))
	for handle, n := range b.subscribers {
		targets[handle] = n
	}
	b.subMu.RUnlock()

	var failed []string
	for handle, n := range targets {
		if err := b.notify(n, ev); err != nil {
			slog.Debug("dropping slow subscriber",
				"notebook", b.notebookID,
				"handle", handle,
				"error", err)
			failed = append(failed, handle)
		}
	}

	if len(failed) > 0 {
		b.subMu.Lock()
		for _, handle := range failed {
			delete(b.subscribers, handle)
		}
		b.subMu.Unlock()
	}
}

// notify delivers one event with a deadline. The send runs in its own
// goroutine so a notifier that ignores its context cannot wedge the
// fan-out; an overrun counts as a failed send.
func (b *Broadcaster) notify(n Notifier, ev ChangeEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- n.Notify(ctx, ev)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
