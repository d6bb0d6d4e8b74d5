// ABOUTME: Channel view of a single run's event stream
// ABOUTME: Buffers through an unbounded mailbox so emitters never wait on readers

package runbus

import (
	"context"
	"sync"
)

// Stream returns a channel carrying the run's full event stream, replayed
// from seq 1 and followed live. The channel closes after the terminal event is
// delivered or when ctx ends. Events queue without bound while the reader is
// slow; none are dropped.
func (b *Bus) Stream(ctx context.Context, runID string) <-chan Event {
	out := make(chan Event)
	box := newMailbox()
	unsubscribe := b.SubscribeRun(runID, box.put)

	go func() {
		defer close(out)
		defer unsubscribe()

		for {
			evt, ok := box.next(ctx)
			if !ok {
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
			if evt.IsTerminal() {
				return
			}
		}
	}()

	return out
}

type mailbox struct {
	mu     sync.Mutex
	items  []Event
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) put(evt Event) {
	m.mu.Lock()
	m.items = append(m.items, evt)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// next pops the oldest event, blocking until one arrives or ctx ends.
func (m *mailbox) next(ctx context.Context) (Event, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			evt := m.items[0]
			m.items[0] = Event{}
			m.items = m.items[1:]
			m.mu.Unlock()
			return evt, true
		}
		m.mu.Unlock()

		select {
		case <-m.signal:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}
