// ABOUTME: Lossy fan-out of every bus event to channel subscribers
// ABOUTME: Filters by session key and unsubscribes automatically when ctx ends

package runbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each firehose subscriber.
	subscriberBufferSize = 64

	// AllSessions subscribes to events from every session.
	AllSessions = ""
)

// Broadcaster relays live bus events to channel subscribers. Unlike Stream it
// never replays and drops events for subscribers whose buffer is full, so it
// suits dashboards and firehose endpoints rather than per-run consumers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // sessionKey -> subID -> ch
	closed      bool
	detach      func()
	logger      *slog.Logger
}

// NewBroadcaster attaches a broadcaster to bus. Pass nil logger for default.
func NewBroadcaster(bus *Bus, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
	b.detach = bus.SubscribeAll(b.publish)
	return b
}

// Subscribe registers for events of sessionKey, or of every session when
// sessionKey is AllSessions. Returns the event channel and a subscription ID
// for Unsubscribe. The subscription is removed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionKey string) (<-chan Event, string) {
	subID := uuid.NewString()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[sessionKey]; !ok {
		b.subscribers[sessionKey] = make(map[string]chan Event)
	}
	b.subscribers[sessionKey][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"session_key", sessionKey,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionKey, subID)
	}()

	return ch, subID
}

// publish runs inside Bus.Emit, so it only ever does non-blocking sends.
// Sends happen under the read lock so Unsubscribe cannot close a channel
// mid-send.
func (b *Broadcaster) publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.sendLocked(b.subscribers[AllSessions], evt)
	if evt.SessionKey != AllSessions {
		b.sendLocked(b.subscribers[evt.SessionKey], evt)
	}
}

func (b *Broadcaster) sendLocked(subs map[string]chan Event, evt Event) {
	for subID, ch := range subs {
		select {
		case ch <- evt:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"sub_id", subID,
				"run_id", evt.RunID,
				"seq", evt.Seq)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(sessionKey, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionKey]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, sessionKey)
	}

	b.logger.Debug("subscriber removed",
		"session_key", sessionKey,
		"sub_id", subID)
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close detaches from the bus and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.detach()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}

	b.logger.Debug("broadcaster closed")
}
