package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nerrad567/signpost-core/internal/infrastructure/logging"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultSendBuffer        = 256
	DefaultHeartbeatInterval = 15 * time.Second
)

// EventHeartbeat is the type of the periodic liveness frame.
const EventHeartbeat = "heartbeat"

// Heartbeat is the liveness frame published by Run.
type Heartbeat struct {
	Type string `json:"type"`
}

// Options configures a Hub.
type Options struct {
	// SendBuffer is the per-subscription queue length in frames.
	SendBuffer int

	// HeartbeatInterval is the period of heartbeat frames sent by Run.
	HeartbeatInterval time.Duration

	// Clock drives the heartbeat ticker. Default: wall clock.
	Clock clock.Clock
}

// Subscription is one observer's outbound queue.
type Subscription struct {
	name string
	send chan []byte
}

// Name identifies the subscriber in logs.
func (s *Subscription) Name() string { return s.name }

// Frames returns the queue of encoded events. It is closed when the
// subscription is removed.
func (s *Subscription) Frames() <-chan []byte { return s.send }

// trySend queues data without blocking. It reports false when the queue
// is full. The caller must hold the hub lock so the queue cannot be
// closed underneath it.
func (s *Subscription) trySend(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Stats is a point-in-time view of hub activity.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Pruned      uint64 `json:"pruned"`
}

// Hub is a publish/subscribe fan-out for JSON events.
type Hub struct {
	sendBuffer int
	heartbeat  time.Duration
	clock      clock.Clock
	logger     *logging.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
	pruned    atomic.Uint64
}

// NewHub creates a hub.
func NewHub(opts Options, logger *logging.Logger) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if logger == nil {
		logger = logging.Default()
	}

	return &Hub{
		sendBuffer: opts.SendBuffer,
		heartbeat:  opts.HeartbeatInterval,
		clock:      opts.Clock,
		logger:     logger.With("component", "broadcast"),
		subs:       make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new observer. Events returned by replay are
// queued first; no event published after Subscribe returns can overtake
// them. replay may be nil.
//
// replay runs with the hub locked and must not call back into the hub.
// Once the hub has stopped, Subscribe returns a subscription whose queue
// is already closed.
func (h *Hub) Subscribe(name string, replay func() []any) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub := &Subscription{name: name, send: make(chan []byte)}
		close(sub.send)
		return sub
	}

	var frames [][]byte
	if replay != nil {
		for _, event := range replay() {
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("encoding replay event", "subscriber", name, "error", err)
				continue
			}
			frames = append(frames, data)
		}
	}

	sub := &Subscription{
		name: name,
		send: make(chan []byte, h.sendBuffer+len(frames)),
	}
	for _, data := range frames {
		sub.send <- data
	}
	h.subs[sub] = struct{}{}

	h.logger.Debug("subscriber added", "subscriber", name, "replayed", len(frames), "subscribers", len(h.subs))
	return sub
}

// Unsubscribe removes sub and closes its queue. Only the call that
// actually removes the subscription closes it, so repeated calls are safe.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if h.remove(sub) {
		h.logger.Debug("subscriber removed", "subscriber", sub.name, "subscribers", h.Count())
	}
}

func (h *Hub) remove(sub *Subscription) bool {
	if sub == nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub]; !ok {
		return false
	}
	delete(h.subs, sub)
	close(sub.send)
	return true
}

// Publish encodes event and queues it for every subscriber. Subscribers
// whose queue is full or closed are pruned. Publish never blocks on a
// subscriber.
func (h *Hub) Publish(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encoding event", "error", err)
		return
	}
	h.published.Add(1)

	// Sends are non-blocking, so they run under the read lock; removal
	// closes queues under the write lock and cannot interleave.
	var full []*Subscription
	h.mu.RLock()
	for sub := range h.subs {
		if sub.trySend(data) {
			h.delivered.Add(1)
			continue
		}
		full = append(full, sub)
	}
	h.mu.RUnlock()

	for _, sub := range full {
		if h.remove(sub) {
			h.pruned.Add(1)
			h.logger.Warn("subscriber pruned", "subscriber", sub.name)
		}
	}
}

// Run publishes heartbeats until ctx ends, then closes every
// subscription so transports can finish their streams.
func (h *Hub) Run(ctx context.Context) {
	ticker := h.clock.Ticker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.Publish(Heartbeat{Type: EventHeartbeat})
		}
	}
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.Count(),
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Pruned:      h.pruned.Load(),
	}
}

// closeAll removes every subscription and refuses new ones.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for sub := range h.subs {
		close(sub.send)
		delete(h.subs, sub)
	}
	h.logger.Info("broadcast hub stopped")
}
