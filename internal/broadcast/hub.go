package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"example.com/backstage/services/telemetry/internal/metrics"
	"example.com/backstage/services/telemetry/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Event types pushed to subscribers
const (
	EventTelemetry = "telemetry"
	EventAlert     = "alert"
)

// DefaultQueueSize is the per-subscriber backlog used when none is configured
const DefaultQueueSize = 256

const eventBacklog = 1024

// Event is a message fanned out to every subscriber
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Sink receives encoded events for one subscriber. Write is only ever called
// from a single goroutine; Close is called once after the last Write.
type Sink interface {
	Write(msg []byte) error
	Close() error
}

// Handle identifies a registered subscriber
type Handle uint64

type subscription struct {
	handle Handle
	sink   Sink
	queue  chan []byte
}

// Hub fans events out to subscribers. A subscriber that fails a write or
// cannot keep up with its queue is disconnected; the others are unaffected.
type Hub struct {
	mu        sync.RWMutex
	subs      map[Handle]*subscription
	events    chan Event
	done      chan struct{}
	stopOnce  sync.Once
	next      atomic.Uint64
	queueSize int
	metrics   *metrics.Metrics
}

// NewHub creates a hub. queueSize bounds each subscriber's backlog.
func NewHub(queueSize int, m *metrics.Metrics) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		subs:      make(map[Handle]*subscription),
		events:    make(chan Event, eventBacklog),
		done:      make(chan struct{}),
		queueSize: queueSize,
		metrics:   m,
	}
}

// Register adds a subscriber and starts its delivery goroutine
func (h *Hub) Register(sink Sink) Handle {
	s := &subscription{
		handle: Handle(h.next.Add(1)),
		sink:   sink,
		queue:  make(chan []byte, h.queueSize),
	}

	h.mu.Lock()
	h.subs[s.handle] = s
	count := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetGauge(metrics.ActiveSubscribers, int64(count))
	log.Debug().Uint64("subscriber", uint64(s.handle)).Int("subscribers", count).Msg("Subscriber registered")

	go h.pump(s)
	return s.handle
}

// Unregister removes a subscriber. Its sink is closed once pending writes stop.
// Unregistering an unknown handle is a no-op.
func (h *Hub) Unregister(handle Handle) {
	h.mu.Lock()
	s, ok := h.subs[handle]
	if ok {
		delete(h.subs, handle)
		close(s.queue)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if ok {
		h.metrics.SetGauge(metrics.ActiveSubscribers, int64(count))
		log.Debug().Uint64("subscriber", uint64(handle)).Int("subscribers", count).Msg("Subscriber unregistered")
	}
}

// Count returns the number of registered subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast hands an event to the hub. Events are delivered to each
// subscriber in the order they were handed off. After Run returns,
// events are discarded.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// Run delivers events until ctx is cancelled, then disconnects every subscriber
func (h *Hub) Run(ctx context.Context) {
	defer h.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("Failed to encode event for broadcast")
		return
	}

	var slow []Handle
	h.mu.RLock()
	for handle, s := range h.subs {
		select {
		case s.queue <- msg:
		default:
			slow = append(slow, handle)
		}
	}
	h.mu.RUnlock()

	h.metrics.IncrementCounter(metrics.BroadcastsSent)

	for _, handle := range slow {
		log.Warn().Uint64("subscriber", uint64(handle)).Msg("Subscriber queue full, disconnecting")
		h.metrics.IncrementCounter(metrics.SubscribersDropped)
		h.Unregister(handle)
	}
}

func (h *Hub) pump(s *subscription) {
	defer func() {
		if err := s.sink.Close(); err != nil {
			log.Debug().Err(err).Uint64("subscriber", uint64(s.handle)).Msg("Failed to close subscriber sink")
		}
	}()

	for msg := range s.queue {
		if err := s.sink.Write(msg); err != nil {
			err = errors.Wrap(models.ErrSubscriberDelivery, err.Error())
			log.Warn().Err(err).Uint64("subscriber", uint64(s.handle)).Msg("Dropping subscriber")
			h.metrics.IncrementCounter(metrics.SubscribersDropped)
			h.Unregister(s.handle)
			for range s.queue {
			}
			return
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.RLock()
		handles := make([]Handle, 0, len(h.subs))
		for handle := range h.subs {
			handles = append(handles, handle)
		}
		h.mu.RUnlock()

		for _, handle := range handles {
			h.Unregister(handle)
		}
	})
}
