// Package broadcast fans inference events out to subscribers.
//
// Each subscriber gets its own bounded queue and delivery goroutine. A slow
// or failing subscriber only ever loses its own events; Broadcast never
// blocks the producer.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"traffic-congestion-monitor/internal/metrics"
	"traffic-congestion-monitor/internal/models"
)

const (
	DefaultQueueSize      = 64
	DefaultDeliverTimeout = 5 * time.Second
)

var (
	ErrHubClosed           = errors.New("broadcast hub closed")
	ErrDuplicateSubscriber = errors.New("subscriber already registered")
)

// Subscriber receives events. Deliver must honour ctx's deadline.
type Subscriber interface {
	ID() string
	Deliver(ctx context.Context, ev models.Event) error
}

// Durable subscribers stay registered after a failed delivery. Sinks such as
// a message broker reconnect on their own; a websocket client does not.
type Durable interface {
	Durable() bool
}

// DeliveryError reports an event a subscriber failed to accept
type DeliveryError struct {
	SubscriberID string
	Seq          uint64
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver event %d to %s: %v", e.Seq, e.SubscriberID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Option configures a Hub
type Option func(*Hub)

func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

func WithDeliverTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithErrorHandler is called for every failed delivery, after logging
func WithErrorHandler(fn func(*DeliveryError)) Option {
	return func(h *Hub) { h.onError = fn }
}

type subscription struct {
	sub     Subscriber
	queue   chan models.Event
	quit    chan struct{}
	once    sync.Once
	durable bool
}

func (s *subscription) stop() {
	s.once.Do(func() {
		close(s.quit)
		if c, ok := s.sub.(io.Closer); ok {
			_ = c.Close()
		}
	})
}

// Hub is the fan-out broadcaster. It is safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup

	queueSize int
	timeout   time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics
	onError   func(*DeliveryError)
}

// NewHub creates an empty hub
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:      make(map[string]*subscription),
		queueSize: DefaultQueueSize,
		timeout:   DefaultDeliverTimeout,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With("component", "broadcaster")
	return h
}

// Register adds s and starts its delivery goroutine. Events broadcast before
// Register returns are not delivered to s. A subscriber that is also an
// io.Closer is closed when it leaves the hub.
func (h *Hub) Register(s Subscriber) error {
	durable := false
	if d, ok := s.(Durable); ok {
		durable = d.Durable()
	}
	sub := &subscription{
		sub:     s,
		queue:   make(chan models.Event, h.queueSize),
		quit:    make(chan struct{}),
		durable: durable,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if _, exists := h.subs[s.ID()]; exists {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSubscriber, s.ID())
	}
	h.subs[s.ID()] = sub
	count := len(h.subs)
	h.wg.Add(1)
	h.mu.Unlock()

	h.metrics.SetSubscribers(count)
	h.log.Info("subscriber registered", "subscriber", s.ID(), "durable", durable, "subscribers", count)

	go h.run(sub)
	return nil
}

// Unregister removes the subscriber with the given id. It reports whether the
// subscriber was registered; unknown ids are a no-op.
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return false
	}
	sub.stop()
	h.metrics.SetSubscribers(count)
	h.log.Info("subscriber unregistered", "subscriber", id, "subscribers", count)
	return true
}

// remove drops sub only if it is still the registration under its id
func (h *Hub) remove(sub *subscription) {
	id := sub.sub.ID()
	h.mu.Lock()
	current, ok := h.subs[id]
	if ok && current == sub {
		delete(h.subs, id)
	}
	count := len(h.subs)
	h.mu.Unlock()

	sub.stop()
	if ok && current == sub {
		h.metrics.SetSubscribers(count)
	}
}

// Broadcast queues ev for every registered subscriber and returns how many
// accepted it. A subscriber whose queue is full misses this event.
func (h *Hub) Broadcast(ev models.Event) int {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return 0
	}
	snapshot := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.RUnlock()

	queued := 0
	for _, sub := range snapshot {
		select {
		case <-sub.quit:
			continue
		default:
		}
		select {
		case sub.queue <- ev:
			queued++
		default:
			h.metrics.Delivery(metrics.ResultDropped)
			h.log.Warn("subscriber queue full, dropping event",
				"subscriber", sub.sub.ID(), "seq", ev.Sequence)
		}
	}
	return queued
}

// Count is the number of registered subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// IDs lists the registered subscriber ids
func (h *Hub) IDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	return ids
}

// Close unregisters every subscriber and waits for their goroutines. Queued
// events that were not yet delivered are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	h.wg.Wait()
	h.metrics.SetSubscribers(0)
}

func (h *Hub) run(sub *subscription) {
	defer h.wg.Done()
	for {
		select {
		case <-sub.quit:
			return
		case ev := <-sub.queue:
			if err := h.deliver(sub, ev); err != nil && !sub.durable {
				h.log.Info("removing subscriber after failed delivery", "subscriber", sub.sub.ID())
				h.remove(sub)
				return
			}
		}
	}
}

func (h *Hub) deliver(sub *subscription, ev models.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	err := sub.sub.Deliver(ctx, ev)
	if err == nil {
		h.metrics.Delivery(metrics.ResultOK)
		return nil
	}

	derr := &DeliveryError{SubscriberID: sub.sub.ID(), Seq: ev.Sequence, Err: err}
	h.metrics.Delivery(metrics.ResultError)
	h.log.Warn("delivery failed", "subscriber", derr.SubscriberID, "seq", derr.Seq, "err", err)
	if h.onError != nil {
		h.onError(derr)
	}
	return derr
}
