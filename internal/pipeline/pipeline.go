// Package pipeline wires a transport through the frame reader and inference
// engine, then hands every event to the broadcaster and the persistence sink.
//
// A Pipeline is constructed once and shared by reference. Only its ingestion
// goroutine touches the inference window; HTTP handlers read the cached
// latest inference and the recent-event history instead.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"traffic-congestion-monitor/internal/metrics"
	"traffic-congestion-monitor/internal/models"
	"traffic-congestion-monitor/internal/parser"
	"traffic-congestion-monitor/internal/predictor"
	"traffic-congestion-monitor/internal/transport"
)

const (
	DefaultHistorySize   = 1000
	DefaultSinkQueueSize = 256
	DefaultSinkTimeout   = 5 * time.Second
)

var (
	// ErrRunning is returned by Replay while the ingestion loop owns the window
	ErrRunning = errors.New("pipeline is running")
	ErrClosed  = errors.New("pipeline closed")
)

// Sink persists a reading with its inference and returns the stored id
type Sink interface {
	Save(ctx context.Context, r models.Reading, inf models.Inference) (int64, error)
}

// Broadcaster fans an event out without blocking
type Broadcaster interface {
	Broadcast(ev models.Event) int
}

// PersistenceError reports an event the sink failed to store
type PersistenceError struct {
	Seq uint64
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist event %d: %v", e.Seq, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Config tunes the pipeline
type Config struct {
	WindowSize    int
	Reader        parser.ReaderConfig
	HistorySize   int
	SinkQueueSize int
	SinkTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		WindowSize:    predictor.DefaultWindowSize,
		Reader:        parser.DefaultReaderConfig(),
		HistorySize:   DefaultHistorySize,
		SinkQueueSize: DefaultSinkQueueSize,
		SinkTimeout:   DefaultSinkTimeout,
	}
}

// Status describes the attached transport
type Status struct {
	IsConnected bool   `json:"is_connected"`
	Port        string `json:"port"`
	BaudRate    int    `json:"baud_rate"`
	DataPoints  int    `json:"data_points"`
}

type session struct {
	cancel    context.CancelFunc
	done      chan struct{}
	transport transport.Transport
	info      transport.Info
}

// Pipeline is the orchestrator. All methods are safe for concurrent use.
type Pipeline struct {
	cfg     Config
	hub     Broadcaster
	sink    Sink
	log     *slog.Logger
	metrics *metrics.Metrics

	// lifecycle
	mu      sync.Mutex
	session *session
	closed  bool

	// held by whoever is feeding the engine
	ingestMu sync.Mutex
	engine   *predictor.Engine
	seq      atomic.Uint64

	stateMu sync.RWMutex
	latest  *models.Inference
	history eventRing

	persistMu     sync.RWMutex
	persistQ      chan models.Event
	persistClosed bool
	persistDone   chan struct{}
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithSink enables persistence
func WithSink(s Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New builds an idle pipeline broadcasting to hub
func New(cfg Config, hub Broadcaster, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.SinkQueueSize <= 0 {
		cfg.SinkQueueSize = def.SinkQueueSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = def.SinkTimeout
	}

	p := &Pipeline{
		cfg:     cfg,
		hub:     hub,
		log:     slog.Default(),
		engine:  predictor.NewEngine(cfg.WindowSize),
		history: newEventRing(cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "pipeline")

	if p.sink != nil {
		p.persistQ = make(chan models.Event, cfg.SinkQueueSize)
		p.persistDone = make(chan struct{})
		go p.persistLoop()
	}
	return p
}

// Start attaches t and begins ingesting in the background. A session that
// is already running is stopped first. The pipeline owns t from here on and
// closes it on Stop.
func (p *Pipeline) Start(ctx context.Context, t transport.Transport) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if err := p.stopLocked(); err != nil {
		p.log.Warn("closing previous transport", "err", err)
	}

	var info transport.Info
	if d, ok := t.(transport.Describer); ok {
		info = d.Info()
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &session{
		cancel:    cancel,
		done:      make(chan struct{}),
		transport: t,
		info:      info,
	}
	p.session = s
	go p.run(runCtx, s)

	p.log.Info("ingestion started", "port", info.Port, "baud_rate", info.BaudRate)
	return nil
}

// Stop cancels the ingestion loop, waits for it to exit and closes the
// transport. It is a no-op when nothing is running.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked()
}

func (p *Pipeline) stopLocked() error {
	s := p.session
	if s == nil {
		return nil
	}
	p.session = nil

	s.cancel()
	<-s.done
	p.log.Info("ingestion stopped", "port", s.info.Port)

	if err := s.transport.Close(); err != nil {
		return fmt.Errorf("close transport %s: %w", s.info.Port, err)
	}
	return nil
}

// Close stops ingestion and flushes queued events to the sink
func (p *Pipeline) Close() error {
	p.mu.Lock()
	err := p.stopLocked()
	p.closed = true
	p.mu.Unlock()

	p.persistMu.Lock()
	if p.persistQ != nil && !p.persistClosed {
		p.persistClosed = true
		close(p.persistQ)
	}
	p.persistMu.Unlock()

	if p.persistDone != nil {
		<-p.persistDone
	}
	return err
}

// Running reports whether an ingestion session is active
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return false
	}
	select {
	case <-p.session.done:
		return false
	default:
		return true
	}
}

func (p *Pipeline) run(ctx context.Context, s *session) {
	defer close(s.done)

	p.ingestMu.Lock()
	defer p.ingestMu.Unlock()

	reader := parser.NewReader(s.transport, p.cfg.Reader, p.log)
	for {
		r, err := reader.Next(ctx)
		if err != nil {
			var pe *parser.ParseError
			var te *parser.TransportError
			switch {
			case errors.As(err, &pe):
				p.metrics.Frame(metrics.FrameParseError)
				p.log.Warn("dropping malformed frame", "err", err)
				continue
			case errors.As(err, &te):
				p.metrics.TransportError()
				continue
			default:
				return
			}
		}
		p.metrics.Frame(metrics.FrameOK)
		ev := p.process(r)
		_ = p.enqueue(ctx, ev, false)
	}
}

// Replay feeds recorded readings through the engine as if they had just
// arrived. Readings without a receive time are stamped now. Persistence
// applies back-pressure here instead of dropping events.
func (p *Pipeline) Replay(ctx context.Context, readings []models.Reading) (int, error) {
	if p.Running() || !p.ingestMu.TryLock() {
		return 0, ErrRunning
	}
	defer p.ingestMu.Unlock()

	for i, r := range readings {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if r.ReceivedAt.IsZero() {
			r.ReceivedAt = time.Now()
		}
		ev := p.process(r)
		if err := p.enqueue(ctx, ev, true); err != nil {
			return i + 1, err
		}
	}
	return len(readings), nil
}

// process runs one reading through the engine and broadcasts the event. The
// caller must hold ingestMu.
func (p *Pipeline) process(r models.Reading) models.Event {
	inf := p.engine.Infer(r)
	ev := models.Event{
		ID:         uuid.NewString(),
		Sequence:   p.seq.Add(1),
		Reading:    r,
		Prediction: inf,
	}
	p.metrics.Inference(inf.Level, inf.Confidence)

	p.stateMu.Lock()
	p.latest = &ev.Prediction
	p.history.push(ev)
	p.stateMu.Unlock()

	if p.hub != nil {
		p.hub.Broadcast(ev)
	}
	return ev
}

// enqueue hands ev to the persistence worker. Without wait a full queue
// drops the event.
func (p *Pipeline) enqueue(ctx context.Context, ev models.Event, wait bool) error {
	if p.sink == nil {
		return nil
	}
	p.persistMu.RLock()
	defer p.persistMu.RUnlock()
	if p.persistClosed {
		return ErrClosed
	}

	if wait {
		select {
		case p.persistQ <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case p.persistQ <- ev:
	default:
		p.metrics.Persistence(metrics.ResultDropped)
		p.log.Warn("persistence queue full, dropping event", "seq", ev.Sequence)
	}
	return nil
}

func (p *Pipeline) persistLoop() {
	defer close(p.persistDone)
	for ev := range p.persistQ {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SinkTimeout)
		id, err := p.sink.Save(ctx, ev.Reading, ev.Prediction)
		cancel()
		if err != nil {
			perr := &PersistenceError{Seq: ev.Sequence, Err: err}
			p.metrics.Persistence(metrics.ResultError)
			p.log.Warn("persistence failed", "seq", ev.Sequence, "err", perr)
			continue
		}
		p.metrics.Persistence(metrics.ResultOK)
		p.log.Debug("event persisted", "seq", ev.Sequence, "id", id)
	}
}

// Latest returns the most recent inference, if any reading has arrived
func (p *Pipeline) Latest() (models.Inference, bool) {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	if p.latest == nil {
		return models.Inference{}, false
	}
	return *p.latest, true
}

// History returns up to limit of the most recent events, oldest first. A
// limit of zero or less returns everything retained.
func (p *Pipeline) History(limit int) []models.Event {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.history.tail(limit)
}

// Status reports the attached transport and retained event count
func (p *Pipeline) Status() Status {
	p.stateMu.RLock()
	points := p.history.size
	p.stateMu.RUnlock()

	st := Status{DataPoints: points}
	p.mu.Lock()
	if s := p.session; s != nil {
		select {
		case <-s.done:
		default:
			st.IsConnected = true
		}
		st.Port = s.info.Port
		st.BaudRate = s.info.BaudRate
	}
	p.mu.Unlock()
	return st
}

// eventRing keeps the most recent events
type eventRing struct {
	buf  []models.Event
	head int
	size int
}

func newEventRing(capacity int) eventRing {
	return eventRing{buf: make([]models.Event, capacity)}
}

func (r *eventRing) push(ev models.Event) {
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *eventRing) tail(n int) []models.Event {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]models.Event, n)
	start := (r.head - n + len(r.buf)) % len(r.buf)
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}
