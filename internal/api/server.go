package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"traffic-congestion-monitor/internal/broadcast"
	"traffic-congestion-monitor/internal/db"
	"traffic-congestion-monitor/internal/metrics"
	"traffic-congestion-monitor/internal/models"
	"traffic-congestion-monitor/internal/pipeline"
	"traffic-congestion-monitor/internal/predictor"
	"traffic-congestion-monitor/internal/transport"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	defaultLimit           = 100
	defaultSummaryHours    = 24
	defaultReplayOnConnect = 50
)

// Opener attaches a transport for /api/connect
type Opener func(port string, baud int) (transport.Transport, error)

// OpenSerial is the default Opener
func OpenSerial(port string, baud int) (transport.Transport, error) {
	return transport.OpenSerial(port, baud)
}

// Server represents the API server
type Server struct {
	db       *db.Database
	pipeline *pipeline.Pipeline
	hub      *broadcast.Hub
	router   *mux.Router
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader *websocket.Upgrader

	open      Opener
	listPorts func() ([]transport.PortInfo, error)
	baseCtx   context.Context
	accessLog io.Writer
	origins   []string
	replayN   int

	// serialises connect, disconnect and baud changes
	connMu   sync.Mutex
	baudRate int
}

// Option configures a Server
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithOpener replaces the serial opener used by /api/connect
func WithOpener(open Opener) Option {
	return func(s *Server) { s.open = open }
}

func WithPortLister(fn func() ([]transport.PortInfo, error)) Option {
	return func(s *Server) { s.listPorts = fn }
}

// WithBaseContext sets the context ingestion sessions started over HTTP run
// under. It should outlive any single request.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.baseCtx = ctx }
}

// WithAccessLog writes Apache-style access lines to w
func WithAccessLog(w io.Writer) Option {
	return func(s *Server) { s.accessLog = w }
}

func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithReplayOnConnect sets how many recent events a new websocket client
// receives before live ones
func WithReplayOnConnect(n int) Option {
	return func(s *Server) { s.replayN = n }
}

// WithBaudRate sets the baud rate used when /api/connect omits one
func WithBaudRate(baud int) Option {
	return func(s *Server) {
		if baud > 0 {
			s.baudRate = baud
		}
	}
}

// NewServer creates a new API server
func NewServer(database *db.Database, pipe *pipeline.Pipeline, hub *broadcast.Hub, opts ...Option) *Server {
	s := &Server{
		db:        database,
		pipeline:  pipe,
		hub:       hub,
		router:    mux.NewRouter(),
		log:       slog.Default(),
		upgrader:  broadcast.NewUpgrader(),
		open:      OpenSerial,
		listPorts: transport.ListPorts,
		baseCtx:   context.Background(),
		origins:   []string{"*"},
		replayN:   defaultReplayOnConnect,
		baudRate:  transport.DefaultBaudRate,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "api")
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.handle("/health", s.handleHealth, http.MethodGet)

	// Device endpoints
	s.handle("/api/ports", s.handlePorts, http.MethodGet)
	s.handle("/api/connect", s.handleConnect, http.MethodPost)
	s.handle("/api/disconnect", s.handleDisconnect, http.MethodPost)
	s.handle("/api/baud-rate", s.handleBaudRate, http.MethodPost)
	s.handle("/api/status", s.handleStatus, http.MethodGet)

	// Live endpoints
	s.handle("/api/data", s.handleData, http.MethodGet)
	s.handle("/api/prediction", s.handlePrediction, http.MethodGet)
	s.handle("/api/prediction/next-minute", s.handleNextMinute, http.MethodGet)
	s.handle("/api/recommendations", s.handleRecommendations, http.MethodGet)
	s.handle("/ws", s.handleWebsocket, http.MethodGet)

	// Database endpoints
	s.handle("/api/db/readings", s.handleReadings, http.MethodGet)
	s.handle("/api/db/readings/{date}", s.handleReadingsByDate, http.MethodGet)
	s.handle("/api/db/predictions", s.handlePredictions, http.MethodGet)
	s.handle("/api/db/statistics", s.handleStatistics, http.MethodGet)
	s.handle("/api/db/congestion-summary", s.handleCongestionSummary, http.MethodGet)
	s.handle("/api/db/stats", s.handleStats, http.MethodGet)

	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
}

func (s *Server) handle(path string, fn http.HandlerFunc, methods ...string) {
	s.router.Handle(path, s.metrics.WrapHandler(path, fn)).Methods(methods...)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped with CORS and, if configured, access
// logging
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = handlers.CORS(
		handlers.AllowedOrigins(s.origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	if s.accessLog != nil {
		h = handlers.LoggingHandler(s.accessLog, h)
	}
	return h
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int64 `json:"total,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	Offset  int   `json:"offset,omitempty"`
	QueryMs int64 `json:"query_ms,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: data, Meta: m})
}

// queryInt reads a non-negative integer parameter, falling back to def
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.listPorts()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ports": ports})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	port := r.URL.Query().Get("port")
	if port == "" {
		respondError(w, http.StatusBadRequest, "port is required")
		return
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()

	baud, err := queryInt(r, "baud_rate", s.baudRate)
	if err != nil || baud == 0 {
		respondError(w, http.StatusBadRequest, "baud_rate must be a positive integer")
		return
	}

	// release the current port before opening, it may be the same device
	if err := s.pipeline.Stop(); err != nil {
		s.log.Warn("closing previous transport", "err", err)
	}

	t, err := s.open(port, baud)
	if err != nil {
		s.log.Warn("connect failed", "port", port, "baud_rate", baud, "err", err)
		respondError(w, http.StatusBadRequest, "failed to connect: "+err.Error())
		return
	}
	if err := s.pipeline.Start(s.baseCtx, t); err != nil {
		t.Close()
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.baudRate = baud

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "connected",
		"port":      port,
		"baud_rate": baud,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if err := s.pipeline.Stop(); err != nil {
		s.log.Warn("disconnect", "err", err)
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// handleBaudRate reopens the current port at the new rate. When nothing is
// connected the rate is kept for the next connect.
func (s *Server) handleBaudRate(w http.ResponseWriter, r *http.Request) {
	baud, err := queryInt(r, "new_baud_rate", 0)
	if err != nil || baud == 0 {
		respondError(w, http.StatusBadRequest, "new_baud_rate must be a positive integer")
		return
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()

	st := s.pipeline.Status()
	if st.IsConnected {
		if err := s.pipeline.Stop(); err != nil {
			s.log.Warn("closing transport for baud change", "err", err)
		}
		t, err := s.open(st.Port, baud)
		if err != nil {
			s.log.Warn("baud rate change failed", "port", st.Port, "baud_rate", baud, "err", err)
			respondError(w, http.StatusBadRequest, "failed to change baud rate: "+err.Error())
			return
		}
		if err := s.pipeline.Start(s.baseCtx, t); err != nil {
			t.Close()
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.baudRate = baud

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "success",
		"baud_rate": baud,
	})
}

func (s *Server) status() pipeline.Status {
	st := s.pipeline.Status()
	if st.BaudRate == 0 {
		s.connMu.Lock()
		st.BaudRate = s.baudRate
		s.connMu.Unlock()
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": s.pipeline.History(limit)})
}

func (s *Server) handlePrediction(w http.ResponseWriter, r *http.Request) {
	inf, ok := s.pipeline.Latest()
	if !ok {
		respondJSON(w, http.StatusOK, models.Congestion{Status: models.StatusInsufficientData})
		return
	}
	respondJSON(w, http.StatusOK, inf.Congestion)
}

func (s *Server) handleNextMinute(w http.ResponseWriter, r *http.Request) {
	inf, ok := s.pipeline.Latest()
	if !ok {
		respondJSON(w, http.StatusOK, models.Forecast{Status: models.StatusInsufficientData})
		return
	}
	respondJSON(w, http.StatusOK, inf.NextMinute)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	recs := predictor.Recommend(0, 0)
	if inf, ok := s.pipeline.Latest(); ok {
		recs = inf.Recommendations
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"recommendations": recs})
}

// handleWebsocket sends the status and recent events, then streams live
// events until the client goes away.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	greet := func(ctx context.Context, c *broadcast.Client) error {
		if err := c.Send(ctx, broadcast.Message{Type: broadcast.MessageStatus, Payload: s.status()}); err != nil {
			return err
		}
		if s.replayN <= 0 {
			return nil
		}
		for _, ev := range s.pipeline.History(s.replayN) {
			if err := c.Deliver(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	}

	if err := s.hub.ServeWS(w, r, s.upgrader, greet); err != nil {
		// the upgrader has already replied on a failed handshake
		s.log.Debug("websocket session ended", "err", err)
	}
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := models.ReadingQuery{
		UID:    r.URL.Query().Get("uid"),
		Limit:  limit,
		Offset: offset,
	}
	if v := r.URL.Query().Get("start_time"); v != "" {
		if q.StartTime, err = time.Parse(time.RFC3339, v); err != nil {
			respondError(w, http.StatusBadRequest, "start_time must be RFC3339")
			return
		}
	}
	if v := r.URL.Query().Get("end_time"); v != "" {
		if q.EndTime, err = time.Parse(time.RFC3339, v); err != nil {
			respondError(w, http.StatusBadRequest, "end_time must be RFC3339")
			return
		}
	}

	readings, err := s.db.QueryReadings(q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.db.GetTotalCount()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithMeta(w, readings, &meta{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleReadingsByDate(w http.ResponseWriter, r *http.Request) {
	date := mux.Vars(r)["date"]

	readings, err := s.db.GetReadingsByDate(date)
	if errors.Is(err, db.ErrInvalidDate) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"date":     date,
		"readings": readings,
		"count":    len(readings),
	})
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	preds, err := s.db.GetPredictions(limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"predictions": preds})
}

// handleStatistics returns null statistics for a day with no aggregate row
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStatistics(r.URL.Query().Get("date"))
	switch {
	case errors.Is(err, db.ErrInvalidDate):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, db.ErrNotFound):
		stats = nil
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"statistics": stats})
}

func (s *Server) handleCongestionSummary(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", defaultSummaryHours)
	if err != nil || hours == 0 {
		respondError(w, http.StatusBadRequest, "hours must be a positive integer")
		return
	}

	summary, err := s.db.GetCongestionSummary(hours)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"hours":   hours,
		"summary": summary,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats["subscribers"] = s.hub.Count()
	respondJSON(w, http.StatusOK, stats)
}
