package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-congestion-monitor/internal/broadcast"
	"traffic-congestion-monitor/internal/db"
	"traffic-congestion-monitor/internal/metrics"
	"traffic-congestion-monitor/internal/models"
	"traffic-congestion-monitor/internal/parser"
	"traffic-congestion-monitor/internal/pipeline"
	"traffic-congestion-monitor/internal/transport"
)

type openCall struct {
	port string
	baud int
}

// fixture is a server over a real database with a recording opener
type fixture struct {
	server   *Server
	db       *db.Database
	pipeline *pipeline.Pipeline
	hub      *broadcast.Hub

	mu      sync.Mutex
	calls   []openCall
	openErr error
	frames  string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	database, err := db.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	hub := broadcast.NewHub(broadcast.WithLogger(quiet))
	t.Cleanup(hub.Close)

	cfg := pipeline.DefaultConfig()
	cfg.Reader = parser.ReaderConfig{PollInterval: time.Millisecond, ErrorBackoff: time.Millisecond}
	pipe := pipeline.New(cfg, hub, pipeline.WithSink(database), pipeline.WithLogger(quiet))
	t.Cleanup(func() { pipe.Close() })

	f := &fixture{db: database, pipeline: pipe, hub: hub}
	opener := func(port string, baud int) (transport.Transport, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, openCall{port, baud})
		if f.openErr != nil {
			return nil, f.openErr
		}
		return transport.NewStream(port, strings.NewReader(f.frames)), nil
	}
	ports := func() ([]transport.PortInfo, error) {
		return []transport.PortInfo{{Port: "/dev/ttyUSB0", Description: "CP2102", HWID: "USB VID:PID=10C4:EA60"}}, nil
	}

	opts = append([]Option{WithLogger(quiet), WithOpener(opener), WithPortLister(ports)}, opts...)
	f.server = NewServer(database, pipe, hub, opts...)
	return f
}

func frameLines(n, gas, count, headway int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `{"timestamp":"t%d","uid":"5E51B05","gas":%d,"count":%d,"headway_ms":%d,"flag":""}`+"\n", i, gas, count, headway)
	}
	return b.String()
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Meta    *meta           `json:"meta"`
}

func (f *fixture) do(t *testing.T, method, target string) (int, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	code, env := f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
	assert.JSONEq(t, `{"status":"ok"}`, string(env.Data))
}

func TestPorts(t *testing.T) {
	f := newFixture(t)
	code, env := f.do(t, http.MethodGet, "/api/ports")
	require.Equal(t, http.StatusOK, code)

	body := decode[struct {
		Ports []transport.PortInfo `json:"ports"`
	}](t, env.Data)
	require.Len(t, body.Ports, 1)
	assert.Equal(t, "/dev/ttyUSB0", body.Ports[0].Port)
}

func TestConnectStreamsThroughPipeline(t *testing.T) {
	f := newFixture(t)
	f.frames = frameLines(5, 500, 10, 500)

	code, env := f.do(t, http.MethodPost, "/api/connect?port=COM9&baud_rate=9600")
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.JSONEq(t, `{"status":"connected","port":"COM9","baud_rate":9600}`, string(env.Data))

	require.Eventually(t, func() bool {
		return len(f.pipeline.History(0)) == 5
	}, 2*time.Second, 5*time.Millisecond)

	_, env = f.do(t, http.MethodGet, "/api/status")
	st := decode[pipeline.Status](t, env.Data)
	assert.True(t, st.IsConnected)
	assert.Equal(t, "COM9", st.Port)
	assert.Equal(t, 9600, st.BaudRate)
	assert.Equal(t, 5, st.DataPoints)

	_, env = f.do(t, http.MethodGet, "/api/data?limit=2")
	data := decode[struct {
		Data []models.Event `json:"data"`
	}](t, env.Data)
	require.Len(t, data.Data, 2)
	assert.Equal(t, uint64(4), data.Data[0].Sequence)
	assert.Equal(t, uint64(5), data.Data[1].Sequence)

	_, env = f.do(t, http.MethodGet, "/api/prediction")
	c := decode[models.Congestion](t, env.Data)
	assert.Equal(t, models.StatusHeavy, c.Status)
	assert.Equal(t, 74, c.Level)
	require.NotNil(t, c.Factors)

	_, env = f.do(t, http.MethodGet, "/api/prediction/next-minute")
	fc := decode[models.Forecast](t, env.Data)
	assert.NotEqual(t, models.StatusInsufficientData, fc.Status)

	code, env = f.do(t, http.MethodPost, "/api/disconnect")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"disconnected"}`, string(env.Data))

	_, env = f.do(t, http.MethodGet, "/api/status")
	assert.False(t, decode[pipeline.Status](t, env.Data).IsConnected)
}

func TestConnectValidation(t *testing.T) {
	f := newFixture(t)

	code, env := f.do(t, http.MethodPost, "/api/connect")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, env.Success)
	assert.Equal(t, "port is required", env.Error)

	code, _ = f.do(t, http.MethodPost, "/api/connect?port=COM1&baud_rate=fast")
	assert.Equal(t, http.StatusBadRequest, code)

	f.openErr = errors.New("no such device")
	code, env = f.do(t, http.MethodPost, "/api/connect?port=COM1")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Error, "no such device")
	assert.Equal(t, []openCall{{"COM1", transport.DefaultBaudRate}}, f.calls)
	assert.False(t, f.pipeline.Running())
}

func TestBaudRateWhileDisconnected(t *testing.T) {
	f := newFixture(t)

	code, env := f.do(t, http.MethodPost, "/api/baud-rate?new_baud_rate=57600")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"success","baud_rate":57600}`, string(env.Data))
	assert.Empty(t, f.calls, "nothing to reopen")

	_, env = f.do(t, http.MethodGet, "/api/status")
	assert.Equal(t, 57600, decode[pipeline.Status](t, env.Data).BaudRate)

	// the stored rate is used by the next connect
	code, _ = f.do(t, http.MethodPost, "/api/connect?port=COM3")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []openCall{{"COM3", 57600}}, f.calls)

	code, _ = f.do(t, http.MethodPost, "/api/baud-rate")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPost, "/api/baud-rate?new_baud_rate=0")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBaudRateReopensConnectedPort(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/api/connect?port=COM4&baud_rate=9600")
	require.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodPost, "/api/baud-rate?new_baud_rate=115200")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []openCall{{"COM4", 9600}, {"COM4", 115200}}, f.calls)
	assert.True(t, f.pipeline.Running())

	f.openErr = errors.New("device busy")
	code, _ = f.do(t, http.MethodPost, "/api/baud-rate?new_baud_rate=9600")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, f.pipeline.Running(), "the old session is released before reopening")
}

func TestPredictionBeforeAnyReading(t *testing.T) {
	f := newFixture(t)

	_, env := f.do(t, http.MethodGet, "/api/prediction")
	assert.Equal(t, models.StatusInsufficientData, decode[models.Congestion](t, env.Data).Status)

	_, env = f.do(t, http.MethodGet, "/api/prediction/next-minute")
	assert.Equal(t, models.StatusInsufficientData, decode[models.Forecast](t, env.Data).Status)

	_, env = f.do(t, http.MethodGet, "/api/recommendations")
	recs := decode[struct {
		Recommendations []string `json:"recommendations"`
	}](t, env.Data)
	assert.Equal(t, []string{"Traffic is flowing freely. No action needed."}, recs.Recommendations)
}

func TestDatabaseEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	inf := models.Inference{Congestion: models.Congestion{Level: 65, Status: models.StatusHeavy, Confidence: 40}}

	_, err := f.db.Save(ctx, models.Reading{UID: "A", Gas: 300, Count: 3, HeadwayMs: 900, ReceivedAt: day}, inf)
	require.NoError(t, err)
	_, err = f.db.Save(ctx, models.Reading{UID: "B", Gas: 100, Count: 1, HeadwayMs: 3000, ReceivedAt: time.Now()}, inf)
	require.NoError(t, err)

	code, env := f.do(t, http.MethodGet, "/api/db/readings?limit=1")
	require.Equal(t, http.StatusOK, code)
	readings := decode[[]models.Reading](t, env.Data)
	require.Len(t, readings, 1)
	assert.Equal(t, "B", readings[0].UID)
	require.NotNil(t, env.Meta)
	assert.Equal(t, int64(2), env.Meta.Total)
	assert.Equal(t, 1, env.Meta.Limit)

	_, env = f.do(t, http.MethodGet, "/api/db/readings?uid=A")
	assert.Len(t, decode[[]models.Reading](t, env.Data), 1)

	code, env = f.do(t, http.MethodGet, "/api/db/readings/2024-05-01")
	require.Equal(t, http.StatusOK, code)
	byDate := decode[struct {
		Date     string           `json:"date"`
		Readings []models.Reading `json:"readings"`
		Count    int              `json:"count"`
	}](t, env.Data)
	assert.Equal(t, "2024-05-01", byDate.Date)
	assert.Equal(t, 1, byDate.Count)

	code, _ = f.do(t, http.MethodGet, "/api/db/readings/yesterday")
	assert.Equal(t, http.StatusBadRequest, code)

	_, env = f.do(t, http.MethodGet, "/api/db/predictions?limit=10")
	preds := decode[struct {
		Predictions []models.StoredPrediction `json:"predictions"`
	}](t, env.Data)
	assert.Len(t, preds.Predictions, 2)

	code, env = f.do(t, http.MethodGet, "/api/db/statistics?date=2024-05-01")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"statistics":null}`, string(env.Data))

	_, err = f.db.UpdateStatistics(day)
	require.NoError(t, err)
	_, env = f.do(t, http.MethodGet, "/api/db/statistics?date=2024-05-01")
	stats := decode[struct {
		Statistics *models.DailyStatistics `json:"statistics"`
	}](t, env.Data)
	require.NotNil(t, stats.Statistics)
	assert.Equal(t, 300, stats.Statistics.MaxGas)

	code, _ = f.do(t, http.MethodGet, "/api/db/statistics?date=May")
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = f.do(t, http.MethodGet, "/api/db/congestion-summary?hours=48")
	require.Equal(t, http.StatusOK, code)
	summary := decode[struct {
		Hours   int                        `json:"hours"`
		Summary []models.CongestionSummary `json:"summary"`
	}](t, env.Data)
	assert.Equal(t, 48, summary.Hours)
	require.NotEmpty(t, summary.Summary)
	assert.Equal(t, models.StatusHeavy, summary.Summary[0].Status)

	code, _ = f.do(t, http.MethodGet, "/api/db/congestion-summary?hours=0")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/api/db/readings?limit=-5")
	assert.Equal(t, http.StatusBadRequest, code)

	_, env = f.do(t, http.MethodGet, "/api/db/stats")
	dbStats := decode[map[string]interface{}](t, env.Data)
	assert.Equal(t, float64(2), dbStats["total_readings"])
	assert.Equal(t, float64(0), dbStats["subscribers"])
}

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func TestWebsocketReplaysHistoryThenStreams(t *testing.T) {
	f := newFixture(t, WithReplayOnConnect(2))
	ctx := context.Background()

	reading := models.Reading{UID: "5E51B05", Gas: 500, Count: 10, HeadwayMs: 500}
	_, err := f.pipeline.Replay(ctx, []models.Reading{reading, reading, reading})
	require.NoError(t, err)

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, broadcast.MessageStatus, msg.Type)
	assert.Equal(t, 3, decode[pipeline.Status](t, msg.Payload).DataPoints)

	for _, want := range []uint64{2, 3} {
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, broadcast.MessageData, msg.Type)
		assert.Equal(t, want, decode[models.Event](t, msg.Payload).Sequence)
	}

	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	_, err = f.pipeline.Replay(ctx, []models.Reading{reading})
	require.NoError(t, err)

	require.NoError(t, conn.ReadJSON(&msg))
	ev := decode[models.Event](t, msg.Payload)
	assert.Equal(t, uint64(4), ev.Sequence)
	assert.Equal(t, models.StatusHeavy, ev.Prediction.Status)
}

func TestMetricsAndCORS(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, WithMetrics(metrics.New(reg)))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	f.do(t, http.MethodGet, "/api/db/readings/not-a-date")

	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `traffic_http_requests_total{route="/health",status="200"} 1`)
	assert.Contains(t, body, `traffic_http_requests_total{route="/api/db/readings/{date}",status="400"} 1`)
}

func TestAccessLog(t *testing.T) {
	var buf strings.Builder
	var mu sync.Mutex
	f := newFixture(t, WithAccessLog(writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})))

	f.do(t, http.MethodGet, "/health")
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, buf.String(), `"GET /health HTTP/1.1" 200`)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
