package broadcast

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-congestion-monitor/internal/models"
)

type recorder struct {
	id      string
	durable bool
	fail    error
	block   bool

	mu     sync.Mutex
	events []models.Event
	closed bool
}

func (r *recorder) ID() string    { return r.id }
func (r *recorder) Durable() bool { return r.durable }

func (r *recorder) Deliver(ctx context.Context, ev models.Event) error {
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recorder) seqs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Sequence
	}
	return out
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func event(seq uint64) models.Event {
	return models.Event{Sequence: seq, Reading: models.Reading{Gas: int(seq)}}
}

func TestBroadcastDeliversInOrder(t *testing.T) {
	h := NewHub(WithLogger(quietLogger()))
	defer h.Close()

	a := &recorder{id: "a"}
	b := &recorder{id: "b"}
	require.NoError(t, h.Register(a))
	require.NoError(t, h.Register(b))

	for seq := uint64(1); seq <= 20; seq++ {
		assert.Equal(t, 2, h.Broadcast(event(seq)))
	}

	want := make([]uint64, 20)
	for i := range want {
		want[i] = uint64(i + 1)
	}
	assert.Eventually(t, func() bool { return len(a.seqs()) == 20 && len(b.seqs()) == 20 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, want, a.seqs())
	assert.Equal(t, want, b.seqs())
}

func TestFailingSubscriberIsRemoved(t *testing.T) {
	var mu sync.Mutex
	var reported []*DeliveryError
	h := NewHub(WithLogger(quietLogger()), WithErrorHandler(func(err *DeliveryError) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	defer h.Close()

	boom := errors.New("connection reset")
	bad := &recorder{id: "bad", fail: boom}
	good := &recorder{id: "good"}
	require.NoError(t, h.Register(bad))
	require.NoError(t, h.Register(good))

	h.Broadcast(event(1))
	assert.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, bad.isClosed())

	h.Broadcast(event(2))
	assert.Eventually(t, func() bool { return len(good.seqs()) == 2 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.Equal(t, "bad", reported[0].SubscriberID)
	assert.ErrorIs(t, reported[0], boom)
}

func TestDurableSubscriberSurvivesFailures(t *testing.T) {
	h := NewHub(WithLogger(quietLogger()))
	defer h.Close()

	broker := &recorder{id: "broker", durable: true, fail: errors.New("broker down")}
	require.NoError(t, h.Register(broker))

	for seq := uint64(1); seq <= 3; seq++ {
		h.Broadcast(event(seq))
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.Count())
	assert.False(t, broker.isClosed())
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	h := NewHub(WithLogger(quietLogger()), WithDeliverTimeout(200*time.Millisecond))
	defer h.Close()

	slow := &recorder{id: "slow", block: true, durable: true}
	fast := &recorder{id: "fast"}
	require.NoError(t, h.Register(slow))
	require.NoError(t, h.Register(fast))

	start := time.Now()
	for seq := uint64(1); seq <= 10; seq++ {
		h.Broadcast(event(seq))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "Broadcast must not wait on subscribers")

	assert.Eventually(t, func() bool { return len(fast.seqs()) == 10 }, 150*time.Millisecond, 5*time.Millisecond)
}

func TestFullQueueDropsForThatSubscriberOnly(t *testing.T) {
	h := NewHub(WithLogger(quietLogger()), WithQueueSize(1), WithDeliverTimeout(time.Second))
	defer h.Close()

	slow := &recorder{id: "slow", block: true, durable: true}
	require.NoError(t, h.Register(slow))

	queued := 0
	for seq := uint64(1); seq <= 5; seq++ {
		queued += h.Broadcast(event(seq))
	}
	// One event in flight plus one queued at most.
	assert.LessOrEqual(t, queued, 2)
	assert.Equal(t, 1, h.Count())
}

func TestRegisterAndUnregister(t *testing.T) {
	h := NewHub(WithLogger(quietLogger()))

	a := &recorder{id: "a"}
	require.NoError(t, h.Register(a))
	assert.ErrorIs(t, h.Register(&recorder{id: "a"}), ErrDuplicateSubscriber)
	assert.Equal(t, []string{"a"}, h.IDs())

	assert.True(t, h.Unregister("a"))
	assert.False(t, h.Unregister("a"))
	assert.False(t, h.Unregister("never-registered"))
	assert.True(t, a.isClosed())
	assert.Zero(t, h.Count())

	require.NoError(t, h.Register(&recorder{id: "a"}), "id can be reused after unregister")

	h.Close()
	h.Close()
	assert.ErrorIs(t, h.Register(&recorder{id: "late"}), ErrHubClosed)
	assert.Zero(t, h.Broadcast(event(1)))
}

func TestCloseClosesSubscribers(t *testing.T) {
	h := NewHub(WithLogger(quietLogger()))
	subs := []*recorder{{id: "a"}, {id: "b", durable: true}}
	for _, s := range subs {
		require.NoError(t, h.Register(s))
	}

	h.Close()
	for _, s := range subs {
		assert.True(t, s.isClosed(), s.id)
	}
	assert.Zero(t, h.Count())
}

func TestWebsocketClientReceivesGreetingAndEvents(t *testing.T) {
	h := NewHub(WithLogger(quietLogger()))
	defer h.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.ServeWS(w, r, nil, func(ctx context.Context, c *Client) error {
			return c.Send(ctx, Message{Type: MessageStatus, Payload: map[string]bool{"is_connected": true}})
		})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	var status struct {
		Type    string          `json:"type"`
		Payload map[string]bool `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, MessageStatus, status.Type)
	assert.True(t, status.Payload["is_connected"])

	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)
	h.Broadcast(models.Event{ID: "evt-1", Sequence: 7, Reading: models.Reading{Gas: 321}})

	var data struct {
		Type    string       `json:"type"`
		Payload models.Event `json:"payload"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&data))
	assert.Equal(t, MessageData, data.Type)
	assert.Equal(t, uint64(7), data.Payload.Sequence)
	assert.Equal(t, 321, data.Payload.Reading.Gas)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.Count() == 0 }, time.Second, 5*time.Millisecond)
}
