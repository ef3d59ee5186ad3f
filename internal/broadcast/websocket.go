package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"traffic-congestion-monitor/internal/models"
)

// Message types sent to websocket clients
const (
	MessageStatus = "status"
	MessageData   = "data"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxInbound = 4096
)

// Message is the envelope every websocket frame is wrapped in
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// NewUpgrader accepts connections from any origin; dashboards are served
// from a different port than the API.
func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// Client is a websocket connection registered as a Subscriber.
type Client struct {
	id        string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps an upgraded connection
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   "ws-" + uuid.NewString(),
		conn: conn,
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Send writes one message. gorilla/websocket allows a single concurrent
// writer, so writes are serialised.
func (c *Client) Send(ctx context.Context, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}

// Deliver sends ev as a data message
func (c *Client) Deliver(ctx context.Context, ev models.Event) error {
	return c.Send(ctx, Message{Type: MessageData, Payload: ev})
}

// Close closes the connection; safe to call more than once
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Wait keeps the connection alive until the peer goes away, ctx is
// cancelled or the client is closed. Inbound messages are ignored.
func (c *Client) Wait(ctx context.Context) error {
	c.conn.SetReadLimit(maxInbound)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.keepalive(ctx)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-c.done:
				return nil
			default:
			}
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (c *Client) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.Close()
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// ServeWS upgrades r, lets greet send the initial messages, then registers
// the client with h and blocks until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, up *websocket.Upgrader, greet func(ctx context.Context, c *Client) error) error {
	if up == nil {
		up = NewUpgrader()
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}
	client := NewClient(conn)
	defer client.Close()

	ctx := r.Context()
	if greet != nil {
		if err := greet(ctx, client); err != nil {
			return fmt.Errorf("greet %s: %w", client.ID(), err)
		}
	}
	if err := h.Register(client); err != nil {
		return err
	}
	defer h.Unregister(client.ID())

	err = client.Wait(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.log.Debug("websocket client disconnected", "subscriber", client.ID(), "err", err)
	}
	return nil
}
