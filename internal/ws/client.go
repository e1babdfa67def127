package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/pairpad/internal/ratelimit"
)

// Client is one WebSocket connection. It satisfies registry.Conn: Send only
// enqueues, and a full queue closes the connection instead of blocking.
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	settings Settings
	guard    *ratelimit.Guard
	logger   *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newClient(parent context.Context, id string, conn *websocket.Conn, s Settings, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(parent)
	return &Client{
		id:       id,
		conn:     conn,
		send:     make(chan []byte, s.SendBuffer),
		settings: s,
		guard:    ratelimit.NewGuard(s.MessagesPerSecond, s.Burst, s.MaxViolations),
		logger:   logger.With(slog.String("connID", id)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Send(data []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	case <-c.ctx.Done():
		return false
	default:
		c.logger.Warn("Send queue full, closing connection")
		c.Close()
		return false
	}
}

// Close stops both pumps and closes the socket so a blocked read returns at
// once. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// readPump feeds inbound frames to the handler until the socket fails or the
// client is closed, then runs disconnect cleanup exactly once.
func (c *Client) readPump(h MessageHandler) {
	defer func() {
		c.Close()
		h.HandleClose(context.WithoutCancel(c.ctx), c.id)
	}()

	c.conn.SetReadLimit(c.settings.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("WebSocket closed unexpectedly", slog.Any("error", err))
			}
			return
		}

		switch c.guard.Check() {
		case ratelimit.Drop:
			if n := c.guard.Violations(); n%100 == 1 {
				c.logger.Warn("Rate limit exceeded", slog.Int("violations", n))
			}
			continue
		case ratelimit.Disconnect:
			c.logger.Warn("Disconnecting client for excessive rate limit violations",
				slog.Int("violations", c.guard.Violations()))
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limit exceeded"),
				time.Now().Add(c.settings.WriteWait))
			return
		}

		if c.ctx.Err() != nil {
			return
		}
		_ = h.HandleMessage(c.ctx, c.id, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod(c.settings.PongWait))
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func pingPeriod(pongWait time.Duration) time.Duration {
	return (pongWait * 9) / 10
}
