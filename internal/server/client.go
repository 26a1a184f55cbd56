// Package server manages individual WebSocket participants, handling
// read/write pumps, rate limiting, and lifecycle control per connection.
package server

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 54 * time.Second
	sendBuffer    = 256
)

// Client is one connected participant session. It carries no identity
// beyond connectivity: a reconnect is always a brand-new participant. The
// lifecycle is connecting, connected, disconnected, with no resume state.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	logger         *slog.Logger
}

// NewClient wraps a websocket connection as a hub participant. The send
// channel is buffered so one slow reader cannot stall a broadcast.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		send:           make(chan []byte, sendBuffer),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		logger:         hub.logger.With(slog.String("component", "client"), slog.String("addr", addr)),
	}
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		c.logger.Warn("failed to set read deadline", slog.String("error", err.Error()))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
}

// handleReadError classifies a read failure and reports whether the read
// loop should stop. Every read error ends the session; the distinction is
// only in how it is logged.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("inbound message exceeded size limit", slog.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("participant disconnected", slog.String("reason", err.Error()))
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.logger.Debug("connection closed", slog.String("reason", err.Error()))
	default:
		c.logger.Warn("websocket read error", slog.String("error", err.Error()))
	}
	return true
}

// dispatch routes one decoded frame to the hub. Payload fields are coerced
// to safe defaults rather than rejected, so a misbehaving client degrades
// to anonymous/empty content instead of disturbing the room.
func (c *Client) dispatch(raw []byte) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		c.logger.Debug("dropping malformed frame", slog.String("error", err.Error()))
		return
	}

	switch env.Event {
	case EventHello:
		c.hub.AnnounceJoin(c, decodeHello(env.Data))
	case EventChat:
		c.hub.BroadcastChat(c, decodeChat(env.Data))
	case EventFileShared:
		c.hub.BroadcastFileShare(c, decodeFileShare(env.Data))
	default:
		c.logger.Debug("dropping unknown event", slog.String("event", env.Event))
	}
}

// readPump pulls frames off the connection until it fails, reporting the
// disconnect to the hub exactly once on the way out.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection in readPump", slog.String("error", err.Error()))
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			return
		}

		if !c.rateLimiter.allow() {
			c.logger.Debug("rate limit exceeded, frame discarded")
			continue
		}

		c.dispatch(raw)
	}
}

// writePump drains the send channel onto the connection and keeps the
// session alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection in writePump", slog.String("error", err.Error()))
		}
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !c.writeFrame(frame, ok) {
				return
			}
		case <-ticker.C:
			if !c.ping() {
				return
			}
		}
	}
}

// writeFrame writes one outbound frame plus anything else already queued.
// A false result ends the pump.
func (c *Client) writeFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return false
	}

	if !ok {
		// Hub closed the send channel; say goodbye.
		_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
		return false
	}

	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return false
	}
	if _, err := w.Write(frame); err != nil {
		return false
	}

	// Flush queued frames into the same write, newline separated.
	for n := len(c.send); n > 0; n-- {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return false
		}
		if _, err := w.Write(<-c.send); err != nil {
			return false
		}
	}

	if err := w.Close(); err != nil {
		c.logger.Debug("error closing frame writer", slog.String("error", err.Error()))
		return false
	}
	return true
}

func (c *Client) ping() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return false
	}
	return c.conn.WriteMessage(websocket.PingMessage, nil) == nil
}

// isExpectedCloseError reports whether an error is part of normal
// connection teardown rather than a fault worth logging loudly.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}
