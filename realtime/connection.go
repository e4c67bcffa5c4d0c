package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024 * 1024 // 1MB

	defaultHandshakeTimeout = 10 * time.Second

	sendBufferSize = 256
)

// Connection owns the single websocket channel of a session.
type Connection struct {
	url     string
	dialer  *websocket.Dialer
	log     logrus.FieldLogger
	now     func() time.Time
	handler func(Envelope)

	mu   sync.Mutex
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

type ConnectionOption func(*Connection)

func WithDialer(d *websocket.Dialer) ConnectionOption {
	return func(c *Connection) { c.dialer = d }
}

func WithConnectionLogger(l logrus.FieldLogger) ConnectionOption {
	return func(c *Connection) { c.log = l }
}

func WithHandshakeTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) { c.dialer.HandshakeTimeout = d }
}

// WithMessageHandler sets the callback that receives every inbound envelope,
// plus the connect and disconnect pseudo-events.
func WithMessageHandler(fn func(Envelope)) ConnectionOption {
	return func(c *Connection) { c.handler = fn }
}

func NewConnection(url string, opts ...ConnectionOption) *Connection {
	c := &Connection{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		log:     logrus.StandardLogger(),
		now:     time.Now,
		handler: func(Envelope) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the channel with the given bearer token. Failures are
// returned as *ConnectionError and leave the connection down.
func (c *Connection) Connect(ctx context.Context, token string) error {
	if err := c.checkToken(token); err != nil {
		c.log.WithError(err).Warn("real-time connection refused")
		return &ConnectionError{URL: c.url, Err: err}
	}

	c.Disconnect()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		c.log.WithError(err).Error("real-time connection failed")
		return &ConnectionError{URL: c.url, Err: err}
	}

	send := make(chan []byte, sendBufferSize)
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.send = send
	c.done = done
	c.mu.Unlock()

	go c.writePump(conn, send, done)
	go c.readPump(conn)

	c.log.WithField("url", c.url).Info("real-time channel connected")
	c.handler(Envelope{Type: EventConnect})
	return nil
}

// checkToken rejects empty tokens and JWTs that have already expired.
// Opaque tokens are passed through for the server to judge.
func (c *Connection) checkToken(token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrMissingToken
	}
	if strings.Count(token, ".") != 2 {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if exp != nil && exp.Before(c.now()) {
		return fmt.Errorf("%w: expired at %s", ErrInvalidToken, exp.Time.Format(time.RFC3339))
	}
	return nil
}

// Disconnect closes the channel. It is safe to call when not connected.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil && c.teardown(conn) {
		c.log.Info("real-time channel disconnected")
	}
}

// teardown releases conn if it is still the active connection and reports
// whether this call did the work.
func (c *Connection) teardown(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return false
	}
	close(c.done)
	c.conn = nil
	c.send = nil
	c.done = nil
	c.mu.Unlock()

	conn.Close()
	c.handler(Envelope{Type: EventDisconnect})
	return true
}

func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Emit queues an event for the peer. It returns ErrNotConnected when the
// channel is down; broadcast callers are expected to ignore that.
func (c *Connection) Emit(event string, data any) error {
	env := Envelope{Type: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		env.Data = raw
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// readPump decodes frames from the peer and hands them to the handler.
func (c *Connection) readPump(conn *websocket.Conn) {
	defer c.teardown(conn)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("real-time channel closed unexpectedly")
			}
			return
		}

		// The server may coalesce queued messages into one frame, one per line.
		for _, line := range bytes.Split(message, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var env Envelope
			if err := json.Unmarshal(line, &env); err != nil {
				c.log.WithError(err).Warn("dropping undecodable frame")
				continue
			}
			if env.Type == EventPong {
				continue
			}
			c.handler(env)
		}
	}
}

// writePump drains the send queue and keeps the channel alive with pings.
func (c *Connection) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Debug("write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
