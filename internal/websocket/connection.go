package websocket

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ConnectionOptions tunes the outbound path of a Connection.
type ConnectionOptions struct {
	// BufferSize is the number of encoded messages queued for the writer.
	BufferSize int
	// WriteTimeout bounds both a socket write and the wait for buffer space.
	WriteTimeout time.Duration
}

func (o *ConnectionOptions) withDefaults() ConnectionOptions {
	out := ConnectionOptions{BufferSize: 100, WriteTimeout: 5 * time.Second}
	if o != nil {
		if o.BufferSize > 0 {
			out.BufferSize = o.BufferSize
		}
		if o.WriteTimeout > 0 {
			out.WriteTimeout = o.WriteTimeout
		}
	}
	return out
}

// Connection wraps one gorilla websocket with a single writer goroutine, so
// messages reach the peer in the order WriteJSON was called. It implements
// interfaces.Connection.
type Connection struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string
	createdAt  time.Time
	opts       ConnectionOptions

	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeCode int
	closeErr  error
}

// NewConnection starts the writer goroutine for conn. The connection must
// not be written to by anything else except control frames.
func NewConnection(conn *websocket.Conn, opts *ConnectionOptions) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	o := opts.withDefaults()

	c := &Connection{
		id:        uuid.NewString(),
		conn:      conn,
		createdAt: time.Now().UTC(),
		opts:      o,
		writeCh:   make(chan []byte, o.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	if conn != nil {
		if addr := conn.RemoteAddr(); addr != nil {
			c.remoteAddr = addr.String()
		}
	}

	go c.writeLoop()
	return c
}

func (c *Connection) ID() string           { return c.id }
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// RemoteAddr is the peer address without the port when it can be split.
func (c *Connection) RemoteAddr() string {
	if host, _, err := net.SplitHostPort(c.remoteAddr); err == nil {
		return host
	}
	return c.remoteAddr
}

// Done is closed once the connection is closed from either side.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// writeLoop is the only goroutine that writes data frames. A failed write
// closes the connection so later sends fail fast and the owner is pruned.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON encodes v and queues it for the writer. It fails with
// ErrConnectionClosed once the connection is closed and ErrWriteTimeout when
// the buffer stays full for the write timeout.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// TryWriteJSON is WriteJSON without the wait: a full buffer fails at once
// with ErrBufferFull. Fanout uses it so one slow peer cannot stall delivery
// to everyone after it.
func (c *Connection) TryWriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrBufferFull
	}
}

// Ping writes a ping control frame. Control frames may be written
// concurrently with the writer goroutine.
func (c *Connection) Ping() error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
}

// Close closes the socket with a normal closure. It is idempotent.
func (c *Connection) Close() error {
	return c.CloseWithReason(websocket.CloseNormalClosure, "")
}

// CloseWithReason sends a best-effort close frame before closing the socket.
// Only the first call has any effect.
func (c *Connection) CloseWithReason(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.cancel()
		if c.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// closedByServer reports whether the connection was closed for shutdown.
// Only meaningful once Done is closed.
func (c *Connection) closedByServer() bool {
	return c.closeCode == websocket.CloseGoingAway
}
