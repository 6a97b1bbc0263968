package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn carries one JSON-RPC message per WebSocket data message.
type wsConn struct {
	endpoint string
	conn     *websocket.Conn

	frames   chan []byte
	readDone chan struct{}
	readErr  error

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

const closeGracePeriod = time.Second

func dialWebSocket(ctx context.Context, endpoint string, opts Options) (Conn, error) {
	subprotocols := opts.Subprotocols
	if len(subprotocols) == 0 {
		subprotocols = []string{"mcp"}
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.DialTimeout,
		Subprotocols:     subprotocols,
	}
	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtx, endpoint, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	c := &wsConn{
		endpoint: endpoint,
		conn:     conn,
		frames:   make(chan []byte),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

// Send writes frame as a single text message.
func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return &ConnectionError{Endpoint: c.endpoint, Op: "send", Err: ErrClosed}
	default:
	}
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &ConnectionError{Endpoint: c.endpoint, Op: "send", Err: err}
	}
	return nil
}

// Receive returns the payload of the next data message.
func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.readDone:
		return nil, &ConnectionError{Endpoint: c.endpoint, Op: "receive", Err: c.readErr}
	case <-c.closed:
		return nil, &ConnectionError{Endpoint: c.endpoint, Op: "receive", Err: ErrClosed}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a normal closure message and closes the socket.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) readPump() {
	defer close(c.readDone)
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = c.classify(err)
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		select {
		case c.frames <- data:
		case <-c.closed:
			c.readErr = ErrClosed
			return
		}
	}
}

func (c *wsConn) classify(err error) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("peer closed connection with code %d: %w", closeErr.Code, err)
	}
	return err
}
