package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// sessionHeader carries the server assigned session id on streamable HTTP
// endpoints.
const sessionHeader = "Mcp-Session-Id"

type (
	// httpConn carries frames over MCP streamable HTTP: every frame is POSTed
	// to the endpoint and the messages found in the response body, either a
	// single JSON document or a server-sent event stream, are queued for
	// Receive. Requests run in the background so that a reply that never
	// comes does not block Send.
	httpConn struct {
		endpoint string
		client   *http.Client
		header   http.Header

		ctx    context.Context
		cancel context.CancelFunc
		frames chan []byte
		failed chan struct{}
		wg     sync.WaitGroup

		mu        sync.Mutex
		sessionID string
		err       error
		failOnce  sync.Once
		closeOnce sync.Once
	}
)

// dialHTTP returns a connection to a streamable HTTP endpoint. No request is
// made until the first frame is sent.
func dialHTTP(endpoint string, opts Options) *httpConn {
	ctx, cancel := context.WithCancel(context.Background())
	header := opts.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &httpConn{
		endpoint: endpoint,
		client:   &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		header:   header,
		ctx:      ctx,
		cancel:   cancel,
		frames:   make(chan []byte, pipeBuffer),
		failed:   make(chan struct{}),
	}
}

// Send POSTs frame to the endpoint. Transport failures surface on Receive.
func (c *httpConn) Send(ctx context.Context, frame []byte) error {
	if err := c.closedErr("send"); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.endpoint, bytes.NewReader(frame))
	if err != nil {
		return &ConnectionError{Endpoint: c.endpoint, Op: "send", Err: err}
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if id := c.session(); id != "" {
		req.Header.Set(sessionHeader, id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.roundTrip(req); err != nil {
			c.fail(err)
		}
	}()
	return nil
}

// Receive returns the next message delivered by the server.
func (c *httpConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.failed:
		return nil, c.failure()
	case <-c.ctx.Done():
		return nil, &ConnectionError{Endpoint: c.endpoint, Op: "receive", Err: ErrClosed}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close aborts in flight requests and asks the server to end the session.
func (c *httpConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		if id := c.session(); id != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
			if err == nil {
				req.Header.Set(sessionHeader, id)
				if resp, err := c.client.Do(req); err == nil {
					_ = resp.Body.Close()
				}
			}
		}
		c.client.CloseIdleConnections()
	})
	return nil
}

func (c *httpConn) roundTrip(req *http.Request) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return &ConnectionError{Endpoint: c.endpoint, Op: "send", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if id := resp.Header.Get(sessionHeader); id != "" {
		c.mu.Lock()
		c.sessionID = id
		c.mu.Unlock()
	}
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ConnectionError{
			Endpoint: c.endpoint,
			Op:       "send",
			Err:      fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		return c.readEvents(resp.Body)
	case "application/json", "":
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxLineFrame+1))
		if err != nil {
			return &ConnectionError{Endpoint: c.endpoint, Op: "receive", Err: err}
		}
		if len(body) > maxLineFrame {
			return &ConnectionError{Endpoint: c.endpoint, Op: "receive", Err: fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedFrame, maxLineFrame)}
		}
		if body = bytes.TrimSpace(body); len(body) > 0 {
			c.deliver(body)
		}
		return nil
	default:
		return &ConnectionError{Endpoint: c.endpoint, Op: "receive", Err: fmt.Errorf("%w: content type %q", ErrMalformedFrame, mediaType)}
	}
}

// readEvents delivers the data of each server-sent event as one frame.
func (c *httpConn) readEvents(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineFrame)
	var data []string
	flush := func() {
		if len(data) > 0 {
			c.deliver([]byte(strings.Join(data, "\n")))
			data = data[:0]
		}
	}
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			flush()
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(after, " "))
		}
	}
	if err := scanner.Err(); err != nil && c.ctx.Err() == nil {
		return &ConnectionError{Endpoint: c.endpoint, Op: "receive", Err: err}
	}
	flush()
	return nil
}

func (c *httpConn) deliver(frame []byte) {
	select {
	case c.frames <- frame:
	case <-c.ctx.Done():
	}
}

func (c *httpConn) fail(err error) {
	if c.ctx.Err() != nil {
		return
	}
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.failed)
	})
}

func (c *httpConn) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *httpConn) closedErr(op string) error {
	select {
	case <-c.ctx.Done():
		return &ConnectionError{Endpoint: c.endpoint, Op: op, Err: ErrClosed}
	case <-c.failed:
		return c.failure()
	default:
		return nil
	}
}

func (c *httpConn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}
