// Package transport provides the message-framed connections MCP client
// sessions run on. A Conn carries opaque frames in both directions; each frame
// holds exactly one JSON-RPC message. Implementations exist for WebSocket and
// streamable HTTP endpoints, stdio subprocesses and in-memory pipes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"goa.design/clue/log"
)

type (
	// Conn is a persistent, bidirectional, message-framed connection. Send and
	// Receive may be called concurrently with each other but each must only be
	// called from one goroutine at a time. Close is idempotent.
	Conn interface {
		// Send writes one frame.
		Send(ctx context.Context, frame []byte) error
		// Receive blocks until the next frame arrives, the connection fails or
		// ctx is done.
		Receive(ctx context.Context) ([]byte, error)
		// Close releases the underlying network or process resources.
		Close() error
	}

	// Options configures Open.
	Options struct {
		// DialTimeout bounds a single connection attempt. Defaults to 10s.
		DialTimeout time.Duration
		// DialWait bounds the total time spent retrying failed attempts with
		// exponential backoff. Defaults to 5s. A negative value disables retries.
		DialWait time.Duration
		// Header is sent with the WebSocket opening handshake.
		Header http.Header
		// Subprotocols requested during the WebSocket handshake. Defaults to
		// ["mcp"].
		Subprotocols []string
		// Framing selects the stdio frame encoding.
		Framing Framing
		// Env is appended to the environment of stdio subprocesses.
		Env []string
		// Dir is the working directory of stdio subprocesses.
		Dir string
	}

	// Framing identifies how frames are delimited on a byte stream.
	Framing int

	dialFunc func(ctx context.Context) (Conn, error)
)

const (
	// FramingNewline delimits frames with a single '\n' (MCP stdio transport).
	FramingNewline Framing = iota
	// FramingContentLength prefixes each frame with a Content-Length header
	// block (LSP style).
	FramingContentLength
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultDialWait    = 5 * time.Second

	stdioScheme = "stdio:"
)

// Open connects to endpoint and returns the resulting connection. Supported
// endpoints are ws://, wss://, http:// and https:// URLs and
// "stdio:<command line>". Failed attempts are retried with exponential backoff
// until opts.DialWait elapses; the final failure is returned as a
// *ConnectionError. HTTP endpoints are not contacted until the first Send.
func Open(ctx context.Context, endpoint string, opts Options) (Conn, error) {
	dial, err := dialerFor(endpoint, opts)
	if err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Op: "dial", Err: err}
	}

	var conn Conn
	attempt := 0
	op := func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		c, err := dial(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, exec.ErrNotFound) {
				return backoff.Permanent(err)
			}
			log.Debug(ctx,
				log.KV{K: "msg", V: "dial failed"},
				log.KV{K: "endpoint", V: endpoint},
				log.KV{K: "attempt", V: attempt},
				log.KV{K: "err", V: err.Error()})
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(dialBackOff(opts.DialWait), ctx)); err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Op: "dial", Err: err}
	}
	log.Debug(ctx,
		log.KV{K: "msg", V: "connected"},
		log.KV{K: "endpoint", V: endpoint},
		log.KV{K: "attempts", V: attempt})
	return conn, nil
}

func dialBackOff(wait time.Duration) backoff.BackOff {
	if wait < 0 {
		return &backoff.StopBackOff{}
	}
	if wait == 0 {
		wait = defaultDialWait
	}
	bf := backoff.NewExponentialBackOff()
	bf.InitialInterval = 200 * time.Millisecond
	bf.MaxInterval = 2 * time.Second
	bf.MaxElapsedTime = wait
	return bf
}

func dialerFor(endpoint string, opts Options) (dialFunc, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if cmdline, ok := strings.CutPrefix(endpoint, stdioScheme); ok {
		args := strings.Fields(strings.TrimPrefix(cmdline, "//"))
		if len(args) == 0 {
			return nil, errors.New("stdio endpoint has no command")
		}
		return func(ctx context.Context) (Conn, error) {
			return dialStdio(ctx, args, opts)
		}, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return func(ctx context.Context) (Conn, error) {
			return dialWebSocket(ctx, u.String(), opts)
		}, nil
	case "http", "https":
		return func(context.Context) (Conn, error) {
			return dialHTTP(u.String(), opts), nil
		}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}
}
