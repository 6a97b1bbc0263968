package transport

import (
	"context"
	"sync"
)

type (
	// pipeConn is one end of an in-memory connection created by Pipe.
	pipeConn struct {
		in    <-chan []byte
		out   chan<- []byte
		state *pipeState
	}

	pipeState struct {
		done chan struct{}
		once sync.Once
	}
)

const pipeBuffer = 64

// Pipe returns two connected in-memory connections. Frames sent on one end are
// received on the other in send order. Closing either end closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	state := &pipeState{done: make(chan struct{})}
	return &pipeConn{in: ba, out: ab, state: state}, &pipeConn{in: ab, out: ba, state: state}
}

// Send queues a copy of frame for the peer.
func (p *pipeConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.state.done:
		return &ConnectionError{Endpoint: "pipe", Op: "send", Err: ErrClosed}
	default:
	}
	cp := append([]byte(nil), frame...)
	select {
	case p.out <- cp:
		return nil
	case <-p.state.done:
		return &ConnectionError{Endpoint: "pipe", Op: "send", Err: ErrClosed}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next frame sent by the peer. Frames queued before Close
// are discarded.
func (p *pipeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-p.state.done:
		return nil, &ConnectionError{Endpoint: "pipe", Op: "receive", Err: ErrClosed}
	default:
	}
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.state.done:
		return nil, &ConnectionError{Endpoint: "pipe", Op: "receive", Err: ErrClosed}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes both ends of the pipe.
func (p *pipeConn) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
