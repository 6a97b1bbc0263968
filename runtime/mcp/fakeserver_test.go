package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"goa.design/mcp-smoke/runtime/mcp/transport"
)

type (
	// fakeServer is a scripted MCP peer on the far end of a transport.Pipe.
	fakeServer struct {
		t        *testing.T
		conn     transport.Conn
		handlers map[string]fakeHandler

		mu       sync.Mutex
		received []rpcMessage
		done     chan struct{}
	}

	fakeHandler func(s *fakeServer, req rpcMessage)
)

func newFakeServer(t *testing.T, handlers map[string]fakeHandler) (transport.Conn, *fakeServer) {
	t.Helper()
	client, server := transport.Pipe()
	s := &fakeServer{t: t, conn: server, handlers: handlers, done: make(chan struct{})}
	go s.serve()
	t.Cleanup(func() {
		_ = server.Close()
		<-s.done
	})
	return client, s
}

func (s *fakeServer) serve() {
	defer close(s.done)
	for {
		frame, err := s.conn.Receive(context.Background())
		if err != nil {
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()
		if h, ok := s.handlers[msg.Method]; ok {
			h(s, msg)
			continue
		}
		switch msg.Method {
		case methodInitialize:
			s.reply(msg.ID, map[string]any{
				"protocolVersion": DefaultProtocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "fake", "version": "1.0.0"},
			})
		case methodToolsList:
			s.reply(msg.ID, map[string]any{"tools": []any{}})
		case "":
		default:
			if msg.hasID() {
				s.replyError(msg.ID, JSONRPCMethodNotFound, "method not found")
			}
		}
	}
}

func (s *fakeServer) reply(id json.RawMessage, result any) {
	res, _ := json.Marshal(result)
	s.send(rpcMessage{JSONRPC: jsonrpcVersion, ID: id, Result: res})
}

func (s *fakeServer) replyError(id json.RawMessage, code int, msg string) {
	s.send(rpcMessage{JSONRPC: jsonrpcVersion, ID: id, Error: &rpcError{Code: code, Message: msg}})
}

func (s *fakeServer) send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.t.Errorf("marshal: %v", err)
		return
	}
	s.sendRaw(data)
}

func (s *fakeServer) sendRaw(frame []byte) {
	_ = s.conn.Send(context.Background(), frame)
}

// methods returns the methods received so far, in arrival order. Responses
// to server requests are recorded as "<reply>".
func (s *fakeServer) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.received))
	for _, m := range s.received {
		if m.Method == "" {
			out = append(out, "<reply>")
			continue
		}
		out = append(out, m.Method)
	}
	return out
}

func (s *fakeServer) messages(method string) []rpcMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rpcMessage
	for _, m := range s.received {
		if m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

func textResult(text string) map[string]any {
	return map[string]any{"content": []any{map[string]any{"type": "text", "text": text}}}
}
