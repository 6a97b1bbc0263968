package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"goa.design/clue/log"

	"goa.design/mcp-smoke/runtime/mcp/transport"
)

type (
	// Options configures a Session.
	Options struct {
		// Endpoint names the remote peer in logs and errors.
		Endpoint string
		// ProtocolVersion is the version announced in the handshake.
		// Defaults to DefaultProtocolVersion.
		ProtocolVersion string
		// ClientName and ClientVersion populate clientInfo.
		ClientName    string
		ClientVersion string
		// InitTimeout bounds the handshake. Defaults to 10s.
		InitTimeout time.Duration
		// CallTimeout bounds each request after the handshake. Defaults to 60s.
		CallTimeout time.Duration
	}

	// SessionState is the protocol state of a Session.
	SessionState int32

	// Session is a client MCP session over a transport connection. A Session
	// is created Ready by Initialize and is safe for concurrent use, although
	// the smoke harness only ever has one call outstanding.
	Session struct {
		conn   transport.Conn
		opts   Options
		logCtx context.Context
		state  atomic.Int32

		serverInfo      Implementation
		protocolVersion string
		instructions    string

		pending   map[uint64]chan rpcMessage
		pendingMu sync.Mutex
		nextID    uint64

		loopCancel context.CancelFunc
		done       chan struct{}
		closeOnce  sync.Once
		closeErr   error
		closeErrMu sync.Mutex
	}
)

const (
	// StateUninitialized is the state before the handshake completes.
	StateUninitialized SessionState = iota
	// StateReady is the only state in which tools may be listed or invoked.
	StateReady
	// StateClosed is terminal.
	StateClosed
)

var _ Caller = (*Session)(nil)

// DefaultProtocolVersion is the MCP protocol version used when none is provided.
const DefaultProtocolVersion = "2024-11-05"

// SupportedProtocolVersions lists the versions a server may answer the
// handshake with.
var SupportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

const (
	defaultInitTimeout = 10 * time.Second
	defaultCallTimeout = 60 * time.Second
	notifyTimeout      = 5 * time.Second
	maxToolPages       = 100
)

// Initialize performs the MCP handshake over conn and returns a Ready session.
// The connection is owned by the session from this point on: it is closed by
// Session.Close or when the handshake fails. A rejected, malformed or
// incompatible handshake reply yields a *ProtocolError; transport failures
// yield a *transport.ConnectionError.
func Initialize(ctx context.Context, conn transport.Conn, opts Options) (*Session, error) {
	if conn == nil {
		return nil, errors.New("connection is required")
	}
	s := newSession(ctx, conn, opts)
	if err := s.initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) initialize(ctx context.Context) error {
	go s.readLoop()
	ctx, span := startSpan(ctx, "mcp.initialize", attribute.String("mcp.endpoint", s.opts.Endpoint))
	err := s.handshake(ctx)
	endSpan(span, err)
	if err != nil {
		_ = s.Close()
		return err
	}
	if err := s.markReady(); err != nil {
		return err
	}
	log.Info(ctx,
		log.KV{K: "msg", V: "mcp session ready"},
		log.KV{K: "server", V: s.serverInfo.Name},
		log.KV{K: "server_version", V: s.serverInfo.Version},
		log.KV{K: "protocol", V: s.protocolVersion})
	return nil
}

// markReady moves an uninitialized session to Ready. A session the read loop
// already shut down stays Closed.
func (s *Session) markReady() error {
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateReady)) {
		return s.closeError()
	}
	return nil
}

func newSession(ctx context.Context, conn transport.Conn, opts Options) *Session {
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = DefaultProtocolVersion
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcp-smoke"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = defaultInitTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Session{
		conn:       conn,
		opts:       opts,
		logCtx:     loopCtx,
		pending:    make(map[uint64]chan rpcMessage),
		loopCancel: cancel,
		done:       make(chan struct{}),
	}
}

// State returns the current protocol state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// ServerInfo returns the implementation info announced by the server.
func (s *Session) ServerInfo() Implementation { return s.serverInfo }

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() string { return s.protocolVersion }

// Instructions returns the optional server instructions.
func (s *Session) Instructions() string { return s.instructions }

// ListTools returns the tools advertised by the server, following pagination.
// Failures are reported as *ProtocolError unless the transport failed.
func (s *Session) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := s.ensureReady(methodToolsList); err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "mcp.tools/list")
	tools, err := s.listTools(ctx)
	span.SetAttributes(attribute.Int("mcp.tools", len(tools)))
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	return tools, nil
}

func (s *Session) listTools(ctx context.Context) ([]ToolDescriptor, error) {
	tools := []ToolDescriptor{}
	cursor := ""
	for range maxToolPages {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		raw, err := s.call(callCtx, methodToolsList, params)
		cancel()
		if err != nil {
			return nil, s.protocolError(ctx, methodToolsList, err)
		}
		var page listToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, &ProtocolError{Method: methodToolsList, Reason: "malformed reply", Err: err}
		}
		if page.Tools == nil {
			return nil, &ProtocolError{Method: methodToolsList, Reason: "malformed reply: missing tools"}
		}
		for i, tool := range *page.Tools {
			if tool.Name == "" {
				return nil, &ProtocolError{Method: methodToolsList, Reason: fmt.Sprintf("malformed reply: tool %d has no name", i)}
			}
		}
		tools = append(tools, *page.Tools...)
		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
	return nil, &ProtocolError{Method: methodToolsList, Reason: fmt.Sprintf("more than %d pages", maxToolPages)}
}

// CallTool invokes the named tool and waits for the reply carrying the same
// call id. Server side failures and timeouts are reported as
// *ToolInvocationError; transport failures as *transport.ConnectionError.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if err := s.ensureReady(methodToolsCall); err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "mcp.tools/call", attribute.String("mcp.tool", name))
	res, err := s.callTool(ctx, name, args)
	endSpan(span, err)
	return res, err
}

func (s *Session) callTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	addTraceMeta(ctx, params)

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	start := time.Now()
	raw, err := s.call(callCtx, methodToolsCall, params)
	if err != nil {
		var (
			rpcErr  *Error
			connErr *transport.ConnectionError
		)
		switch {
		case errors.As(err, &rpcErr):
			return nil, &ToolInvocationError{Tool: name, Kind: KindRejected, Code: rpcErr.Code, Message: rpcErr.Message, Err: err}
		case errors.As(err, &connErr):
			return nil, err
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, &ToolInvocationError{
				Tool:    name,
				Kind:    KindTimeout,
				Message: fmt.Sprintf("no reply within %s", s.opts.CallTimeout),
				Err:     err,
			}
		default:
			return nil, err
		}
	}
	log.Debug(ctx,
		log.KV{K: "msg", V: "tool replied"},
		log.KV{K: "tool", V: name},
		log.KV{K: "duration", V: time.Since(start).String()})

	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ToolInvocationError{Tool: name, Kind: KindMalformed, Message: "undecodable tools/call result", Err: err}
	}
	if result.IsError {
		msg := result.Text()
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, &ToolInvocationError{Tool: name, Kind: KindToolError, Message: msg}
	}
	return &result, nil
}

// Close terminates the session and releases the connection. Calls still
// pending fail with ErrSessionClosed. Close is idempotent.
func (s *Session) Close() error {
	s.shutdown(ErrSessionClosed)
	return nil
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session closed, or nil while it is open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeError()
	default:
		return nil
	}
}

func (s *Session) handshake(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, s.opts.InitTimeout)
	defer cancel()
	params := initializeParams{
		ProtocolVersion: s.opts.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      Implementation{Name: s.opts.ClientName, Version: s.opts.ClientVersion},
	}
	raw, err := s.call(initCtx, methodInitialize, params)
	if err != nil {
		return s.protocolError(ctx, methodInitialize, err)
	}
	var res initializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return &ProtocolError{Method: methodInitialize, Reason: "malformed handshake reply", Err: err}
	}
	if res.ProtocolVersion == "" {
		return &ProtocolError{Method: methodInitialize, Reason: "malformed handshake reply: missing protocolVersion"}
	}
	if !slices.Contains(SupportedProtocolVersions, res.ProtocolVersion) {
		return &ProtocolError{
			Method: methodInitialize,
			Reason: fmt.Sprintf("server answered with version %q", res.ProtocolVersion),
			Err:    ErrIncompatibleVersion,
		}
	}
	s.serverInfo = res.ServerInfo
	s.protocolVersion = res.ProtocolVersion
	s.instructions = res.Instructions

	notifyCtx, cancelNotify := context.WithTimeout(ctx, notifyTimeout)
	defer cancelNotify()
	if err := s.notify(notifyCtx, methodInitialized, nil); err != nil {
		return err
	}
	return nil
}

// protocolError maps a failed handshake or discovery exchange. Transport
// failures and caller cancellation pass through unchanged.
func (s *Session) protocolError(ctx context.Context, method string, err error) error {
	var (
		rpcErr  *Error
		connErr *transport.ConnectionError
	)
	switch {
	case errors.As(err, &connErr):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.As(err, &rpcErr):
		return &ProtocolError{Method: method, Reason: "server returned an error", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &ProtocolError{Method: method, Reason: "timed out waiting for reply", Err: err}
	default:
		return &ProtocolError{Method: method, Reason: "exchange failed", Err: err}
	}
}

func (s *Session) ensureReady(method string) error {
	if state := s.State(); state != StateReady {
		return &ProtocolError{Method: method, Reason: fmt.Sprintf("session is %s", state), Err: ErrNotReady}
	}
	return nil
}

// call sends a request and waits for the response with the same id. JSON-RPC
// errors are returned as *Error.
func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.next()
	ch := make(chan rpcMessage, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	frame, err := json.Marshal(rpcRequest{JSONRPC: jsonrpcVersion, Method: method, ID: id, Params: params})
	if err != nil {
		s.removePending(id)
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	if err := s.send(ctx, frame); err != nil {
		s.removePending(id)
		return nil, err
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, msg.Error.callerError()
		}
		return msg.Result, nil
	case <-ctx.Done():
		s.removePending(id)
		if method != methodInitialize {
			s.cancelRequest(id, ctx.Err())
		}
		return nil, ctx.Err()
	case <-s.done:
		return nil, s.closeError()
	}
}

func (s *Session) notify(ctx context.Context, method string, params any) error {
	frame, err := json.Marshal(rpcNotification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", method, err)
	}
	return s.send(ctx, frame)
}

// cancelRequest tells the server an abandoned request is no longer awaited.
// Any late reply is discarded by the read loop.
func (s *Session) cancelRequest(id uint64, cause error) {
	ctx, cancel := context.WithTimeout(s.logCtx, notifyTimeout)
	defer cancel()
	reason := "request abandoned"
	if cause != nil {
		reason = cause.Error()
	}
	if err := s.notify(ctx, methodCancelled, cancelledParams{RequestID: id, Reason: reason}); err != nil {
		log.Debug(s.logCtx, log.KV{K: "msg", V: "cancel notification not sent"}, log.KV{K: "err", V: err.Error()})
	}
}

func (s *Session) send(ctx context.Context, frame []byte) error {
	select {
	case <-s.done:
		return s.closeError()
	default:
	}
	if err := s.conn.Send(ctx, frame); err != nil {
		var connErr *transport.ConnectionError
		if errors.As(err, &connErr) {
			s.shutdown(err)
		}
		return err
	}
	return nil
}

func (s *Session) readLoop() {
	for {
		frame, err := s.conn.Receive(s.logCtx)
		if err != nil {
			if s.logCtx.Err() == nil {
				log.Debug(s.logCtx, log.KV{K: "msg", V: "receive failed"}, log.KV{K: "err", V: err.Error()})
			}
			s.shutdown(err)
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.shutdown(&transport.ConnectionError{
				Endpoint: s.opts.Endpoint,
				Op:       "decode",
				Err:      fmt.Errorf("%w: %v", transport.ErrMalformedFrame, err),
			})
			return
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg rpcMessage) {
	switch {
	case msg.Method != "" && msg.hasID():
		go s.answer(msg)
	case msg.Method != "":
		log.Debug(s.logCtx, log.KV{K: "msg", V: "notification ignored"}, log.KV{K: "method", V: msg.Method})
	case msg.isResponse():
		id, ok := msg.numericID()
		if !ok {
			log.Warn(s.logCtx, log.KV{K: "msg", V: "reply with unknown id format"}, log.KV{K: "id", V: string(msg.ID)})
			return
		}
		s.pendingMu.Lock()
		ch, found := s.pending[id]
		if found {
			delete(s.pending, id)
		}
		s.pendingMu.Unlock()
		if !found {
			log.Debug(s.logCtx, log.KV{K: "msg", V: "discarding unmatched reply"}, log.KV{K: "id", V: id})
			return
		}
		ch <- msg
	default:
		if msg.Error != nil {
			log.Warn(s.logCtx, log.KV{K: "msg", V: "uncorrelated error reply"}, log.KV{K: "err", V: msg.Error.Error()})
			return
		}
		log.Debug(s.logCtx, log.KV{K: "msg", V: "ignoring message without id or method"})
	}
}

// answer replies to a server initiated request. Only ping is supported.
func (s *Session) answer(msg rpcMessage) {
	reply := rpcReply{JSONRPC: jsonrpcVersion, ID: msg.ID}
	if msg.Method == methodPing {
		reply.Result = struct{}{}
	} else {
		reply.Error = &rpcError{Code: JSONRPCMethodNotFound, Message: fmt.Sprintf("method %q not supported by client", msg.Method)}
	}
	frame, err := json.Marshal(reply)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.logCtx, notifyTimeout)
	defer cancel()
	if err := s.send(ctx, frame); err != nil {
		log.Debug(s.logCtx, log.KV{K: "msg", V: "reply to server request failed"}, log.KV{K: "err", V: err.Error()})
	}
}

func (s *Session) shutdown(cause error) {
	s.setCloseError(cause)
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		s.loopCancel()
		_ = s.conn.Close()
	})
}

func (s *Session) removePending(id uint64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *Session) next() uint64 {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *Session) setCloseError(err error) {
	if err == nil {
		return
	}
	s.closeErrMu.Lock()
	if s.closeErr == nil {
		s.closeErr = err
	}
	s.closeErrMu.Unlock()
}

func (s *Session) closeError() error {
	s.closeErrMu.Lock()
	defer s.closeErrMu.Unlock()
	if s.closeErr == nil {
		return ErrSessionClosed
	}
	return s.closeErr
}

// String implements fmt.Stringer.
func (st SessionState) String() string {
	switch st {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(st))
	}
}
