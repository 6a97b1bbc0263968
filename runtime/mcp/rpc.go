package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodCancelled   = "notifications/cancelled"
	methodPing        = "ping"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"

	jsonrpcVersion = "2.0"
)

type (
	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		ID      uint64 `json:"id"`
		Params  any    `json:"params,omitempty"`
	}

	rpcNotification struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}

	// rpcReply answers a server initiated request. ID echoes the request id
	// verbatim.
	rpcReply struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result,omitempty"`
		Error   *rpcError       `json:"error,omitempty"`
	}

	// rpcMessage is any inbound message: a response to one of our requests,
	// a server notification or a server request.
	rpcMessage struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Method  string          `json:"method,omitempty"`
		Params  json.RawMessage `json:"params,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *rpcError       `json:"error,omitempty"`
	}

	rpcError struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	}

	initializeParams struct {
		ProtocolVersion string         `json:"protocolVersion"`
		Capabilities    map[string]any `json:"capabilities"`
		ClientInfo      Implementation `json:"clientInfo"`
	}

	initializeResult struct {
		ProtocolVersion string                     `json:"protocolVersion"`
		Capabilities    map[string]json.RawMessage `json:"capabilities"`
		ServerInfo      Implementation             `json:"serverInfo"`
		Instructions    string                     `json:"instructions,omitempty"`
	}

	listToolsResult struct {
		Tools      *[]ToolDescriptor `json:"tools"`
		NextCursor string            `json:"nextCursor,omitempty"`
	}

	cancelledParams struct {
		RequestID uint64 `json:"requestId"`
		Reason    string `json:"reason,omitempty"`
	}
)

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

func (e *rpcError) callerError() *Error {
	if e == nil {
		return nil
	}
	return &Error{Code: e.Code, Message: e.Message}
}

func (m *rpcMessage) hasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

func (m *rpcMessage) isResponse() bool {
	return m.Method == "" && m.hasID()
}

// numericID returns the id of a response to one of our requests. Requests are
// always sent with numeric ids but some servers echo them as strings.
func (m *rpcMessage) numericID() (uint64, bool) {
	if !m.hasID() {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.Trim(string(m.ID), `"`), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
