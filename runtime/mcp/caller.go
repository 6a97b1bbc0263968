// Package mcp implements the client side of an MCP (Model Context Protocol)
// session over a message-framed transport: the initialize handshake, tool
// discovery and id-correlated tool invocation. Callers that only need to
// invoke tools depend on the Caller interface, which Session implements.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// JSON-RPC canonical error codes.
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

type (
	// Caller invokes MCP tools by name.
	Caller interface {
		CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
	}

	// CallerFunc adapts a function to implement Caller.
	CallerFunc func(ctx context.Context, name string, args map[string]any) (*ToolResult, error)

	// Error represents a JSON-RPC error returned by the MCP server.
	Error struct {
		Code    int
		Message string
	}

	// ToolDescriptor describes one tool advertised by the server. The list
	// returned by Session.ListTools is only valid for that session.
	ToolDescriptor struct {
		Name        string          `json:"name"`
		Title       string          `json:"title,omitempty"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	}

	// ToolCall is a tool name and its JSON-compatible arguments.
	ToolCall struct {
		Name      string
		Arguments map[string]any
	}

	// ToolResult is the decoded result of a tools/call request.
	ToolResult struct {
		// Content holds the content blocks in server order.
		Content []ContentBlock `json:"content"`
		// StructuredContent is the optional structured result.
		StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
		// IsError reports a tool-level failure.
		IsError bool `json:"isError,omitempty"`
	}

	// ContentBlock is one element of a tool result content list.
	ContentBlock struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		MimeType string `json:"mimeType,omitempty"`
	}

	// Implementation names an MCP client or server.
	Implementation struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
)

// CallTool implements Caller.
func (f CallerFunc) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	return f(ctx, name, args)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Payload returns the structured value carried by the result: the first
// content block's text when it is valid JSON, falling back to the structured
// content. It fails with ErrEmptyResult or ErrNotJSON otherwise.
func (r *ToolResult) Payload() (json.RawMessage, error) {
	if r == nil {
		return nil, ErrEmptyResult
	}
	if len(r.Content) == 0 || r.Content[0].Text == "" {
		if len(r.StructuredContent) > 0 {
			return append(json.RawMessage(nil), r.StructuredContent...), nil
		}
		return nil, ErrEmptyResult
	}
	text := []byte(r.Content[0].Text)
	if json.Valid(text) {
		return append(json.RawMessage(nil), text...), nil
	}
	if len(r.StructuredContent) > 0 && json.Valid(r.StructuredContent) {
		return append(json.RawMessage(nil), r.StructuredContent...), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotJSON, truncate(r.Content[0].Text, 80))
}

// Text concatenates the text of all text content blocks.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" || (c.Type == "" && c.Text != "") {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// NewTextResult builds a ToolResult holding a single text block.
func NewTextResult(text string) *ToolResult {
	return &ToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

// NewJSONResult builds a ToolResult whose single text block is the JSON
// encoding of v.
func NewJSONResult(v any) (*ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty JSON encoding")
	}
	return NewTextResult(string(data)), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
