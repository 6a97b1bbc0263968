package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params struct {
		Name string `json:"name"`
	} `json:"params"`
}

// newCrawlServer serves a scripted crawl4ai style MCP server over WebSocket.
// Tools listed in stall never reply.
func newCrawlServer(t *testing.T, stall ...string) string {
	t.Helper()
	results := map[string]string{
		"ask":  `{"doc_results":[{"text":"Use the md tool."}]}`,
		"md":   `{"success":true,"markdown":"# Example Domain"}`,
		"html": `{"success":true,"html":"<html></html>"}`,
		"crawl": `[{"url":"https://example.com","success":true,"html":"<html></html>",` +
			`"links":{"internal":[{},{}],"external":[{}]}}]`,
	}
	upgrader := websocket.Upgrader{Subprotocols: []string{"mcp"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		reply := func(id json.RawMessage, result any) error {
			return conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
		}
		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if len(req.ID) == 0 {
				continue
			}
			switch req.Method {
			case "initialize":
				err = reply(req.ID, map[string]any{
					"protocolVersion": "2024-11-05",
					"capabilities":    map[string]any{"tools": map[string]any{}},
					"serverInfo":      map[string]any{"name": "crawl4ai", "version": "0.7.0"},
				})
			case "tools/list":
				tools := []map[string]any{
					{"name": "ask", "description": "Query the documentation\nLong description"},
					{"name": "md", "description": "Markdown"},
					{"name": "html", "description": "HTML"},
					{"name": "crawl", "description": "Crawl"},
				}
				err = reply(req.ID, map[string]any{"tools": tools})
			case "tools/call":
				if contains(stall, req.Params.Name) {
					continue
				}
				text, ok := results[req.Params.Name]
				if !ok {
					err = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID,
						"error": map[string]any{"code": -32602, "message": "unknown tool"}})
					break
				}
				err = reply(req.ID, map[string]any{"content": []any{map[string]any{"type": "text", "text": text}}})
			}
			if err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunDefaultPlan(t *testing.T) {
	endpoint := newCrawlServer(t)
	code, out, _ := runCLI(t, "-endpoint", endpoint)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "📋 Available tools: [ask, md, html, crawl]")
	assert.Contains(t, out, "✅ Found 1 documentation sections")
	assert.Contains(t, out, "   Links found: 3")
	assert.True(t, strings.HasSuffix(out, "🎉 MCP tool testing completed successfully!\n"))
}

func TestRunTimeoutDoesNotStopPlan(t *testing.T) {
	endpoint := newCrawlServer(t, "html")
	code, out, _ := runCLI(t, "-endpoint", endpoint, "-format", "json", "-timeout", "200ms")
	require.Equal(t, exitOK, code)

	var doc struct {
		Completed bool `json:"completed"`
		Outcomes  []struct {
			Tool   string `json:"tool"`
			Status string `json:"status"`
		} `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.True(t, doc.Completed)
	require.Len(t, doc.Outcomes, 4)
	assert.Equal(t, "timeout", doc.Outcomes[2].Status)
	assert.Equal(t, "crawl", doc.Outcomes[3].Tool)
	assert.Equal(t, "pass", doc.Outcomes[3].Status)

	code, _, _ = runCLI(t, "-endpoint", endpoint, "-format", "json", "-timeout", "200ms", "-strict")
	assert.Equal(t, exitUsage, code)
}

func TestRunPlanFile(t *testing.T) {
	endpoint := newCrawlServer(t)
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: custom
cases:
  - name: Unknown tool
    tool: screenshot
  - tool: md
    arguments: {url: "https://example.com"}
    expect: markdown
`), 0o600))
	code, out, _ := runCLI(t, "-endpoint", endpoint, "-plan", path)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "🧪 Test 1: Unknown tool...\n❌ Call rejected: unknown tool\n")
	assert.Contains(t, out, "✅ Markdown extracted: 16 characters")
	assert.Contains(t, out, "1 passed, 0 failed, 1 errors, 0 timed out")
}

func TestRunList(t *testing.T) {
	endpoint := newCrawlServer(t)
	code, out, _ := runCLI(t, "-endpoint", endpoint, "-list")
	require.Equal(t, exitOK, code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "NAME   DESCRIPTION", lines[0])
	assert.Equal(t, "ask    Query the documentation", lines[1])
}

func TestRunUnreachableServer(t *testing.T) {
	code, out, errOut := runCLI(t, "-endpoint", "ws://127.0.0.1:1/mcp/ws", "-dial-wait", "-1s")
	require.Equal(t, exitFatal, code)
	assert.Contains(t, out, "🔌 Connecting to MCP server at ws://127.0.0.1:1/mcp/ws...")
	assert.Contains(t, out, "❌ MCP tool testing aborted after 0 of 4 tests")
	assert.Contains(t, errOut, "❌ Connection or tool execution failed")
	assert.Contains(t, errOut, "caused by")
}

func TestRunUsageErrors(t *testing.T) {
	cases := map[string][]string{
		"unknown flag":    {"-bogus"},
		"unknown format":  {"-format", "xml"},
		"unknown framing": {"-framing", "lsp"},
		"missing plan":    {"-plan", filepath.Join(t.TempDir(), "missing.yaml")},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			code, _, _ := runCLI(t, args...)
			assert.Equal(t, exitUsage, code)
		})
	}
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "one", firstLine("one\ntwo"))
	assert.Equal(t, "single", firstLine("single"))
}
