package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/mcp-smoke/runtime/mcp"
	"goa.design/mcp-smoke/runtime/mcp/transport"
	"goa.design/mcp-smoke/runtime/smoke"
)

var crawl4aiTools = []mcp.ToolDescriptor{{Name: "ask"}, {Name: "md"}, {Name: "html"}, {Name: "crawl"}}

func scriptedCaller(t *testing.T) mcp.CallerFunc {
	t.Helper()
	return func(_ context.Context, name string, _ map[string]any) (*mcp.ToolResult, error) {
		switch name {
		case "ask":
			return mcp.NewTextResult(`{"doc_results":[{"text":"Use the md tool to extract markdown."}]}`), nil
		case "md":
			return mcp.NewTextResult(`{"success":false,"error":"timeout"}`), nil
		case "html":
			return nil, &mcp.ToolInvocationError{Tool: name, Kind: mcp.KindTimeout, Message: "no reply within 60s"}
		case "crawl":
			return mcp.NewTextResult(`[{"url":"https://example.com","success":true,"html":"<html></html>",` +
				`"links":{"internal":[{},{}],"external":[{}]}}]`), nil
		}
		return nil, fmt.Errorf("unexpected tool %q", name)
	}
}

func runWith(t *testing.T, r Reporter, inv smoke.Invoker) (*smoke.Report, error) {
	t.Helper()
	plan := smoke.DefaultPlan("https://example.com")
	r.Connecting("ws://127.0.0.1:11234/mcp/ws")
	r.Tools(crawl4aiTools)
	report, err := smoke.Run(context.Background(), inv, plan, smoke.WithObserver(r), smoke.WithRunID("run-42"))
	require.NoError(t, r.Summary(report, len(plan.Cases), err))
	return report, err
}

func TestTextGolden(t *testing.T) {
	var buf bytes.Buffer
	_, err := runWith(t, NewText(&buf), scriptedCaller(t))
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "text_run", buf.Bytes())
}

func TestTextSummary(t *testing.T) {
	cases := []struct {
		name   string
		report *smoke.Report
		runErr error
		want   string
	}{
		{
			name:   "all passed",
			report: &smoke.Report{Completed: true, Outcomes: []smoke.Outcome{{Status: smoke.StatusPass}}},
			want:   "🎉 MCP tool testing completed successfully!\n",
		},
		{
			name:   "aborted",
			report: &smoke.Report{Outcomes: []smoke.Outcome{{Status: smoke.StatusPass}}},
			runErr: errors.New("connection lost"),
			want:   "❌ MCP tool testing aborted after 1 of 4 tests\n",
		},
		{
			name:   "no report",
			runErr: errors.New("dial failed"),
			want:   "❌ MCP tool testing aborted after 0 of 4 tests\n",
		},
		{
			name: "completed with errors",
			report: &smoke.Report{Completed: true, Outcomes: []smoke.Outcome{
				{Status: smoke.StatusPass}, {Status: smoke.StatusError}, {Status: smoke.StatusError},
			}},
			want: "⚠️ MCP tool testing completed: 1 passed, 0 failed, 2 errors, 0 timed out\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, NewText(&buf).Summary(tc.report, 4, tc.runErr))
			assert.Equal(t, tc.want, buf.String())
		})
	}
}

func TestTextDefaultIcon(t *testing.T) {
	var buf bytes.Buffer
	NewText(&buf).CaseStarted(2, smoke.TestCase{Name: "Calling schema", Tool: "schema"})
	assert.Equal(t, "🧪 Test 3: Calling schema...\n", buf.String())
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	_, err := runWith(t, NewJSON(&buf), scriptedCaller(t))
	require.NoError(t, err)

	var doc struct {
		RunID     string         `json:"run_id"`
		Plan      string         `json:"plan"`
		Endpoint  string         `json:"endpoint"`
		Tools     []string       `json:"tools"`
		Completed bool           `json:"completed"`
		Total     int            `json:"total"`
		Counts    map[string]int `json:"counts"`
		Outcomes  []struct {
			Index   int               `json:"index"`
			Tool    string            `json:"tool"`
			Status  string            `json:"status"`
			Message string            `json:"message"`
			Details map[string]string `json:"details"`
			Error   string            `json:"error"`
		} `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "run-42", doc.RunID)
	assert.Equal(t, "default", doc.Plan)
	assert.Equal(t, "ws://127.0.0.1:11234/mcp/ws", doc.Endpoint)
	assert.Equal(t, []string{"ask", "md", "html", "crawl"}, doc.Tools)
	assert.True(t, doc.Completed)
	assert.Equal(t, 4, doc.Total)
	assert.Equal(t, map[string]int{"pass": 2, "fail": 1, "timeout": 1}, doc.Counts)
	require.Len(t, doc.Outcomes, 4)
	assert.Equal(t, "timeout", doc.Outcomes[2].Status)
	assert.NotEmpty(t, doc.Outcomes[2].Error)
	assert.Equal(t, "3", doc.Outcomes[3].Details["Links found"])
}

func TestJSONAbortedRun(t *testing.T) {
	var buf bytes.Buffer
	lost := &transport.ConnectionError{Endpoint: "ws://127.0.0.1:11234/mcp/ws", Op: "receive", Err: transport.ErrClosed}
	inv := mcp.CallerFunc(func(_ context.Context, name string, _ map[string]any) (*mcp.ToolResult, error) {
		if name == "ask" {
			return mcp.NewTextResult(`{"doc_results":[{"text":"x"}]}`), nil
		}
		return nil, lost
	})
	_, err := runWith(t, NewJSON(&buf), inv)
	require.ErrorIs(t, err, lost)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, false, doc["completed"])
	assert.Equal(t, lost.Error(), doc["error"])
	assert.Len(t, doc["outcomes"], 1)
}

func TestFatal(t *testing.T) {
	var buf bytes.Buffer
	err := fmt.Errorf("open session: %w", &transport.ConnectionError{
		Endpoint: "ws://127.0.0.1:11234/mcp/ws",
		Op:       "dial",
		Err:      errors.New("connection refused"),
	})
	Fatal(&buf, err)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Equal(t, "❌ Connection or tool execution failed: "+err.Error(), string(lines[0]))
	assert.Contains(t, string(lines[1]), "caused by *transport.ConnectionError")
	assert.Equal(t, "   caused by *errors.errorString: connection refused", string(lines[2]))

	buf.Reset()
	Fatal(&buf, nil)
	assert.Empty(t, buf.String())
}

func TestNew(t *testing.T) {
	r, err := New("text", &bytes.Buffer{})
	require.NoError(t, err)
	assert.IsType(t, &Text{}, r)
	r, err = New("json", &bytes.Buffer{})
	require.NoError(t, err)
	assert.IsType(t, &JSON{}, r)
	_, err = New("xml", &bytes.Buffer{})
	assert.Error(t, err)
}
