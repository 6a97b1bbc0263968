package report

import (
	"fmt"
	"io"
	"strings"

	"goa.design/mcp-smoke/runtime/mcp"
	"goa.design/mcp-smoke/runtime/smoke"
)

// Text renders a run as emoji annotated lines.
type Text struct {
	w   io.Writer
	err error
}

const defaultIcon = "🧪"

// NewText returns a text reporter writing to w.
func NewText(w io.Writer) *Text {
	return &Text{w: w}
}

// Connecting prints the endpoint being dialed.
func (t *Text) Connecting(endpoint string) {
	t.printf("🔌 Connecting to MCP server at %s...\n", endpoint)
}

// Tools prints the names of the tools the server listed.
func (t *Text) Tools(tools []mcp.ToolDescriptor) {
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	t.printf("📋 Available tools: [%s]\n\n", strings.Join(names, ", "))
}

// CaseStarted prints the case header.
func (t *Text) CaseStarted(index int, tc smoke.TestCase) {
	icon := tc.Icon
	if icon == "" {
		icon = defaultIcon
	}
	t.printf("%s Test %d: %s...\n", icon, index+1, tc.Name)
}

// CaseFinished prints the outcome marker, message and details.
func (t *Text) CaseFinished(o smoke.Outcome) {
	t.printf("%s %s\n", marker(o.Status), o.Message)
	for _, d := range o.Details {
		t.printf("   %s: %s\n", d.Label, d.Value)
	}
	t.printf("\n")
}

// Summary prints the closing line and returns the first write error.
func (t *Text) Summary(r *smoke.Report, total int, runErr error) error {
	switch {
	case runErr != nil || r == nil || !r.Completed:
		executed := 0
		if r != nil {
			executed = len(r.Outcomes)
		}
		t.printf("❌ MCP tool testing aborted after %d of %d tests\n", executed, total)
	case !r.Failed():
		t.printf("🎉 MCP tool testing completed successfully!\n")
	default:
		c := r.Counts()
		t.printf("⚠️ MCP tool testing completed: %d passed, %d failed, %d errors, %d timed out\n",
			c[smoke.StatusPass], c[smoke.StatusFail], c[smoke.StatusError], c[smoke.StatusTimeout])
	}
	return t.err
}

func (t *Text) printf(format string, args ...any) {
	if t.err != nil {
		return
	}
	_, t.err = fmt.Fprintf(t.w, format, args...)
}

func marker(s smoke.Status) string {
	switch s {
	case smoke.StatusPass:
		return "✅"
	case smoke.StatusTimeout:
		return "⏱️"
	default:
		return "❌"
	}
}
