// Package report renders smoke test runs for humans (Text) and machines
// (JSON).
package report

import (
	"errors"
	"fmt"
	"io"

	"goa.design/mcp-smoke/runtime/mcp"
	"goa.design/mcp-smoke/runtime/smoke"
)

// Reporter renders the progress and result of a run. A Reporter is a
// smoke.Observer and is driven by the sequencer between Tools and Summary.
type Reporter interface {
	smoke.Observer
	// Connecting announces the endpoint before the connection is opened.
	Connecting(endpoint string)
	// Tools lists the tools advertised by the server.
	Tools(tools []mcp.ToolDescriptor)
	// Summary renders the end of the run. runErr is the error that aborted
	// the run, if any. Summary returns the first write error encountered.
	Summary(r *smoke.Report, total int, runErr error) error
}

// New returns the reporter for format ("text" or "json").
func New(format string, w io.Writer) (Reporter, error) {
	switch format {
	case "", "text":
		return NewText(w), nil
	case "json":
		return NewJSON(w), nil
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

// Fatal prints err followed by each error in its unwrap chain.
func Fatal(w io.Writer, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(w, "❌ Connection or tool execution failed: %v\n", err)
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		fmt.Fprintf(w, "   caused by %T: %v\n", cause, cause)
	}
}
