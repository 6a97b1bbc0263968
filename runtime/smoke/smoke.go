// Package smoke runs an ordered plan of tool invocations against an MCP
// session and classifies each result against a typed expectation.
//
// A plan is executed strictly sequentially. Failures local to one case
// (rejected or failing tools, timeouts, unexpected payloads) are recorded as
// outcomes and the run continues; transport and protocol failures abort the
// run and are returned to the caller together with the outcomes collected so
// far.
package smoke

import (
	"context"
	"time"

	"goa.design/mcp-smoke/runtime/mcp"
)

type (
	// Invoker invokes a tool by name. *mcp.Session implements Invoker.
	Invoker interface {
		CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error)
	}

	// Plan is an ordered list of test cases. A Plan is not modified by Run.
	Plan struct {
		// Name identifies the plan in reports.
		Name string
		// Cases are executed in order.
		Cases []TestCase
	}

	// TestCase describes one tool invocation and how to judge its result.
	TestCase struct {
		// Name is the human readable label of the case.
		Name string
		// Icon prefixes the case header in text reports.
		Icon string
		// Tool is the name of the tool to invoke.
		Tool string
		// Arguments are passed to the tool verbatim.
		Arguments map[string]any
		// Expect judges the decoded payload. Defaults to AnyJSON.
		Expect Expectation
	}

	// Status is the classification of a test outcome.
	Status string

	// Outcome records the result of a single test case.
	Outcome struct {
		// Index is the zero based position of the case in the plan.
		Index int
		// Name and Tool are copied from the test case.
		Name string
		Tool string
		// Status classifies the result.
		Status Status
		// Message is the one line summary shown next to the status marker.
		Message string
		// Details are extracted fields shown below the summary.
		Details []Detail
		// Err is the underlying error for non passing outcomes.
		Err error
		// Duration is the time spent invoking and checking the case.
		Duration time.Duration
	}

	// Detail is a labeled value extracted from a payload.
	Detail struct {
		Label string
		Value string
	}

	// Report is the result of a run.
	Report struct {
		// RunID identifies the run in logs and reports.
		RunID string
		// Plan is the name of the executed plan.
		Plan string
		// Outcomes has one entry per executed case, in plan order.
		Outcomes []Outcome
		// Completed is true when every case of the plan was executed.
		Completed bool
		// Started and Elapsed time the run.
		Started time.Time
		Elapsed time.Duration
	}

	// Observer is notified as a run progresses. Implementations must not
	// retain the outcome beyond the call.
	Observer interface {
		// CaseStarted is called before a case is invoked.
		CaseStarted(index int, tc TestCase)
		// CaseFinished is called once the outcome of a case is known.
		CaseFinished(o Outcome)
	}
)

const (
	// StatusPass means the tool replied and the expectation held.
	StatusPass Status = "pass"
	// StatusFail means the tool replied but the payload did not satisfy the
	// expectation or could not be decoded.
	StatusFail Status = "fail"
	// StatusError means the invocation was rejected or the tool reported an
	// error.
	StatusError Status = "error"
	// StatusTimeout means no reply arrived in time.
	StatusTimeout Status = "timeout"
)

var _ Invoker = (*mcp.Session)(nil)

// Call returns the tool invocation described by the test case.
func (tc TestCase) Call() mcp.ToolCall {
	return mcp.ToolCall{Name: tc.Tool, Arguments: tc.Arguments}
}

// Passed reports whether the outcome is a pass.
func (o Outcome) Passed() bool { return o.Status == StatusPass }

// Counts returns the number of outcomes per status.
func (r *Report) Counts() map[Status]int {
	counts := make(map[Status]int, 4)
	if r == nil {
		return counts
	}
	for _, o := range r.Outcomes {
		counts[o.Status]++
	}
	return counts
}

// Failed reports whether any outcome did not pass.
func (r *Report) Failed() bool {
	if r == nil {
		return false
	}
	for _, o := range r.Outcomes {
		if !o.Passed() {
			return true
		}
	}
	return false
}
