package report

import (
	"encoding/json"
	"io"

	"goa.design/mcp-smoke/runtime/mcp"
	"goa.design/mcp-smoke/runtime/smoke"
)

type (
	// JSON renders a whole run as a single JSON document written by Summary.
	JSON struct {
		w        io.Writer
		endpoint string
		tools    []string
	}

	runDocument struct {
		RunID      string            `json:"run_id"`
		Plan       string            `json:"plan"`
		Endpoint   string            `json:"endpoint"`
		Tools      []string          `json:"tools"`
		Completed  bool              `json:"completed"`
		Total      int               `json:"total"`
		Counts     map[string]int    `json:"counts"`
		DurationMS int64             `json:"duration_ms"`
		Outcomes   []outcomeDocument `json:"outcomes"`
		Error      string            `json:"error,omitempty"`
	}

	outcomeDocument struct {
		Index      int               `json:"index"`
		Name       string            `json:"name"`
		Tool       string            `json:"tool"`
		Status     string            `json:"status"`
		Message    string            `json:"message"`
		Details    map[string]string `json:"details,omitempty"`
		DurationMS int64             `json:"duration_ms"`
		Error      string            `json:"error,omitempty"`
	}
)

// NewJSON returns a JSON reporter writing to w.
func NewJSON(w io.Writer) *JSON {
	return &JSON{w: w, tools: []string{}}
}

// Connecting records the endpoint.
func (j *JSON) Connecting(endpoint string) { j.endpoint = endpoint }

// Tools records the listed tool names.
func (j *JSON) Tools(tools []mcp.ToolDescriptor) {
	j.tools = make([]string, len(tools))
	for i, t := range tools {
		j.tools[i] = t.Name
	}
}

// CaseStarted is a no-op: outcomes are taken from the report.
func (j *JSON) CaseStarted(int, smoke.TestCase) {}

// CaseFinished is a no-op: outcomes are taken from the report.
func (j *JSON) CaseFinished(smoke.Outcome) {}

// Summary writes the run document.
func (j *JSON) Summary(r *smoke.Report, total int, runErr error) error {
	doc := runDocument{
		Endpoint: j.endpoint,
		Tools:    j.tools,
		Total:    total,
		Counts:   map[string]int{},
		Outcomes: []outcomeDocument{},
	}
	if r != nil {
		doc.RunID = r.RunID
		doc.Plan = r.Plan
		doc.Completed = r.Completed && runErr == nil
		doc.DurationMS = r.Elapsed.Milliseconds()
		for s, n := range r.Counts() {
			doc.Counts[string(s)] = n
		}
		for _, o := range r.Outcomes {
			od := outcomeDocument{
				Index:      o.Index,
				Name:       o.Name,
				Tool:       o.Tool,
				Status:     string(o.Status),
				Message:    o.Message,
				DurationMS: o.Duration.Milliseconds(),
			}
			if len(o.Details) > 0 {
				od.Details = make(map[string]string, len(o.Details))
				for _, d := range o.Details {
					od.Details[d.Label] = d.Value
				}
			}
			if o.Err != nil {
				od.Error = o.Err.Error()
			}
			doc.Outcomes = append(doc.Outcomes, od)
		}
	}
	if runErr != nil {
		doc.Error = runErr.Error()
	}
	enc := json.NewEncoder(j.w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
