package smoke

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"
)

type (
	// Expectation judges the decoded payload of a tool result.
	Expectation interface {
		// Name identifies the expectation in plan files and reports.
		Name() string
		// Check inspects payload. A payload of the wrong shape yields a
		// *ValidationError; a well formed payload that reports failure
		// yields a Verdict with Pass set to false.
		Check(payload json.RawMessage) (Verdict, error)
	}

	// Verdict is the result of checking a payload.
	Verdict struct {
		Pass    bool
		Message string
		Details []Detail
	}

	// DocQuery expects a documentation search result with at least one
	// entry: {"doc_results": [{"text": "..."}]}.
	DocQuery struct{}

	// Markdown expects {"success": true, "markdown": "..."}.
	Markdown struct{}

	// HTML expects {"success": true, "html": "..."}.
	HTML struct{}

	// Crawl expects a non empty list of per URL crawl results.
	Crawl struct{}

	// AnyJSON accepts any decodable payload.
	AnyJSON struct{}
)

const (
	samplePreview   = 100
	markdownPreview = 150
	htmlPreview     = 100
)

var expectations = map[string]Expectation{
	DocQuery{}.Name(): DocQuery{},
	Markdown{}.Name(): Markdown{},
	HTML{}.Name():     HTML{},
	Crawl{}.Name():    Crawl{},
	AnyJSON{}.Name():  AnyJSON{},
}

// LookupExpectation returns the expectation registered under name.
func LookupExpectation(name string) (Expectation, bool) {
	e, ok := expectations[name]
	return e, ok
}

// ExpectationNames returns the registered expectation names, sorted.
func ExpectationNames() []string {
	names := make([]string, 0, len(expectations))
	for n := range expectations {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (DocQuery) Name() string { return "doc_query" }

func (e DocQuery) Check(payload json.RawMessage) (Verdict, error) {
	var body struct {
		DocResults *[]struct {
			Text string `json:"text"`
		} `json:"doc_results"`
	}
	if err := decode(e, payload, &body); err != nil {
		return Verdict{}, err
	}
	if body.DocResults == nil || len(*body.DocResults) == 0 {
		return Verdict{Message: "No documentation results found"}, nil
	}
	results := *body.DocResults
	return Verdict{
		Pass:    true,
		Message: fmt.Sprintf("Found %d documentation sections", len(results)),
		Details: []Detail{{Label: "Sample", Value: preview(results[0].Text, samplePreview)}},
	}, nil
}

func (Markdown) Name() string { return "markdown" }

func (e Markdown) Check(payload json.RawMessage) (Verdict, error) {
	var body struct {
		Success  bool   `json:"success"`
		Markdown string `json:"markdown"`
	}
	if err := decode(e, payload, &body); err != nil {
		return Verdict{}, err
	}
	if !body.Success {
		return Verdict{Message: "Markdown extraction failed: " + compact(payload)}, nil
	}
	return Verdict{
		Pass:    true,
		Message: fmt.Sprintf("Markdown extracted: %d characters", utf8.RuneCountInString(body.Markdown)),
		Details: []Detail{{Label: "Preview", Value: preview(body.Markdown, markdownPreview)}},
	}, nil
}

func (HTML) Name() string { return "html" }

func (e HTML) Check(payload json.RawMessage) (Verdict, error) {
	var body struct {
		Success bool   `json:"success"`
		HTML    string `json:"html"`
	}
	if err := decode(e, payload, &body); err != nil {
		return Verdict{}, err
	}
	if !body.Success {
		return Verdict{Message: "HTML extraction failed: " + compact(payload)}, nil
	}
	return Verdict{
		Pass:    true,
		Message: fmt.Sprintf("HTML extracted: %d characters", utf8.RuneCountInString(body.HTML)),
		Details: []Detail{{Label: "Preview", Value: preview(body.HTML, htmlPreview)}},
	}, nil
}

func (Crawl) Name() string { return "crawl" }

// Check passes when the payload is a non empty list. Details describe the
// first element; the link count sums every link group of that element.
func (e Crawl) Check(payload json.RawMessage) (Verdict, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil || len(items) == 0 {
		return Verdict{Message: "Crawl failed: " + compact(payload)}, nil
	}
	var first struct {
		URL     *string                      `json:"url"`
		Success bool                         `json:"success"`
		HTML    string                       `json:"html"`
		Links   map[string][]json.RawMessage `json:"links"`
	}
	if err := decode(e, items[0], &first); err != nil {
		return Verdict{}, err
	}
	url := "Unknown"
	if first.URL != nil {
		url = *first.URL
	}
	details := []Detail{
		{Label: "URL", Value: url},
		{Label: "Status", Value: fmt.Sprintf("%t", first.Success)},
		{Label: "HTML length", Value: fmt.Sprintf("%d", utf8.RuneCountInString(first.HTML))},
	}
	if first.Links != nil {
		count := 0
		for _, group := range first.Links {
			count += len(group)
		}
		details = append(details, Detail{Label: "Links found", Value: fmt.Sprintf("%d", count)})
	}
	return Verdict{Pass: true, Message: "Crawl completed successfully", Details: details}, nil
}

func (AnyJSON) Name() string { return "any" }

func (e AnyJSON) Check(payload json.RawMessage) (Verdict, error) {
	if !json.Valid(payload) {
		return Verdict{}, &ValidationError{Expect: e.Name(), Reason: "payload is not JSON"}
	}
	return Verdict{Pass: true, Message: fmt.Sprintf("Received %d bytes of JSON", len(payload))}, nil
}

func decode(e Expectation, payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return &ValidationError{Expect: e.Name(), Reason: "unexpected payload shape", Err: err}
	}
	return nil
}

// preview truncates s to n runes, marking truncation with an ellipsis.
func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func compact(payload json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return string(payload)
	}
	return buf.String()
}
