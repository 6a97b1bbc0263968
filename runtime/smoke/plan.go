package smoke

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type (
	// planFile is the YAML root of a plan file.
	planFile struct {
		Name  string     `yaml:"name"`
		Cases []caseFile `yaml:"cases"`
	}

	// caseFile is one test case of a plan file.
	caseFile struct {
		Name      string         `yaml:"name"`
		Icon      string         `yaml:"icon"`
		Tool      string         `yaml:"tool"`
		Arguments map[string]any `yaml:"arguments"`
		Expect    string         `yaml:"expect"` // expectation name, defaults to "any"
	}
)

// DefaultPlan returns the reference plan exercising the ask, md, html and
// crawl tools against target.
func DefaultPlan(target string) Plan {
	return Plan{
		Name: "default",
		Cases: []TestCase{
			{
				Name: "Querying documentation",
				Icon: "🔍",
				Tool: "ask",
				Arguments: map[string]any{
					"query":        "How to extract markdown from a webpage?",
					"context_type": "doc",
					"max_results":  3,
				},
				Expect: DocQuery{},
			},
			{
				Name: fmt.Sprintf("Extracting markdown from %s", hostOf(target)),
				Icon: "🌐",
				Tool: "md",
				// q and c are passed through as the server expects them.
				Arguments: map[string]any{
					"url": target,
					"f":   "fit",
					"q":   nil,
					"c":   "0",
				},
				Expect: Markdown{},
			},
			{
				Name:      "Getting processed HTML",
				Icon:      "📄",
				Tool:      "html",
				Arguments: map[string]any{"url": target},
				Expect:    HTML{},
			},
			{
				Name: fmt.Sprintf("Crawling %s", hostOf(target)),
				Icon: "🕷️",
				Tool: "crawl",
				Arguments: map[string]any{
					"urls":           []any{target},
					"browser_config": map[string]any{},
					"crawler_config": map[string]any{},
				},
				Expect: Crawl{},
			},
		},
	}
}

// LoadPlan reads a YAML plan file.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- plan path is provided by the operator
	if err != nil {
		return Plan{}, fmt.Errorf("read plan: %w", err)
	}
	p, err := ParsePlan(data)
	if err != nil {
		return Plan{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParsePlan decodes a YAML plan. Unknown fields and unknown expectation
// names are rejected.
func ParsePlan(data []byte) (Plan, error) {
	var f planFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	if len(f.Cases) == 0 {
		return Plan{}, errors.New("parse plan: no cases")
	}
	plan := Plan{Name: f.Name, Cases: make([]TestCase, 0, len(f.Cases))}
	for i, c := range f.Cases {
		if strings.TrimSpace(c.Tool) == "" {
			return Plan{}, fmt.Errorf("parse plan: case %d: tool is required", i+1)
		}
		name := c.Expect
		if name == "" {
			name = AnyJSON{}.Name()
		}
		expect, ok := LookupExpectation(name)
		if !ok {
			return Plan{}, fmt.Errorf("parse plan: case %d: unknown expectation %q (valid: %s)",
				i+1, name, strings.Join(ExpectationNames(), ", "))
		}
		tc := TestCase{
			Name:      c.Name,
			Icon:      c.Icon,
			Tool:      c.Tool,
			Arguments: c.Arguments,
			Expect:    expect,
		}
		if tc.Name == "" {
			tc.Name = fmt.Sprintf("Calling %s", c.Tool)
		}
		if tc.Arguments == nil {
			tc.Arguments = map[string]any{}
		}
		plan.Cases = append(plan.Cases, tc)
	}
	if plan.Name == "" {
		plan.Name = "plan"
	}
	return plan, nil
}

// hostOf returns the host part of a URL, or the URL itself when it has none.
func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return target
	}
	return u.Host
}
