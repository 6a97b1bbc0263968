package smoke

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPlan(t *testing.T) {
	plan := DefaultPlan("https://example.com")
	require.Len(t, plan.Cases, 4)

	tools := make([]string, len(plan.Cases))
	for i, c := range plan.Cases {
		tools[i] = c.Tool
	}
	assert.Equal(t, []string{"ask", "md", "html", "crawl"}, tools)
	assert.Equal(t, "Extracting markdown from example.com", plan.Cases[1].Name)

	args, err := json.Marshal(plan.Cases[1].Arguments)
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://example.com","f":"fit","q":null,"c":"0"}`, string(args))

	args, err = json.Marshal(plan.Cases[3].Arguments)
	require.NoError(t, err)
	assert.JSONEq(t, `{"urls":["https://example.com"],"browser_config":{},"crawler_config":{}}`, string(args))

	assert.IsType(t, DocQuery{}, plan.Cases[0].Expect)
	assert.IsType(t, Markdown{}, plan.Cases[1].Expect)
	assert.IsType(t, HTML{}, plan.Cases[2].Expect)
	assert.IsType(t, Crawl{}, plan.Cases[3].Expect)
}

func TestLoadPlan(t *testing.T) {
	plan, err := LoadPlan(filepath.Join("testdata", "crawl4ai.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "crawl4ai", plan.Name)
	require.Len(t, plan.Cases, 3)
	assert.Equal(t, "🔍", plan.Cases[0].Icon)
	assert.Equal(t, 3, plan.Cases[0].Arguments["max_results"])
	assert.IsType(t, DocQuery{}, plan.Cases[0].Expect)

	args, err := json.Marshal(plan.Cases[1].Arguments)
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://example.com","f":"fit","q":null,"c":"0"}`, string(args))

	assert.Equal(t, "Calling schema", plan.Cases[2].Name)
	assert.IsType(t, AnyJSON{}, plan.Cases[2].Expect)
	assert.NotNil(t, plan.Cases[2].Arguments)
}

func TestLoadPlanMissingFile(t *testing.T) {
	_, err := LoadPlan(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestParsePlanErrors(t *testing.T) {
	cases := map[string]struct {
		doc  string
		want string
	}{
		"no cases":            {doc: "name: empty\n", want: "no cases"},
		"missing tool":        {doc: "cases:\n  - name: nothing\n", want: "tool is required"},
		"unknown expectation": {doc: "cases:\n  - tool: md\n    expect: screenshot\n", want: `unknown expectation "screenshot"`},
		"unknown field":       {doc: "cases:\n  - tool: md\n    timeout: 5s\n", want: "timeout"},
		"invalid yaml":        {doc: "cases: [\n", want: "parse plan"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlan([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "example.com", hostOf("https://example.com"))
	assert.Equal(t, "docs.crawl4ai.com:443", hostOf("https://docs.crawl4ai.com:443/core/"))
	assert.Equal(t, "not a url", hostOf("not a url"))
}
