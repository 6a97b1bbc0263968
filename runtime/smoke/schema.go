package smoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"

	"goa.design/mcp-smoke/runtime/mcp"
)

// argumentChecker validates tool arguments against the input schemas
// advertised by the server. Schemas are compiled on first use.
type argumentChecker struct {
	raw      map[string]json.RawMessage
	compiled map[string]*jsonschema.Schema
}

func newArgumentChecker(tools []mcp.ToolDescriptor) *argumentChecker {
	raw := make(map[string]json.RawMessage, len(tools))
	for _, t := range tools {
		if len(t.InputSchema) > 0 {
			raw[t.Name] = t.InputSchema
		}
	}
	return &argumentChecker{raw: raw, compiled: make(map[string]*jsonschema.Schema)}
}

// check returns a *ValidationError when args do not satisfy the input schema
// of tool. Tools without a usable schema are not checked.
func (c *argumentChecker) check(ctx context.Context, tool string, args map[string]any) error {
	schema, err := c.schema(tool)
	if err != nil {
		log.Warn(ctx,
			log.KV{K: "msg", V: "skipping argument check"},
			log.KV{K: "tool", V: tool},
			log.KV{K: "err", V: err.Error()})
		return nil
	}
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return &ValidationError{Expect: "input schema", Reason: "arguments are not JSON encodable", Err: err}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{Expect: "input schema", Reason: "arguments are not JSON encodable", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &ValidationError{Expect: "input schema", Reason: fmt.Sprintf("arguments rejected by %s schema", tool), Err: err}
	}
	return nil
}

func (c *argumentChecker) schema(tool string) (*jsonschema.Schema, error) {
	if s, ok := c.compiled[tool]; ok {
		return s, nil
	}
	raw, ok := c.raw[tool]
	if !ok {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	c.compiled[tool] = s
	return s, nil
}
