package gateway

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/policy"
)

// schemaCache holds compiled argument schemas per tool. An entry is
// recompiled when the stored schema text changes.
type schemaCache struct {
	store sync.Map // tool id -> *compiledSchema
}

type compiledSchema struct {
	raw    string
	schema *jsonschema.Schema
}

// validate checks args against the tool's declared input schema. Tools
// without a schema accept any JSON value.
func (c *schemaCache) validate(tool policy.Tool, args json.RawMessage) error {
	var inst any
	if err := json.Unmarshal(args, &inst); err != nil {
		return gwerr.InvalidArguments(err, tool.Name)
	}
	if len(tool.InputSchema) == 0 {
		return nil
	}

	sch, err := c.compiled(tool)
	if err != nil {
		return err
	}
	if err := sch.Validate(inst); err != nil {
		return gwerr.InvalidArguments(err, tool.Name)
	}
	return nil
}

func (c *schemaCache) compiled(tool policy.Tool) (*jsonschema.Schema, error) {
	raw := string(tool.InputSchema)
	if v, ok := c.store.Load(tool.ID); ok {
		if cs := v.(*compiledSchema); cs.raw == raw {
			return cs.schema, nil
		}
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(tool.InputSchema))
	if err != nil {
		return nil, gwerr.WrapConfiguration(err, "input schema of tool %s", tool.Name)
	}
	comp := jsonschema.NewCompiler()
	if err := comp.AddResource("schema.json", doc); err != nil {
		return nil, gwerr.WrapConfiguration(err, "input schema of tool %s", tool.Name)
	}
	sch, err := comp.Compile("schema.json")
	if err != nil {
		return nil, gwerr.WrapConfiguration(err, "input schema of tool %s", tool.Name)
	}
	c.store.Store(tool.ID, &compiledSchema{raw: raw, schema: sch})
	return sch, nil
}
