// ABOUTME: Folds argument schemas reported at provisioning into a tool's input schema
// ABOUTME: Properties the tool already declares are never overwritten

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/2389/caprouter/internal/rpc"
)

// mergeInputSchema adds every property in props that schema does not already
// declare. Required properties are appended to the schema's required list.
// The boolean reports whether anything was added.
func mergeInputSchema(schema json.RawMessage, props map[string]rpc.PropertySchema) (json.RawMessage, bool, error) {
	if len(props) == 0 {
		return schema, false, nil
	}

	doc := map[string]any{}
	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &doc); err != nil {
			return schema, false, fmt.Errorf("decoding input schema: %w", err)
		}
	}
	if _, ok := doc["type"]; !ok {
		doc["type"] = "object"
	}
	properties, _ := doc["properties"].(map[string]any)
	if properties == nil {
		properties = map[string]any{}
	}
	var required []any
	if list, ok := doc["required"].([]any); ok {
		required = list
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	slices.Sort(names)

	added := false
	for _, name := range names {
		if _, ok := properties[name]; ok {
			continue
		}
		p := props[name]
		prop := map[string]any{"type": p.Type}
		if p.Type == "" {
			prop["type"] = "string"
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[name] = prop
		if p.Required && !slices.Contains(required, any(name)) {
			required = append(required, name)
		}
		added = true
	}
	if !added {
		return schema, false, nil
	}

	doc["properties"] = properties
	if len(required) > 0 {
		doc["required"] = required
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return schema, false, fmt.Errorf("encoding input schema: %w", err)
	}
	return out, true, nil
}

// extendToolSchema stores the merged schema of a freshly provisioned tool.
func (d *Dispatcher) extendToolSchema(ctx context.Context, name string, props map[string]rpc.PropertySchema) {
	if len(props) == 0 {
		return
	}
	tool, err := d.catalog.GetTool(ctx, name)
	if err != nil {
		d.logger.Warn("tool vanished before schema merge", "tool_name", name, "error", err)
		return
	}
	merged, changed, err := mergeInputSchema(tool.InputSchema, props)
	if err != nil {
		d.logger.Warn("cannot merge provisioned properties", "tool_name", name, "error", err)
		return
	}
	if !changed {
		return
	}
	tool.InputSchema = merged
	if err := d.catalog.SaveTool(ctx, tool); err != nil {
		d.logger.Warn("failed to save merged input schema", "tool_name", name, "error", err)
		return
	}
	d.logger.Debug("input schema extended", "tool_name", name, "properties", len(props))
}
