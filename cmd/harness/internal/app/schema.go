package app

import "github.com/cexll/agentsdk-go/pkg/tool"

// schemaToMap flattens a *tool.JSONSchema into the plain
// map[string]any shape harness.ToolDefinition.InputSchema expects on the
// wire, since the teacher's JSONSchema type is a typed struct rather than a
// raw map.
func schemaToMap(s *tool.JSONSchema) map[string]any {
	if s == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	m := map[string]any{"type": s.Type}
	if s.Properties != nil {
		m["properties"] = s.Properties
	}
	if len(s.Required) > 0 {
		m["required"] = s.Required
	}
	if len(s.Enum) > 0 {
		m["enum"] = s.Enum
	}
	if s.Pattern != "" {
		m["pattern"] = s.Pattern
	}
	if s.Minimum != nil {
		m["minimum"] = *s.Minimum
	}
	if s.Maximum != nil {
		m["maximum"] = *s.Maximum
	}
	if s.Items != nil {
		m["items"] = schemaToMap(s.Items)
	}
	return m
}
