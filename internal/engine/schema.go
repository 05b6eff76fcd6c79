package engine

import (
	"encoding/json"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// SanitizeToolSchema prepares a tool parameter schema for providers that
// reject JSON-Schema combinators at the top level: oneOf/anyOf/allOf/enum/not
// are stripped, everything else passes through untouched.
func SanitizeToolSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return emptyObjectSchema
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return emptyObjectSchema
	}
	changed := false
	for _, key := range []string{"oneOf", "anyOf", "allOf", "enum", "not"} {
		if _, ok := schema[key]; ok {
			delete(schema, key)
			changed = true
		}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
		changed = true
	}
	if !changed {
		return raw
	}
	out, err := json.Marshal(schema)
	if err != nil {
		return emptyObjectSchema
	}
	return out
}
