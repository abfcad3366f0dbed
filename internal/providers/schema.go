package providers

// CleanSchemaForProvider strips JSON-schema keywords that provider tool APIs
// reject. Anthropic and OpenAI both accept a strict subset of JSON Schema for
// tool parameters; $schema, $id, additionalProperties and examples are
// dropped at every nesting level rather than passed through and rejected by
// the API. The same keywords are dropped whichever provider is named.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return cleanSchemaValue(schema).(map[string]interface{})
}

func cleanSchemaValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			switch k {
			case "$schema", "$id", "additionalProperties", "examples":
				continue
			}
			out[k] = cleanSchemaValue(sub)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			out[i] = cleanSchemaValue(sub)
		}
		return out
	default:
		return v
	}
}

// CleanToolSchemas converts tool definitions into the wire shape expected by
// OpenAI-compatible chat completion APIs, cleaning each parameter schema.
func CleanToolSchemas(provider string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}
