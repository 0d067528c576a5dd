package gateway

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const sessionIDSchema = `{
	"type": "object",
	"required": ["type", "sessionId"],
	"properties": {
		"type": {"type": "string"},
		"sessionId": {"type": "string", "minLength": 1}
	}
}`

const bareSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {"type": {"type": "string"}}
}`

var inboundSchemaText = map[MessageType]string{
	TypeStart: `{
		"type": "object",
		"required": ["type", "topic", "itemCount"],
		"properties": {
			"type": {"type": "string"},
			"topic": {"type": "string", "minLength": 1, "pattern": "\\S"},
			"itemCount": {"type": "integer", "minimum": 1},
			"depth": {"type": "string", "enum": ["quick", "standard", "comprehensive"]}
		}
	}`,
	TypeQuestion: `{
		"type": "object",
		"required": ["type", "sessionId", "text"],
		"properties": {
			"type": {"type": "string"},
			"sessionId": {"type": "string", "minLength": 1},
			"text": {"type": "string", "minLength": 1, "pattern": "\\S"},
			"citations": {"type": "boolean"}
		}
	}`,
	TypePing:       bareSchema,
	TypeDisconnect: bareSchema,
	TypeStatus:     sessionIDSchema,
	TypePause:      sessionIDSchema,
	TypeResume:     sessionIDSchema,
	TypeClose:      sessionIDSchema,
}

var inboundSchemas = compileSchemas(inboundSchemaText)

func compileSchemas(text map[MessageType]string) map[MessageType]*gojsonschema.Schema {
	out := make(map[MessageType]*gojsonschema.Schema, len(text))
	for t, src := range text {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			panic(fmt.Sprintf("gateway: invalid %s schema: %v", t, err))
		}
		out[t] = schema
	}
	return out
}

// validateInbound checks a frame against the schema of its type.
func validateInbound(t MessageType, data []byte) error {
	schema, ok := inboundSchemas[t]
	if !ok {
		return fmt.Errorf("no schema for %q", t)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid %s message: %s", t, strings.Join(msgs, "; "))
}
