package google

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/invopop/jsonschema"
	"google.golang.org/genai"

	tooltypes "github.com/switchboard-dev/switchboard/pkg/types/tools"
)

// renderTools groups every function declaration under a single Tool, which
// is what the Gemini API expects.
func renderTools(tools []tooltypes.Tool) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	var decls []*genai.FunctionDeclaration
	for _, tool := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  convertSchema(tool.GenerateSchema()),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func convertSchema(schema *jsonschema.Schema) *genai.Schema {
	out := &genai.Schema{
		Type:        convertSchemaType(schema.Type),
		Description: schema.Description,
	}
	if schema.Properties != nil {
		out.Properties = make(map[string]*genai.Schema)
		for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
			out.Properties[pair.Key] = convertSchema(pair.Value)
		}
	}
	if len(schema.Required) > 0 {
		out.Required = schema.Required
	}
	if schema.Items != nil {
		out.Items = convertSchema(schema.Items)
	}
	if len(schema.Enum) > 0 {
		for _, v := range schema.Enum {
			if s, ok := v.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	return out
}

func convertSchemaType(schemaType string) genai.Type {
	switch strings.ToLower(schemaType) {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// generateToolCallID mints an ID for calls the API returns without one.
func generateToolCallID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return "call_fallback"
	}
	return "call_" + hex.EncodeToString(bytes)
}
