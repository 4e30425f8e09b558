// Package tools defines the contracts between the tool registry, the tool
// executor and the provider adapters.
package tools

import (
	"context"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/switchboard-dev/switchboard/pkg/types/chat"
)

// Tool is a single callable tool definition.
type Tool interface {
	Name() string
	Description() string
	GenerateSchema() *jsonschema.Schema
	ValidateInput(state State, parameters string) error
	Execute(ctx context.Context, state State, parameters string) ToolResult
}

// ToolResult is the structured payload of one tool execution.
type ToolResult struct {
	Result  string          `json:"result,omitempty"`
	Sources []chat.Citation `json:"sources,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IsError reports whether the execution failed.
func (r ToolResult) IsError() bool {
	return r.Error != ""
}

// AssistantFacing renders the result as the text handed back to the model in
// the tool_result block.
func (r ToolResult) AssistantFacing() string {
	out := ""
	if r.Error != "" {
		out = fmt.Sprintf("<error>\n%s\n</error>\n", r.Error)
	}
	if r.Result != "" {
		out += fmt.Sprintf("<result>\n%s\n</result>\n", r.Result)
	}
	if out == "" {
		out = "<result>\n(no output)\n</result>\n"
	}
	return out
}

// State is the per-request execution context handed to every tool. It scopes
// tools to one conversation and one user, and carries the event emitters for
// streamed output and status updates.
type State interface {
	ConversationID() string
	UserID() string
	RequestID() string
	// VolumePath returns the host-side path of the conversation volume,
	// creating it if needed.
	VolumePath() (string, error)
	// PublicURL maps a path relative to the volume to a stable download URL.
	PublicURL(relPath string) string
	// EmitOutput streams a sandbox stdout/stderr chunk to the caller.
	EmitOutput(chunk string)
	// EmitStatus publishes a human-friendly progress event.
	EmitStatus(description string, done bool)
}
