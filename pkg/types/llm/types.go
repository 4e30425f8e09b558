package llm

import (
	"context"
	"encoding/json"

	"github.com/switchboard-dev/switchboard/pkg/types/chat"
	tooltypes "github.com/switchboard-dev/switchboard/pkg/types/tools"
)

// Config carries the per-request provider selection and credentials. It is
// assembled from the caller's request body, not from server config.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string

	MaxTokens     int
	MaxIterations int
}

// Request is one chat completion across the tool-use loop.
type Request struct {
	Messages []chat.Message
	Tools    []tooltypes.Tool
	Stream   bool
}

// Result aggregates what the loop produced.
type Result struct {
	Content    string
	StopReason string
	Usage      chat.Usage
	Iterations int
}

// Handler receives streaming events in emission order. Nil callbacks are
// skipped.
type Handler struct {
	OnText       func(chunk string)
	OnToolCall   func(id, name string, arguments json.RawMessage)
	OnToolOutput func(chunk string)
	OnSource     func(c chat.Citation)
	OnStatus     func(s chat.Status)
}

// Text emits a text chunk.
func (h Handler) Text(chunk string) {
	if h.OnText != nil && chunk != "" {
		h.OnText(chunk)
	}
}

// ToolCall emits a tool invocation marker. It fires strictly before the
// tool runs.
func (h Handler) ToolCall(id, name string, arguments json.RawMessage) {
	if h.OnToolCall != nil {
		h.OnToolCall(id, name, arguments)
	}
}

// ToolOutput emits an incremental tool output chunk.
func (h Handler) ToolOutput(chunk string) {
	if h.OnToolOutput != nil && chunk != "" {
		h.OnToolOutput(chunk)
	}
}

// Source emits a citation.
func (h Handler) Source(c chat.Citation) {
	if h.OnSource != nil {
		h.OnSource(c)
	}
}

// Status emits an out-of-band progress event.
func (h Handler) Status(description string, done bool) {
	if h.OnStatus != nil {
		h.OnStatus(chat.Status{Description: description, Done: done})
	}
}

// ToolExecutor runs a named tool on behalf of an adapter's loop.
type ToolExecutor interface {
	Run(ctx context.Context, state tooltypes.State, name string, arguments json.RawMessage) tooltypes.ToolResult
}

// Adapter is the uniform provider contract.
type Adapter interface {
	ChatCompletion(ctx context.Context, req Request, state tooltypes.State, h Handler) (*Result, error)
}
