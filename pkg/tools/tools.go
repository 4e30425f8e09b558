// Package tools provides the tool registry and the executor that the
// provider adapters call into. Tool construction is gated by the request's
// feature toggles and by which backing services are actually configured.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/switchboard-dev/switchboard/pkg/imagegen"
	"github.com/switchboard-dev/switchboard/pkg/logger"
	"github.com/switchboard-dev/switchboard/pkg/recall"
	"github.com/switchboard-dev/switchboard/pkg/sandbox"
	"github.com/switchboard-dev/switchboard/pkg/store"
	tooltypes "github.com/switchboard-dev/switchboard/pkg/types/tools"
	"github.com/switchboard-dev/switchboard/pkg/websearch"
)

func GenerateSchema[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T

	return reflector.Reflect(v)
}

// Services carries the backing services tools dispatch to. A nil service
// disables the tools that need it regardless of toggles.
type Services struct {
	Store   *store.Store
	Web     *websearch.Client
	Images  *imagegen.Backend
	Sandbox *sandbox.Manager
	Recall  *recall.Service

	// RecallInstanceID selects the file-recall instance searched by
	// file_recall_search.
	RecallInstanceID string

	// MaxMemoryChars is the per-user memory character budget.
	MaxMemoryChars int
}

// Registry builds the tool set for one request from the feature toggles
// (`tools.web_search`, `tools.memory`, ...) and the available services.
func Registry(features map[string]bool, svc Services) []tooltypes.Tool {
	var out []tooltypes.Tool
	add := func(toggle string, available bool, tools ...tooltypes.Tool) {
		if features[toggle] && available {
			out = append(out, tools...)
		}
	}

	add("web_search", svc.Web != nil,
		&WebSearchTool{client: svc.Web},
		&WebScrapeTool{client: svc.Web},
	)
	add("deep_research", svc.Web != nil,
		&DeepResearchTool{client: svc.Web},
	)
	add("image_generation", svc.Images != nil,
		&ImageGenerationTool{backend: svc.Images},
		&ImageEditTool{backend: svc.Images},
		&ImageBlendTool{backend: svc.Images},
	)
	add("sandbox_execute", svc.Sandbox != nil,
		&SandboxExecuteTool{manager: svc.Sandbox},
		&SandboxWriteFileTool{manager: svc.Sandbox},
		&SandboxReadFileTool{manager: svc.Sandbox},
		&SandboxListFilesTool{manager: svc.Sandbox},
		&SandboxDiffEditTool{manager: svc.Sandbox},
		&SandboxStatsTool{manager: svc.Sandbox},
	)
	add("memory", svc.Store != nil,
		&MemoryRetrieveTool{store: svc.Store},
		&MemoryCreateTool{store: svc.Store, budget: svc.MaxMemoryChars},
		&MemoryUpdateTool{store: svc.Store, budget: svc.MaxMemoryChars},
		&MemoryDeleteTool{store: svc.Store},
	)
	add("file_recall", svc.Recall != nil && svc.RecallInstanceID != "",
		&FileRecallSearchTool{service: svc.Recall, instanceID: svc.RecallInstanceID},
	)
	return out
}

// Executor dispatches tool calls by name, times them, and records every
// execution as a tool_calls row.
type Executor struct {
	tools map[string]tooltypes.Tool
	store *store.Store
}

// NewExecutor indexes the tool set for dispatch.
func NewExecutor(tools []tooltypes.Tool, s *store.Store) *Executor {
	m := make(map[string]tooltypes.Tool, len(tools))
	for _, t := range tools {
		m[t.Name()] = t
	}
	return &Executor{tools: m, store: s}
}

// Run executes one tool call. Failures come back as error results for the
// model, never as Go errors; a broken tool must not kill the turn.
func (e *Executor) Run(ctx context.Context, state tooltypes.State, name string, arguments json.RawMessage) tooltypes.ToolResult {
	tool, ok := e.tools[name]
	if !ok {
		return tooltypes.ToolResult{Error: fmt.Sprintf("unknown tool %q", name)}
	}

	params := string(arguments)
	if err := tool.ValidateInput(state, params); err != nil {
		result := tooltypes.ToolResult{Error: err.Error()}
		e.record(ctx, state, name, params, result, 0)
		return result
	}

	start := time.Now()
	result := tool.Execute(ctx, state, params)
	e.record(ctx, state, name, params, result, time.Since(start))
	return result
}

func (e *Executor) record(ctx context.Context, state tooltypes.State, name, params string, result tooltypes.ToolResult, d time.Duration) {
	if e.store == nil || state == nil || state.RequestID() == "" {
		return
	}
	err := e.store.AddToolCall(ctx, &store.ToolCall{
		RequestID:  state.RequestID(),
		ToolName:   name,
		Parameters: params,
		Result:     result.AssistantFacing(),
		Success:    !result.IsError(),
		DurationMS: d.Milliseconds(),
	})
	if err != nil {
		logger.G(ctx).WithError(err).WithField("tool", name).Warn("failed to record tool call")
	}
}
