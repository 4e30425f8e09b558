package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/store"
	tooltypes "github.com/switchboard-dev/switchboard/pkg/types/tools"
)

// MemoryRetrieveTool lists the user's long-term memories.
type MemoryRetrieveTool struct {
	store *store.Store
}

// MemoryRetrieveInput defines the input parameters for memory_retrieve.
type MemoryRetrieveInput struct{}

func (t *MemoryRetrieveTool) Name() string { return "memory_retrieve" }

func (t *MemoryRetrieveTool) Description() string {
	return "List everything you remember about this user, with the id of each memory."
}

func (t *MemoryRetrieveTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[MemoryRetrieveInput]()
}

func (t *MemoryRetrieveTool) ValidateInput(_ tooltypes.State, _ string) error { return nil }

func (t *MemoryRetrieveTool) Execute(ctx context.Context, state tooltypes.State, _ string) tooltypes.ToolResult {
	memories, err := t.store.ListMemories(ctx, state.UserID())
	if err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	if len(memories) == 0 {
		return tooltypes.ToolResult{Result: "no memories stored for this user"}
	}
	var sb strings.Builder
	for _, m := range memories {
		fmt.Fprintf(&sb, "[%s] %s\n", m.ID, m.Content)
	}
	return tooltypes.ToolResult{Result: sb.String()}
}

// MemoryCreateTool stores a new memory about the user.
type MemoryCreateTool struct {
	store  *store.Store
	budget int
}

// MemoryCreateInput defines the input parameters for memory_create.
type MemoryCreateInput struct {
	Content string `json:"content" jsonschema:"description=The fact to remember, one short sentence"`
}

func (t *MemoryCreateTool) Name() string { return "memory_create" }

func (t *MemoryCreateTool) Description() string {
	return "Remember a durable fact about this user for future conversations. Keep memories short; the total budget per user is limited."
}

func (t *MemoryCreateTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[MemoryCreateInput]()
}

func (t *MemoryCreateTool) ValidateInput(_ tooltypes.State, parameters string) error {
	var input MemoryCreateInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return errors.Wrap(err, "invalid input")
	}
	if strings.TrimSpace(input.Content) == "" {
		return errors.New("content is required")
	}
	return nil
}

func (t *MemoryCreateTool) Execute(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input MemoryCreateInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	m, err := t.store.CreateMemory(ctx, state.UserID(), input.Content, t.budget)
	if err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	return tooltypes.ToolResult{Result: fmt.Sprintf("memory stored with id %s", m.ID)}
}

// MemoryUpdateTool rewrites an existing memory.
type MemoryUpdateTool struct {
	store  *store.Store
	budget int
}

// MemoryUpdateInput defines the input parameters for memory_update.
type MemoryUpdateInput struct {
	ID      string `json:"id" jsonschema:"description=The id of the memory to update"`
	Content string `json:"content" jsonschema:"description=The replacement content"`
}

func (t *MemoryUpdateTool) Name() string { return "memory_update" }

func (t *MemoryUpdateTool) Description() string {
	return "Replace the content of an existing memory. Get the id from memory_retrieve."
}

func (t *MemoryUpdateTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[MemoryUpdateInput]()
}

func (t *MemoryUpdateTool) ValidateInput(_ tooltypes.State, parameters string) error {
	var input MemoryUpdateInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return errors.Wrap(err, "invalid input")
	}
	if input.ID == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(input.Content) == "" {
		return errors.New("content is required")
	}
	return nil
}

func (t *MemoryUpdateTool) Execute(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input MemoryUpdateInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	if err := t.store.UpdateMemory(ctx, state.UserID(), input.ID, input.Content, t.budget); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	return tooltypes.ToolResult{Result: "memory updated"}
}

// MemoryDeleteTool removes a memory.
type MemoryDeleteTool struct {
	store *store.Store
}

// MemoryDeleteInput defines the input parameters for memory_delete.
type MemoryDeleteInput struct {
	ID string `json:"id" jsonschema:"description=The id of the memory to delete"`
}

func (t *MemoryDeleteTool) Name() string { return "memory_delete" }

func (t *MemoryDeleteTool) Description() string {
	return "Forget a memory about this user. Get the id from memory_retrieve."
}

func (t *MemoryDeleteTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[MemoryDeleteInput]()
}

func (t *MemoryDeleteTool) ValidateInput(_ tooltypes.State, parameters string) error {
	var input MemoryDeleteInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return errors.Wrap(err, "invalid input")
	}
	if input.ID == "" {
		return errors.New("id is required")
	}
	return nil
}

func (t *MemoryDeleteTool) Execute(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input MemoryDeleteInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	if err := t.store.DeleteMemory(ctx, state.UserID(), input.ID); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	return tooltypes.ToolResult{Result: "memory deleted"}
}
