package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/recall"
	tooltypes "github.com/switchboard-dev/switchboard/pkg/types/tools"
)

const defaultRecallResults = 5

// FileRecallSearchTool searches the request's file-recall instance.
type FileRecallSearchTool struct {
	service    *recall.Service
	instanceID string
}

// FileRecallSearchInput defines the input parameters for file_recall_search.
type FileRecallSearchInput struct {
	Query      string `json:"query" jsonschema:"description=What to look for in the indexed documents"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Number of passages to return, default 5"`
}

func (t *FileRecallSearchTool) Name() string { return "file_recall_search" }

func (t *FileRecallSearchTool) Description() string {
	return "Search the documents uploaded to this deployment's knowledge base. Returns the most relevant passages with their source filenames."
}

func (t *FileRecallSearchTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[FileRecallSearchInput]()
}

func (t *FileRecallSearchTool) ValidateInput(_ tooltypes.State, parameters string) error {
	var input FileRecallSearchInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return errors.Wrap(err, "invalid input")
	}
	if strings.TrimSpace(input.Query) == "" {
		return errors.New("query is required")
	}
	return nil
}

func (t *FileRecallSearchTool) Execute(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input FileRecallSearchInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	maxResults := input.MaxResults
	if maxResults <= 0 {
		maxResults = defaultRecallResults
	}

	state.EmitStatus("Searching documents…", false)
	hits, err := t.service.Search(ctx, t.instanceID, input.Query, maxResults)
	if err != nil {
		state.EmitStatus("Document search failed", true)
		return tooltypes.ToolResult{Error: errors.Wrap(err, "document search failed").Error()}
	}
	state.EmitStatus(fmt.Sprintf("Found %d passages", len(hits)), true)

	if len(hits) == 0 {
		return tooltypes.ToolResult{Result: "no matching passages found"}
	}
	var sb strings.Builder
	for _, hit := range hits {
		fmt.Fprintf(&sb, "## %s (score %.2f)\n%s\n\n", hit.Filename, hit.Score, hit.Content)
	}
	return tooltypes.ToolResult{Result: strings.TrimSpace(sb.String())}
}
