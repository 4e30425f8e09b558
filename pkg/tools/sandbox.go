package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/sandbox"
	tooltypes "github.com/switchboard-dev/switchboard/pkg/types/tools"
)

// maxCapturedOutput bounds the stdout/stderr text handed back to the model.
const maxCapturedOutput = 16 * 1024

// SandboxExecuteTool runs a shell command inside the conversation's
// container.
type SandboxExecuteTool struct {
	manager *sandbox.Manager
}

// SandboxExecuteInput defines the input parameters for sandbox_execute.
type SandboxExecuteInput struct {
	Command string `json:"command" jsonschema:"description=The shell command to run"`
	Workdir string `json:"workdir,omitempty" jsonschema:"description=Working directory inside the container, default /workspace"`
}

func (t *SandboxExecuteTool) Name() string { return "sandbox_execute" }

func (t *SandboxExecuteTool) Description() string {
	return `Run a shell command in an isolated Linux container dedicated to this conversation.

The container has python3 available, 1 GiB of memory, 2 CPUs and a 5 minute per-command limit. Only /workspace is writable and persists between commands; everything written there is downloadable by the user.`
}

func (t *SandboxExecuteTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[SandboxExecuteInput]()
}

func (t *SandboxExecuteTool) ValidateInput(_ tooltypes.State, parameters string) error {
	var input SandboxExecuteInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return errors.Wrap(err, "invalid input")
	}
	if strings.TrimSpace(input.Command) == "" {
		return errors.New("command is required")
	}
	return nil
}

func (t *SandboxExecuteTool) Execute(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input SandboxExecuteInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}

	state.EmitStatus("Running command…", false)
	res, err := t.manager.Exec(ctx, state.ConversationID(), state.UserID(), input.Command, input.Workdir,
		state.EmitOutput, state.EmitOutput)
	if err != nil {
		state.EmitStatus("Command failed", true)
		return tooltypes.ToolResult{Error: errors.Wrap(err, "sandbox execution failed").Error()}
	}
	state.EmitStatus("Command finished", true)

	var sb strings.Builder
	fmt.Fprintf(&sb, "exit code: %d\n", res.ExitCode)
	if res.Stdout != "" {
		fmt.Fprintf(&sb, "stdout:\n%s\n", truncateOutput(res.Stdout))
	}
	if res.Stderr != "" {
		fmt.Fprintf(&sb, "stderr:\n%s\n", truncateOutput(res.Stderr))
	}

	if res.ExitCode != 0 || res.OOMKilled || res.TimedOut {
		return tooltypes.ToolResult{Error: res.Describe() + "\n" + sb.String()}
	}
	return tooltypes.ToolResult{Result: sb.String()}
}

func truncateOutput(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput] + "\n... (output truncated)"
}

// SandboxWriteFileTool writes a file into the conversation volume.
type SandboxWriteFileTool struct {
	manager *sandbox.Manager
}

// SandboxWriteFileInput defines the input parameters for sandbox_write_file.
type SandboxWriteFileInput struct {
	Path    string `json:"path" jsonschema:"description=Destination path, e.g. /workspace/script.py"`
	Content string `json:"content" jsonschema:"description=The full file content"`
}

func (t *SandboxWriteFileTool) Name() string { return "sandbox_write_file" }

func (t *SandboxWriteFileTool) Description() string {
	return "Write a file into the sandbox workspace. Overwrites an existing file at the same path."
}

func (t *SandboxWriteFileTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[SandboxWriteFileInput]()
}

func (t *SandboxWriteFileTool) ValidateInput(_ tooltypes.State, parameters string) error {
	var input SandboxWriteFileInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return errors.Wrap(err, "invalid input")
	}
	if input.Path == "" {
		return errors.New("path is required")
	}
	return nil
}

func (t *SandboxWriteFileTool) Execute(_ context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input SandboxWriteFileInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	if _, err := t.manager.WriteVolumeFile(state.ConversationID(), state.UserID(), input.Path, input.Content); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(input.Path), "/workspace"), "/")
	return tooltypes.ToolResult{
		Result: fmt.Sprintf("wrote %d bytes to /workspace/%s (download: %s)",
			len(input.Content), rel, state.PublicURL(rel)),
	}
}

// SandboxReadFileTool reads a file from the conversation volume.
type SandboxReadFileTool struct {
	manager *sandbox.Manager
}

// SandboxReadFileInput defines the input parameters for sandbox_read_file.
type SandboxReadFileInput struct {
	Path string `json:"path" jsonschema:"description=Path to read, e.g. /workspace/out.csv"`
}

func (t *SandboxReadFileTool) Name() string { return "sandbox_read_file" }

func (t *SandboxReadFileTool) Description() string {
	return "Read a file from the sandbox workspace."
}

func (t *SandboxReadFileTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[SandboxReadFileInput]()
}

func (t *SandboxReadFileTool) ValidateInput(_ tooltypes.State, parameters string) error {
	var input SandboxReadFileInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return errors.Wrap(err, "invalid input")
	}
	if input.Path == "" {
		return errors.New("path is required")
	}
	return nil
}

func (t *SandboxReadFileTool) Execute(_ context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input SandboxReadFileInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	content, err := t.manager.ReadVolumeFile(state.ConversationID(), state.UserID(), input.Path)
	if err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	return tooltypes.ToolResult{Result: truncateOutput(content)}
}

// SandboxListFilesTool lists the conversation volume.
type SandboxListFilesTool struct {
	manager *sandbox.Manager
}

// SandboxListFilesInput defines the input parameters for sandbox_list_files.
type SandboxListFilesInput struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to list, default /workspace"`
}

func (t *SandboxListFilesTool) Name() string { return "sandbox_list_files" }

func (t *SandboxListFilesTool) Description() string {
	return "List files in the sandbox workspace recursively."
}

func (t *SandboxListFilesTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[SandboxListFilesInput]()
}

func (t *SandboxListFilesTool) ValidateInput(_ tooltypes.State, parameters string) error {
	var input SandboxListFilesInput
	return errors.Wrap(json.Unmarshal([]byte(parameters), &input), "invalid input")
}

func (t *SandboxListFilesTool) Execute(_ context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input SandboxListFilesInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	entries, err := t.manager.ListVolumeFiles(state.ConversationID(), state.UserID(), input.Path)
	if err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	if len(entries) == 0 {
		return tooltypes.ToolResult{Result: "the workspace is empty"}
	}
	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&sb, "%s/\n", e.Path)
		} else {
			fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Path, e.Size)
		}
	}
	return tooltypes.ToolResult{Result: sb.String()}
}

// SandboxDiffEditTool applies a literal search-and-replace to a volume file.
type SandboxDiffEditTool struct {
	manager *sandbox.Manager
}

// SandboxDiffEditInput defines the input parameters for sandbox_diff_edit.
type SandboxDiffEditInput struct {
	Path    string `json:"path" jsonschema:"description=File to edit, e.g. /workspace/script.py"`
	Search  string `json:"search" jsonschema:"description=Exact text to find, including whitespace"`
	Replace string `json:"replace" jsonschema:"description=Replacement text"`
	Global  bool   `json:"global,omitempty" jsonschema:"description=Replace every occurrence instead of just the first"`
}

func (t *SandboxDiffEditTool) Name() string { return "sandbox_diff_edit" }

func (t *SandboxDiffEditTool) Description() string {
	return "Edit a workspace file by literal search and replace. The search text must match exactly, including whitespace. Cheaper than rewriting the whole file with sandbox_write_file."
}

func (t *SandboxDiffEditTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[SandboxDiffEditInput]()
}

func (t *SandboxDiffEditTool) ValidateInput(_ tooltypes.State, parameters string) error {
	var input SandboxDiffEditInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return errors.Wrap(err, "invalid input")
	}
	if input.Path == "" {
		return errors.New("path is required")
	}
	if input.Search == "" {
		return errors.New("search is required")
	}
	return nil
}

func (t *SandboxDiffEditTool) Execute(_ context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input SandboxDiffEditInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	count, err := t.manager.DiffEdit(state.ConversationID(), state.UserID(),
		input.Path, input.Search, input.Replace, input.Global)
	if err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	return tooltypes.ToolResult{Result: fmt.Sprintf("replaced %d occurrence(s) in %s", count, input.Path)}
}

// SandboxStatsTool reports the container state for this conversation.
type SandboxStatsTool struct {
	manager *sandbox.Manager
}

// SandboxStatsInput defines the input parameters for sandbox_stats.
type SandboxStatsInput struct{}

func (t *SandboxStatsTool) Name() string { return "sandbox_stats" }

func (t *SandboxStatsTool) Description() string {
	return "Report the sandbox container status for this conversation."
}

func (t *SandboxStatsTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[SandboxStatsInput]()
}

func (t *SandboxStatsTool) ValidateInput(_ tooltypes.State, _ string) error { return nil }

func (t *SandboxStatsTool) Execute(ctx context.Context, state tooltypes.State, _ string) tooltypes.ToolResult {
	stats, err := t.manager.ContainerStats(ctx, state.ConversationID())
	if err != nil {
		return tooltypes.ToolResult{Result: "no sandbox container is running for this conversation"}
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}
	return tooltypes.ToolResult{Result: string(out)}
}
