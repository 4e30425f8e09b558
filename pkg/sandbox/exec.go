package sandbox

import (
	"context"
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/logger"
)

// ExecResult is the outcome of one sandbox command.
type ExecResult struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	OOMKilled bool   `json:"oom_killed"`
	TimedOut  bool   `json:"timed_out"`
}

// chunkWriter forwards written chunks to a callback as UTF-8 strings while
// also collecting them.
type chunkWriter struct {
	collected []byte
	emit      func(string)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.collected = append(w.collected, p...)
	if w.emit != nil {
		w.emit(string(p))
	}
	return len(p), nil
}

// Exec runs a command in the conversation's container, streaming stdout and
// stderr chunks through the callbacks. The command is wrapped in a
// kill-after-five-minutes guard; on exit the container state is inspected to
// distinguish OOM kills from timeouts.
func (m *Manager) Exec(ctx context.Context, convID, userID, command, workdir string, onStdout, onStderr func(string)) (*ExecResult, error) {
	containerID, err := m.GetOrCreate(ctx, convID, userID)
	if err != nil {
		return nil, err
	}
	m.Touch(convID)

	if workdir == "" {
		workdir = "/workspace"
	}

	timeoutSecs := strconv.Itoa(int(execTimeout.Seconds()))
	execCfg := container.ExecOptions{
		Cmd:          []string{"timeout", "-k", "10", timeoutSecs, "sh", "-c", command},
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := m.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create exec")
	}

	attach, err := m.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to attach exec")
	}
	defer attach.Close()

	stdout := &chunkWriter{emit: onStdout}
	stderr := &chunkWriter{emit: onStderr}
	if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil {
		logger.G(ctx).WithError(err).Warn("exec stream ended with error")
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to inspect exec")
	}

	oomKilled := false
	if state, err := m.cli.ContainerInspect(ctx, containerID); err == nil && state.State != nil {
		oomKilled = state.State.OOMKilled
	}

	m.Touch(convID)

	result := &ExecResult{
		Stdout:    string(stdout.collected),
		Stderr:    string(stderr.collected),
		ExitCode:  inspect.ExitCode,
		OOMKilled: oomKilled,
	}
	result.TimedOut = classifyTimeout(result.ExitCode, oomKilled)
	return result, nil
}

// classifyTimeout reports whether the exit looks like the timeout guard
// fired: the wrapper exits 124 on TERM or 137 on the follow-up KILL, and the
// container is not flagged OOM.
func classifyTimeout(exitCode int, oomKilled bool) bool {
	if oomKilled {
		return false
	}
	return exitCode == 124 || exitCode == 137
}

// Describe renders a result classification for the model-facing tool output.
func (r *ExecResult) Describe() string {
	switch {
	case r.OOMKilled:
		return "PROCESS KILLED: OUT OF MEMORY. The sandbox has a 1 GiB memory cap. Process large data in smaller chunks or stream it instead of loading everything at once."
	case r.TimedOut:
		return fmt.Sprintf("PROCESS KILLED: TIMEOUT after %s. Break long-running work into smaller steps.", execTimeout)
	case r.ExitCode != 0:
		return fmt.Sprintf("exit code %d", r.ExitCode)
	default:
		return "ok"
	}
}
