// Package sysprompt assembles the system message for a conversation turn:
// operator-configured prompt first, then the caller's own system text, then
// the user's long-term memories and the sandbox download note.
package sysprompt

import (
	"fmt"
	"strings"

	"github.com/switchboard-dev/switchboard/pkg/types/chat"
)

// Params selects which sections are rendered into the system message.
type Params struct {
	// CustomPrompt is prepended ahead of any caller-supplied system text.
	CustomPrompt string

	// Memories is the user's long-term memory contents, oldest first.
	// Rendered only when non-empty.
	Memories []string

	// SandboxEnabled appends the download-URL note for files the model
	// writes under /workspace.
	SandboxEnabled bool

	// VolumeBaseURL is the public URL of the conversation volume, e.g.
	// https://gw.example.com/alice/conv-1/volume.
	VolumeBaseURL string
}

// Apply rewrites the transcript so it carries exactly one leading system
// message built from the params and any caller-supplied system text.
func Apply(msgs []chat.Message, p Params) []chat.Message {
	var callerSystem []string
	rest := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == chat.RoleSystem {
			if t := m.Text(); t != "" {
				callerSystem = append(callerSystem, t)
			}
			continue
		}
		rest = append(rest, m)
	}

	system := Compose(strings.Join(callerSystem, "\n\n"), p)
	if system == "" {
		return rest
	}
	out := make([]chat.Message, 0, len(rest)+1)
	out = append(out, chat.NewTextMessage(chat.RoleSystem, system))
	return append(out, rest...)
}

// Compose renders the system prompt text from the configured sections.
func Compose(callerSystem string, p Params) string {
	var sections []string
	if p.CustomPrompt != "" {
		sections = append(sections, strings.TrimSpace(p.CustomPrompt))
	}
	if callerSystem != "" {
		sections = append(sections, strings.TrimSpace(callerSystem))
	}
	if block := memoriesBlock(p.Memories); block != "" {
		sections = append(sections, block)
	}
	if p.SandboxEnabled {
		sections = append(sections, sandboxNote(p.VolumeBaseURL))
	}
	return strings.Join(sections, "\n\n")
}

func memoriesBlock(memories []string) string {
	var kept []string
	for _, m := range memories {
		if m = strings.TrimSpace(m); m != "" {
			kept = append(kept, "- "+m)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	return "[USER_MEMORIES]\nThings you remember about this user from previous conversations:\n" +
		strings.Join(kept, "\n") + "\n[/USER_MEMORIES]"
}

func sandboxNote(volumeBaseURL string) string {
	note := "Files you create under /workspace in the sandbox persist between commands " +
		"and are downloadable by the user."
	if volumeBaseURL != "" {
		note += fmt.Sprintf(" A file at /workspace/<path> is served at %s/<path>; "+
			"share that URL when the user should download a file.", strings.TrimRight(volumeBaseURL, "/"))
	}
	return note
}
