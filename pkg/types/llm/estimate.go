package llm

import (
	"math"

	"github.com/switchboard-dev/switchboard/pkg/types/chat"
)

// Fast token approximation used for budgeting, never for billing.
const (
	charsPerToken       = 3.2
	imageTokens         = 500
	toolDefTokens       = 350
	messageTokenOverhead = 15
)

// EstimateText approximates the token count of a text snippet.
func EstimateText(s string) int {
	if s == "" {
		return 0
	}
	return int(math.Ceil(float64(len(s)) / charsPerToken))
}

// EstimateMessage approximates the token footprint of one message.
func EstimateMessage(m chat.Message) int {
	total := messageTokenOverhead
	for _, b := range m.Blocks {
		switch b.Type {
		case chat.BlockText:
			total += EstimateText(b.Text)
		case chat.BlockImage:
			total += imageTokens
		case chat.BlockToolUse:
			if b.ToolUse != nil {
				total += EstimateText(b.ToolUse.Name) + EstimateText(string(b.ToolUse.Arguments))
			}
		case chat.BlockToolResult:
			if b.ToolResult != nil {
				total += EstimateText(b.ToolResult.Payload)
			}
		}
	}
	return total
}

// EstimateMessages approximates the token footprint of a transcript.
func EstimateMessages(msgs []chat.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

// EstimateRequest approximates the full request footprint including tool
// definitions.
func EstimateRequest(msgs []chat.Message, toolCount int) int {
	return EstimateMessages(msgs) + toolCount*toolDefTokens
}
