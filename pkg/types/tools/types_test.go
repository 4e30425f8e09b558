package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssistantFacing(t *testing.T) {
	ok := ToolResult{Result: "3 results"}
	assert.Equal(t, "<result>\n3 results\n</result>\n", ok.AssistantFacing())
	assert.False(t, ok.IsError())

	failed := ToolResult{Error: "query is required"}
	assert.Equal(t, "<error>\nquery is required\n</error>\n", failed.AssistantFacing())
	assert.True(t, failed.IsError())

	empty := ToolResult{}
	assert.Contains(t, empty.AssistantFacing(), "(no output)")
}
