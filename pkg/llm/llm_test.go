package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-dev/switchboard/pkg/llm/anthropic"
	"github.com/switchboard-dev/switchboard/pkg/llm/openai"
	llmtypes "github.com/switchboard-dev/switchboard/pkg/types/llm"
)

func TestNewAdapterRouting(t *testing.T) {
	ctx := context.Background()

	a, err := NewAdapter(ctx, llmtypes.Config{Model: "claude-sonnet-4-20250514", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &anthropic.Adapter{}, a)

	a, err = NewAdapter(ctx, llmtypes.Config{Model: "gpt-5-mini", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &openai.Adapter{}, a)

	// explicit provider hint beats model inference
	a, err = NewAdapter(ctx, llmtypes.Config{Provider: "openai", Model: "claude-lookalike", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &openai.Adapter{}, a)

	// local models speak the OpenAI wire format
	a, err = NewAdapter(ctx, llmtypes.Config{Model: "llama3:8b", BaseURL: "http://localhost:11434/v1"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &openai.Adapter{}, a)
}
