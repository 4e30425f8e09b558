// Package llm selects the provider adapter for a request. The adapters
// share the canonical message model and the tool-use loop contract; this
// package only routes between them.
package llm

import (
	"context"

	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/llm/anthropic"
	"github.com/switchboard-dev/switchboard/pkg/llm/google"
	"github.com/switchboard-dev/switchboard/pkg/llm/openai"
	"github.com/switchboard-dev/switchboard/pkg/pricing"
	llmtypes "github.com/switchboard-dev/switchboard/pkg/types/llm"
)

// NewAdapter builds the adapter for the request's provider. An empty
// provider is inferred from the model string; unknown model families route
// through the OpenAI-compatible adapter since that is the wire format
// local gateways speak.
func NewAdapter(ctx context.Context, config llmtypes.Config, executor llmtypes.ToolExecutor) (llmtypes.Adapter, error) {
	provider := pricing.InferProvider(config.Model, config.Provider)
	switch provider {
	case "anthropic":
		return anthropic.New(config, executor), nil
	case "openai", "local":
		return openai.New(config, executor), nil
	case "google":
		return google.New(ctx, config, executor)
	default:
		return nil, errors.Errorf("unsupported provider %q", provider)
	}
}
