// Package pricing computes request cost from token counts and model-keyed
// pricing stored in the settings table. Pricing tables are cached in memory
// for 60 seconds; stale reads within the TTL are acceptable.
package pricing

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/logger"
	"github.com/switchboard-dev/switchboard/pkg/store"
	"github.com/switchboard-dev/switchboard/pkg/types/chat"
)

const cacheTTL = 60 * time.Second

// ModelPrice is the per-million-token pricing for one model pattern.
type ModelPrice struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// ProviderPricing is the settings-table payload for one provider family:
// model patterns to prices plus the cache multipliers.
type ProviderPricing struct {
	Models          map[string]ModelPrice `json:"models"`
	ReadMultiplier  float64               `json:"read_multiplier"`
	WriteMultiplier float64               `json:"write_multiplier"`
	// InputIncludesCacheReads marks families (Anthropic-style) whose reported
	// input token count already contains the cache-read tokens.
	InputIncludesCacheReads bool `json:"input_includes_cache_reads"`
}

// defaultPricing seeds the engine when the settings table has no entry.
var defaultPricing = map[string]ProviderPricing{
	"anthropic": {
		Models: map[string]ModelPrice{
			"claude-opus":   {Input: 15, Output: 75},
			"claude-sonnet": {Input: 3, Output: 15},
			"claude-haiku":  {Input: 0.8, Output: 4},
			"default":       {Input: 3, Output: 15},
		},
		ReadMultiplier:          0.1,
		WriteMultiplier:         1.25,
		InputIncludesCacheReads: true,
	},
	"openai": {
		Models: map[string]ModelPrice{
			"gpt-5-mini": {Input: 0.25, Output: 2},
			"gpt-5-nano": {Input: 0.05, Output: 0.4},
			"gpt-5":      {Input: 1.25, Output: 10},
			"gpt-4o":     {Input: 2.5, Output: 10},
			"o3":         {Input: 2, Output: 8},
			"default":    {Input: 1.25, Output: 10},
		},
		ReadMultiplier:  0.1,
		WriteMultiplier: 0,
	},
	"google": {
		Models: map[string]ModelPrice{
			"gemini-2.5-pro":   {Input: 1.25, Output: 10},
			"gemini-2.5-flash": {Input: 0.3, Output: 2.5},
			"default":          {Input: 1.25, Output: 10},
		},
		ReadMultiplier:  0.25,
		WriteMultiplier: 0,
	},
}

// Engine resolves pricing and computes cost.
type Engine struct {
	store *store.Store

	mu        sync.RWMutex
	cache     map[string]ProviderPricing
	fetchedAt time.Time
}

// NewEngine creates a cost engine backed by the settings table.
func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s, cache: map[string]ProviderPricing{}}
}

// InferProvider determines the provider family from an explicit hint or from
// the model string. A model containing a colon is a local model (no charge).
func InferProvider(model, hint string) string {
	if hint != "" {
		return strings.ToLower(hint)
	}
	if strings.Contains(model, ":") {
		return "local"
	}
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return "anthropic"
	case strings.HasPrefix(lower, "gemini"):
		return "google"
	case strings.HasPrefix(lower, "gpt"), strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		return "openai"
	default:
		return "openai"
	}
}

// Cost computes the USD cost for one request's aggregate usage.
func (e *Engine) Cost(ctx context.Context, model string, usage chat.Usage, providerHint string) float64 {
	provider := InferProvider(model, providerHint)
	if provider == "local" {
		return 0
	}

	pp, ok := e.pricing(ctx, provider)
	if !ok {
		logger.G(ctx).WithField("provider", provider).Warn("no pricing configured, cost recorded as 0")
		return 0
	}

	price := lookupModelPrice(pp.Models, model)

	regularInput := usage.InputTokens
	if pp.InputIncludesCacheReads {
		// Cache reads are already billed inside the input field for this
		// family; bill them separately at the read multiplier.
		regularInput -= usage.CacheReadTokens
		if regularInput < 0 {
			regularInput = 0
		}
	}

	perTokIn := price.Input / 1e6
	perTokOut := price.Output / 1e6

	cost := float64(regularInput)*perTokIn +
		float64(usage.OutputTokens)*perTokOut +
		float64(usage.CacheReadTokens)*perTokIn*pp.ReadMultiplier +
		float64(usage.CacheWriteTokens)*perTokIn*pp.WriteMultiplier
	return cost
}

// lookupModelPrice matches the model string against the configured patterns,
// longest pattern first, with "default" as fallback.
func lookupModelPrice(models map[string]ModelPrice, model string) ModelPrice {
	patterns := make([]string, 0, len(models))
	for p := range models {
		if p != "default" {
			patterns = append(patterns, p)
		}
	}
	sort.Slice(patterns, func(i, j int) bool { return len(patterns[i]) > len(patterns[j]) })

	lower := strings.ToLower(model)
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return models[p]
		}
	}
	return models["default"]
}

// pricing returns the pricing table for a provider, refreshing the cache
// when it is older than the TTL.
func (e *Engine) pricing(ctx context.Context, provider string) (ProviderPricing, bool) {
	e.mu.RLock()
	if time.Since(e.fetchedAt) < cacheTTL {
		pp, ok := e.cache[provider]
		e.mu.RUnlock()
		return pp, ok
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if time.Since(e.fetchedAt) < cacheTTL {
		pp, ok := e.cache[provider]
		return pp, ok
	}

	e.cache = e.load(ctx)
	e.fetchedAt = time.Now()
	pp, ok := e.cache[provider]
	return pp, ok
}

func (e *Engine) load(ctx context.Context) map[string]ProviderPricing {
	out := make(map[string]ProviderPricing, len(defaultPricing))
	for provider, def := range defaultPricing {
		out[provider] = def
		if e.store == nil {
			continue
		}
		raw, err := e.store.GetSetting(ctx, "pricing."+provider)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			logger.G(ctx).WithError(err).WithField("provider", provider).Warn("failed to load pricing setting")
			continue
		}
		var pp ProviderPricing
		if err := json.Unmarshal([]byte(raw), &pp); err != nil {
			logger.G(ctx).WithError(err).WithField("provider", provider).Warn("invalid pricing setting, using defaults")
			continue
		}
		if pp.Models == nil {
			pp.Models = def.Models
		}
		if _, ok := pp.Models["default"]; !ok {
			pp.Models["default"] = def.Models["default"]
		}
		out[provider] = pp
	}
	return out
}
