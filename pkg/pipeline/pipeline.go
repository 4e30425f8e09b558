// Package pipeline runs one chat turn end to end: allow-list check, image
// normalization, message guards, system prompt assembly, compaction, hard
// trim, adapter dispatch, and metrics recording.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/compact"
	"github.com/switchboard-dev/switchboard/pkg/config"
	"github.com/switchboard-dev/switchboard/pkg/imagegen"
	"github.com/switchboard-dev/switchboard/pkg/llm"
	"github.com/switchboard-dev/switchboard/pkg/logger"
	"github.com/switchboard-dev/switchboard/pkg/pricing"
	"github.com/switchboard-dev/switchboard/pkg/recall"
	"github.com/switchboard-dev/switchboard/pkg/sandbox"
	"github.com/switchboard-dev/switchboard/pkg/store"
	"github.com/switchboard-dev/switchboard/pkg/sysprompt"
	"github.com/switchboard-dev/switchboard/pkg/tools"
	"github.com/switchboard-dev/switchboard/pkg/types/chat"
	llmtypes "github.com/switchboard-dev/switchboard/pkg/types/llm"
	tooltypes "github.com/switchboard-dev/switchboard/pkg/types/tools"
	"github.com/switchboard-dev/switchboard/pkg/websearch"
)

// Turn is one parsed chat request.
type Turn struct {
	ConversationID string
	UserID         string
	Instance       string
	Messages       []chat.Message

	LLM      llmtypes.Config
	Features map[string]bool

	CustomSystemPrompt string

	EnableCompaction bool
	Compaction       llmtypes.Config

	WebSearchKey string
	WebSearchURL string

	ImageKey   string
	ImageURL   string
	ImageModel string

	RecallInstanceID string

	// PublicBaseURL overrides the configured public domain for volume
	// links minted during this turn.
	PublicBaseURL string
}

// Result is the outcome of one completed turn.
type Result struct {
	RequestID  string
	Content    string
	StopReason string
	Usage      chat.Usage
	Cost       float64
	Iterations int
}

// Pipeline wires the per-request services around the provider adapters.
type Pipeline struct {
	Store   *store.Store
	Pricing *pricing.Engine
	Sandbox *sandbox.Manager
	Recall  *recall.Service
	Config  *config.Config

	// NewAdapter is swappable for tests; defaults to llm.NewAdapter.
	NewAdapter func(ctx context.Context, cfg llmtypes.Config, executor llmtypes.ToolExecutor) (llmtypes.Adapter, error)
}

func (p *Pipeline) newAdapter(ctx context.Context, cfg llmtypes.Config, executor llmtypes.ToolExecutor) (llmtypes.Adapter, error) {
	if p.NewAdapter != nil {
		return p.NewAdapter(ctx, cfg, executor)
	}
	return llm.NewAdapter(ctx, cfg, executor)
}

// VolumeURL returns the public URL of a conversation volume path. An empty
// domain falls back to the configured public domain.
func (p *Pipeline) VolumeURL(domain, userID, convID, rel string) string {
	if domain == "" {
		domain = p.Config.PublicDomain
	}
	base := fmt.Sprintf("%s/%s/%s/volume",
		strings.TrimRight(domain, "/"),
		sandbox.Sanitize(userID), sandbox.Sanitize(convID))
	if rel == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(rel, "/")
}

// Run executes the turn. Provider and tool failures surface through the
// returned error; the request row is recorded either way.
func (p *Pipeline) Run(ctx context.Context, turn *Turn, h llmtypes.Handler) (*Result, error) {
	start := time.Now()
	provider := pricing.InferProvider(turn.LLM.Model, turn.LLM.Provider)

	requestID := uuid.NewString()
	if err := p.Store.InsertRequest(ctx, &store.Request{
		ID:             requestID,
		ConversationID: turn.ConversationID,
		UserID:         turn.UserID,
		InstanceID:     turn.Instance,
		Provider:       provider,
		Model:          turn.LLM.Model,
		Status:         store.RequestFailed,
	}); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to record request, continuing")
	}

	volume, err := p.Sandbox.VolumePath(turn.ConversationID, turn.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare conversation volume")
	}
	publicURL := func(rel string) string {
		return p.VolumeURL(turn.PublicBaseURL, turn.UserID, turn.ConversationID, rel)
	}

	normalizer := &ImageNormalizer{Volume: volume, PublicURL: publicURL}
	msgs, cleanup := normalizer.Normalize(ctx, turn.Messages)
	defer cleanup()

	msgs = GuardUserMessages(msgs, p.Config.MaxUserMessageTokens)
	msgs = p.applySystemPrompt(ctx, turn, msgs)

	toolset, executor := p.buildTools(turn)

	if turn.EnableCompaction {
		msgs = p.compact(ctx, turn, msgs, h)
	}
	msgs = compact.TrimToBudget(msgs, p.Config.MaxInputTokens)

	adapter, err := p.newAdapter(ctx, turn.LLM, executor)
	if err != nil {
		p.complete(ctx, requestID, turn, chat.Usage{}, store.RequestFailed, start)
		return nil, err
	}

	p.persistMessages(ctx, requestID, msgs)

	result, err := adapter.ChatCompletion(ctx, llmtypes.Request{Messages: msgs, Tools: toolset}, executorState(turn, requestID, volume, publicURL, h), h)
	if err != nil {
		p.complete(ctx, requestID, turn, chat.Usage{}, store.RequestFailed, start)
		return nil, err
	}

	p.persistAssistant(ctx, requestID, result.Content)
	cost := p.complete(ctx, requestID, turn, result.Usage, store.RequestCompleted, start)

	return &Result{
		RequestID:  requestID,
		Content:    result.Content,
		StopReason: result.StopReason,
		Usage:      result.Usage,
		Cost:       cost,
		Iterations: result.Iterations,
	}, nil
}

func (p *Pipeline) applySystemPrompt(ctx context.Context, turn *Turn, msgs []chat.Message) []chat.Message {
	params := sysprompt.Params{
		CustomPrompt:   turn.CustomSystemPrompt,
		SandboxEnabled: turn.Features["sandbox_execute"],
		VolumeBaseURL:  p.VolumeURL(turn.PublicBaseURL, turn.UserID, turn.ConversationID, ""),
	}
	if turn.Features["memory"] {
		memories, err := p.Store.ListMemories(ctx, turn.UserID)
		if err != nil {
			logger.G(ctx).WithError(err).Warn("failed to load user memories")
		}
		for _, m := range memories {
			params.Memories = append(params.Memories, m.Content)
		}
	}
	return sysprompt.Apply(msgs, params)
}

func (p *Pipeline) buildTools(turn *Turn) ([]tooltypes.Tool, *tools.Executor) {
	svc := tools.Services{
		Store:            p.Store,
		Sandbox:          p.Sandbox,
		Recall:           p.Recall,
		RecallInstanceID: turn.RecallInstanceID,
		MaxMemoryChars:   p.Config.MaxMemoryChars,
	}
	if turn.WebSearchKey != "" {
		svc.Web = websearch.NewClient(turn.WebSearchKey, turn.WebSearchURL)
	}
	if turn.ImageKey != "" || turn.ImageURL != "" {
		svc.Images = imagegen.NewBackend(turn.ImageKey, turn.ImageURL, turn.ImageModel)
	}
	toolset := tools.Registry(turn.Features, svc)
	return toolset, tools.NewExecutor(toolset, p.Store)
}

func executorState(turn *Turn, requestID, volume string, publicURL func(string) string, h llmtypes.Handler) *tools.RunState {
	return &tools.RunState{
		Conversation: turn.ConversationID,
		User:         turn.UserID,
		Request:      requestID,
		Volume:       func() (string, error) { return volume, nil },
		URL:          publicURL,
		OnOutput:     func(chunk string) { h.ToolOutput(chunk) },
		OnStatus:     func(desc string, done bool) { h.Status(desc, done) },
	}
}

func (p *Pipeline) compact(ctx context.Context, turn *Turn, msgs []chat.Message, h llmtypes.Handler) []chat.Message {
	cfg := turn.Compaction
	if cfg.Model == "" {
		return msgs
	}
	summarizer, err := p.newAdapter(ctx, cfg, nil)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to build compaction adapter, skipping compaction")
		return msgs
	}
	c := &compact.Compactor{
		Store:            p.Store,
		Summarizer:       summarizer,
		Threshold:        p.Config.CompactionThreshold,
		MaxSummaryTokens: p.Config.CompactionMaxSummaryTokens,
		MaxInputTokens:   p.Config.MaxInputTokens,
	}
	return c.Compact(ctx, turn.ConversationID, msgs, h)
}

// GuardUserMessages replaces oversized user text with a short notice. The
// caller re-sends full history every turn, so the guard applies everywhere.
func GuardUserMessages(msgs []chat.Message, maxTokens int) []chat.Message {
	if maxTokens <= 0 {
		return msgs
	}
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	for i, m := range out {
		if m.Role != chat.RoleUser {
			continue
		}
		if llmtypes.EstimateText(m.Text()) <= maxTokens {
			continue
		}
		var kept []chat.Block
		for _, b := range m.Blocks {
			if b.Type != chat.BlockText {
				kept = append(kept, b)
			}
		}
		kept = append(kept, chat.Block{
			Type: chat.BlockText,
			Text: fmt.Sprintf("[A user message of roughly %d tokens was omitted because it exceeds the %d token limit. Ask the user to provide the content as a file instead.]",
				llmtypes.EstimateText(m.Text()), maxTokens),
		})
		out[i].Blocks = kept
	}
	return out
}

func (p *Pipeline) persistMessages(ctx context.Context, requestID string, msgs []chat.Message) {
	for _, m := range msgs {
		if err := p.Store.AddRequestMessage(ctx, requestID, m.Role, m.Text()); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to persist request message")
			return
		}
	}
}

func (p *Pipeline) persistAssistant(ctx context.Context, requestID, content string) {
	if content == "" {
		return
	}
	if err := p.Store.AddRequestMessage(ctx, requestID, chat.RoleAssistant, content); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to persist assistant message")
	}
}

func (p *Pipeline) complete(ctx context.Context, requestID string, turn *Turn, usage chat.Usage, status string, start time.Time) float64 {
	cost := p.Pricing.Cost(ctx, turn.LLM.Model, usage, turn.LLM.Provider)
	if err := p.Store.CompleteRequest(ctx, requestID, usage, cost, status, time.Since(start)); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to finalize request row")
	}
	return cost
}
