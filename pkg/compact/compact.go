// Package compact keeps long conversations under the context budget by
// replacing older messages with a rolling LLM-generated summary. Summaries
// are cached per conversation with a watermark counting the non-system
// messages already covered, so most turns reuse the cache without a model
// call.
package compact

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/logger"
	"github.com/switchboard-dev/switchboard/pkg/store"
	"github.com/switchboard-dev/switchboard/pkg/types/chat"
	llmtypes "github.com/switchboard-dev/switchboard/pkg/types/llm"
)

const (
	// keepTail is the number of trailing conversation messages that are
	// never summarized away.
	keepTail = 2

	summaryOpen  = "[CONVERSATION SUMMARY]"
	summaryClose = "[/CONVERSATION SUMMARY]"

	summarizerInstructions = "You compress conversation transcripts. Produce a dense third-person " +
		"summary that preserves facts, decisions, names, numbers, file paths and open questions. " +
		"Output only the summary text."
)

// Compactor performs rolling summarization for one request. The summarizer
// adapter is expected to point at a cheap model.
type Compactor struct {
	Store      *store.Store
	Summarizer llmtypes.Adapter

	// Threshold is the estimated-token count above which compaction kicks in.
	Threshold int
	// MaxSummaryTokens bounds the summarizer's output.
	MaxSummaryTokens int
	// MaxInputTokens bounds the summarizer's own input.
	MaxInputTokens int
}

// Compact returns the transcript to send to the provider. It never fails the
// request: when the summarizer errors the original transcript is returned
// and the caller proceeds uncompacted.
func (c *Compactor) Compact(ctx context.Context, conversationID string, msgs []chat.Message, h llmtypes.Handler) []chat.Message {
	systems, convo := splitSystem(msgs)
	if len(convo) <= keepTail {
		return msgs
	}

	prior, err := c.Store.GetSummary(ctx, conversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.G(ctx).WithError(err).Warn("failed to load conversation summary, skipping compaction")
		return msgs
	}

	if prior == nil {
		if llmtypes.EstimateMessages(msgs) <= c.Threshold {
			return msgs
		}
		head, tail := convo[:len(convo)-keepTail], convo[len(convo)-keepTail:]
		summary, err := c.summarize(ctx, "", head, h)
		if err != nil {
			logger.G(ctx).WithError(err).Warn("summarizer failed, proceeding uncompacted")
			return msgs
		}
		c.persist(ctx, conversationID, summary, len(convo)-keepTail)
		return assemble(systems, summary, tail)
	}

	// Splice the cached summary with everything past the watermark. When the
	// splice fits this turn costs no summarizer call.
	since := convo[min(prior.Watermark, len(convo)):]
	spliced := assemble(systems, prior.Summary, since)
	if llmtypes.EstimateMessages(spliced) <= c.Threshold || len(since) <= keepTail {
		return spliced
	}

	head, tail := since[:len(since)-keepTail], since[len(since)-keepTail:]
	summary, err := c.summarize(ctx, prior.Summary, head, h)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("summarizer failed, proceeding uncompacted")
		return msgs
	}
	c.persist(ctx, conversationID, summary, len(convo)-keepTail)
	return assemble(systems, summary, tail)
}

func (c *Compactor) persist(ctx context.Context, conversationID, summary string, watermark int) {
	if err := c.Store.UpsertSummary(ctx, conversationID, summary, watermark); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to persist conversation summary")
	}
}

// summarize runs the cheap model over the prior summary plus the messages to
// fold in, bracketed by status events so the client sees why the turn
// stalls.
func (c *Compactor) summarize(ctx context.Context, priorSummary string, head []chat.Message, h llmtypes.Handler) (string, error) {
	h.Status("Compacting conversation…", false)
	defer h.Status("Compacting conversation…", true)

	prompt := []chat.Message{
		chat.NewTextMessage(chat.RoleSystem, summarizerInstructions),
		chat.NewTextMessage(chat.RoleUser, renderTranscript(priorSummary, head)),
	}
	prompt = TrimToBudget(prompt, c.MaxInputTokens)

	result, err := c.Summarizer.ChatCompletion(ctx, llmtypes.Request{Messages: prompt}, nil, llmtypes.Handler{})
	if err != nil {
		return "", errors.Wrap(err, "summarizer call failed")
	}
	if strings.TrimSpace(result.Content) == "" {
		return "", errors.New("summarizer returned an empty summary")
	}
	return strings.TrimSpace(result.Content), nil
}

// renderTranscript flattens the messages to fold into plain text for the
// summarizer, folding any prior summary in first.
func renderTranscript(priorSummary string, msgs []chat.Message) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation.\n\n")
	if priorSummary != "" {
		sb.WriteString("Summary of the conversation so far:\n")
		sb.WriteString(priorSummary)
		sb.WriteString("\n\nContinued transcript:\n")
	}
	for _, m := range msgs {
		text := m.Text()
		if text == "" {
			if m.HasImages() {
				text = "(image)"
			} else {
				continue
			}
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, text)
	}
	return sb.String()
}

// assemble rebuilds the transcript: system messages, then the summary as a
// system-role block, then the kept tail.
func assemble(systems []chat.Message, summary string, tail []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(systems)+1+len(tail))
	out = append(out, systems...)
	out = append(out, chat.NewTextMessage(chat.RoleSystem,
		summaryOpen+"\n"+summary+"\n"+summaryClose))
	return append(out, tail...)
}

func splitSystem(msgs []chat.Message) (systems, convo []chat.Message) {
	for _, m := range msgs {
		if m.Role == chat.RoleSystem {
			systems = append(systems, m)
		} else {
			convo = append(convo, m)
		}
	}
	return systems, convo
}

// TrimToBudget drops the oldest non-system, non-last messages until the
// estimate fits. The last message and every system message survive
// regardless of budget.
func TrimToBudget(msgs []chat.Message, maxTokens int) []chat.Message {
	if maxTokens <= 0 || len(msgs) == 0 {
		return msgs
	}
	out := msgs
	for llmtypes.EstimateMessages(out) > maxTokens {
		idx := -1
		for i, m := range out[:len(out)-1] {
			if m.Role != chat.RoleSystem {
				idx = i
				break
			}
		}
		if idx < 0 {
			return out
		}
		out = append(append([]chat.Message{}, out[:idx]...), out[idx+1:]...)
	}
	return out
}
