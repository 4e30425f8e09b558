package compact

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-dev/switchboard/pkg/store"
	"github.com/switchboard-dev/switchboard/pkg/types/chat"
	llmtypes "github.com/switchboard-dev/switchboard/pkg/types/llm"
	tooltypes "github.com/switchboard-dev/switchboard/pkg/types/tools"
)

type fakeSummarizer struct {
	content string
	err     error
	calls   int
}

func (f *fakeSummarizer) ChatCompletion(ctx context.Context, req llmtypes.Request, state tooltypes.State, h llmtypes.Handler) (*llmtypes.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llmtypes.Result{Content: f.content, StopReason: "stop"}, nil
}

func newCompactor(t *testing.T, summarizer llmtypes.Adapter) *Compactor {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &Compactor{
		Store:            s,
		Summarizer:       summarizer,
		Threshold:        2000,
		MaxSummaryTokens: 1024,
		MaxInputTokens:   100_000,
	}
}

// bigConversation builds n user/assistant pairs large enough to blow a
// 2000-token threshold.
func bigConversation(n int) []chat.Message {
	msgs := []chat.Message{chat.NewTextMessage(chat.RoleSystem, "Be helpful.")}
	body := strings.Repeat("lorem ipsum dolor sit amet ", 20)
	for i := 0; i < n; i++ {
		msgs = append(msgs,
			chat.NewTextMessage(chat.RoleUser, body),
			chat.NewTextMessage(chat.RoleAssistant, body),
		)
	}
	return msgs
}

func TestPassThroughUnderThreshold(t *testing.T) {
	fake := &fakeSummarizer{content: "summary"}
	c := newCompactor(t, fake)

	msgs := []chat.Message{
		chat.NewTextMessage(chat.RoleSystem, "Be helpful."),
		chat.NewTextMessage(chat.RoleUser, "hi"),
		chat.NewTextMessage(chat.RoleAssistant, "hello"),
		chat.NewTextMessage(chat.RoleUser, "how are you?"),
	}
	out := c.Compact(context.Background(), "conv-1", msgs, llmtypes.Handler{})

	assert.Equal(t, msgs, out)
	assert.Zero(t, fake.calls)
}

func TestSkipsShortConversations(t *testing.T) {
	fake := &fakeSummarizer{content: "summary"}
	c := newCompactor(t, fake)
	c.Threshold = 1 // force over-threshold

	msgs := []chat.Message{
		chat.NewTextMessage(chat.RoleUser, "hi"),
		chat.NewTextMessage(chat.RoleAssistant, "hello"),
	}
	out := c.Compact(context.Background(), "conv-1", msgs, llmtypes.Handler{})
	assert.Equal(t, msgs, out)
	assert.Zero(t, fake.calls)
}

func TestFirstCompaction(t *testing.T) {
	fake := &fakeSummarizer{content: "they discussed lorem ipsum at length"}
	c := newCompactor(t, fake)
	ctx := context.Background()

	msgs := bigConversation(10)
	out := c.Compact(ctx, "conv-1", msgs, llmtypes.Handler{})

	require.Equal(t, 1, fake.calls)
	// system + summary block + last 2
	require.Len(t, out, 4)
	assert.Equal(t, chat.RoleSystem, out[1].Role)
	assert.Contains(t, out[1].Text(), "[CONVERSATION SUMMARY]")
	assert.Contains(t, out[1].Text(), fake.content)
	assert.Equal(t, msgs[len(msgs)-2:], out[2:])

	sum, err := c.Store.GetSummary(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 18, sum.Watermark) // 20 non-system messages minus the kept tail
}

func TestCheapPathReusesCachedSummary(t *testing.T) {
	fake := &fakeSummarizer{content: "cached"}
	c := newCompactor(t, fake)
	ctx := context.Background()

	msgs := bigConversation(10)
	first := c.Compact(ctx, "conv-1", msgs, llmtypes.Handler{})
	require.Equal(t, 1, fake.calls)

	// identical state again: splice fits, no new summarizer call
	second := c.Compact(ctx, "conv-1", msgs, llmtypes.Handler{})
	assert.Equal(t, 1, fake.calls)
	assert.Equal(t, first, second)

	sum, err := c.Store.GetSummary(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 18, sum.Watermark)
}

func TestResummarizeAdvancesWatermark(t *testing.T) {
	fake := &fakeSummarizer{content: "rolling summary"}
	c := newCompactor(t, fake)
	ctx := context.Background()

	first := bigConversation(10)
	c.Compact(ctx, "conv-1", first, llmtypes.Handler{})
	require.Equal(t, 1, fake.calls)

	// enough new traffic that the splice no longer fits
	grown := bigConversation(25)
	out := c.Compact(ctx, "conv-1", grown, llmtypes.Handler{})
	assert.Equal(t, 2, fake.calls)
	require.Len(t, out, 4)

	sum, err := c.Store.GetSummary(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 48, sum.Watermark)
	assert.Equal(t, 2, sum.CompactionCount)
}

func TestSummarizerFailureFallsBack(t *testing.T) {
	fake := &fakeSummarizer{err: errors.New("upstream down")}
	c := newCompactor(t, fake)
	ctx := context.Background()

	var statuses []chat.Status
	h := llmtypes.Handler{OnStatus: func(s chat.Status) { statuses = append(statuses, s) }}

	msgs := bigConversation(10)
	out := c.Compact(ctx, "conv-1", msgs, h)

	assert.Equal(t, msgs, out)
	require.Len(t, statuses, 2)
	assert.False(t, statuses[0].Done)
	assert.True(t, statuses[1].Done)

	_, err := c.Store.GetSummary(ctx, "conv-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTrimToBudget(t *testing.T) {
	msgs := []chat.Message{
		chat.NewTextMessage(chat.RoleSystem, "system"),
		chat.NewTextMessage(chat.RoleUser, strings.Repeat("a", 4000)),
		chat.NewTextMessage(chat.RoleAssistant, strings.Repeat("b", 4000)),
		chat.NewTextMessage(chat.RoleUser, "latest question"),
	}

	out := TrimToBudget(msgs, 500)
	require.Len(t, out, 2)
	assert.Equal(t, chat.RoleSystem, out[0].Role)
	assert.Equal(t, "latest question", out[1].Text())

	// system and last survive even an impossible budget
	out = TrimToBudget(out, 1)
	require.Len(t, out, 2)
}
