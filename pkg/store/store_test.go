package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-dev/switchboard/pkg/types/chat"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRequestLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := &Request{
		ID:             "req-1",
		ConversationID: "conv-1",
		UserID:         "user@example.com",
		Provider:       "anthropic",
		Model:          "claude-sonnet-4-5",
	}
	require.NoError(t, s.InsertRequest(ctx, req))

	usage := chat.Usage{InputTokens: 120, OutputTokens: 45, CacheReadTokens: 80, CacheWriteTokens: 10}
	require.NoError(t, s.CompleteRequest(ctx, "req-1", usage, 0.0042, RequestCompleted, 1500*time.Millisecond))

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 120, got.InputTokens)
	assert.Equal(t, 45, got.OutputTokens)
	assert.Equal(t, 80, got.CacheReadTokens)
	assert.Equal(t, 10, got.CacheWriteTokens)
	assert.InDelta(t, 0.0042, got.Cost, 1e-9)
	assert.Equal(t, RequestCompleted, got.Status)
	assert.EqualValues(t, 1500, got.LatencyMS)
}

func TestCompleteRequestMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.CompleteRequest(context.Background(), "nope", chat.Usage{}, 0, RequestFailed, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessagesAndToolCallsCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := &Request{ID: "req-2", ConversationID: "c", Provider: "openai", Model: "gpt-5"}
	require.NoError(t, s.InsertRequest(ctx, req))
	require.NoError(t, s.AddRequestMessage(ctx, "req-2", "user", "hello"))
	require.NoError(t, s.AddRequestMessage(ctx, "req-2", "assistant", "hi"))
	require.NoError(t, s.AddToolCall(ctx, &ToolCall{
		RequestID: "req-2", ToolName: "web_search",
		Parameters: `{"query":"tacos"}`, Result: "3 results", Success: true, DurationMS: 210,
	}))

	msgs, err := s.GetRequestMessages(ctx, "req-2")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)

	calls, err := s.GetToolCalls(ctx, "req-2")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "web_search", calls[0].ToolName)
	assert.True(t, calls[0].Success)

	// Deleting the parent request cascades to messages and tool calls.
	s.mu.Lock()
	_, err = s.db.ExecContext(ctx, `DELETE FROM requests WHERE id = 'req-2'`)
	s.mu.Unlock()
	require.NoError(t, err)

	msgs, err = s.GetRequestMessages(ctx, "req-2")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	calls, err = s.GetToolCalls(ctx, "req-2")
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSetting(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetSetting(ctx, "pricing.anthropic", `{"default":{"input":3,"output":15}}`))
	require.NoError(t, s.SetSetting(ctx, "pricing.anthropic", `{"default":{"input":4,"output":20}}`))

	v, err := s.GetSetting(ctx, "pricing.anthropic")
	require.NoError(t, err)
	assert.Contains(t, v, `"input":4`)
}

func TestMemoryBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const budget = 100

	m1, err := s.CreateMemory(ctx, "u1", "likes tacos and long walks on the beach", budget)
	require.NoError(t, err)

	// Exceeding the budget is rejected with the remaining count.
	long := make([]byte, 80)
	for i := range long {
		long[i] = 'x'
	}
	_, err = s.CreateMemory(ctx, "u1", string(long), budget)
	var budgetErr *BudgetError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, budget-len(m1.Content), budgetErr.Remaining)

	// Another user has an independent budget.
	_, err = s.CreateMemory(ctx, "u2", string(long), budget)
	require.NoError(t, err)

	// Updating within budget is fine; the row being replaced does not count.
	require.NoError(t, s.UpdateMemory(ctx, "u1", m1.ID, "prefers burritos", budget))

	// Ownership check: another user cannot touch the memory.
	assert.ErrorIs(t, s.UpdateMemory(ctx, "u2", m1.ID, "hacked", budget), ErrNotFound)
	assert.ErrorIs(t, s.DeleteMemory(ctx, "u2", m1.ID), ErrNotFound)

	require.NoError(t, s.DeleteMemory(ctx, "u1", m1.ID))
	mems, err := s.ListMemories(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, mems)
}

func TestSummaryWatermarkMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSummary(ctx, "conv")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpsertSummary(ctx, "conv", "first summary", 10))
	require.NoError(t, s.UpsertSummary(ctx, "conv", "second summary", 18))

	// Equal watermark is allowed (idempotent re-compaction).
	require.NoError(t, s.UpsertSummary(ctx, "conv", "second summary", 18))

	// A decreasing watermark is rejected.
	err = s.UpsertSummary(ctx, "conv", "stale", 5)
	require.Error(t, err)

	sum, err := s.GetSummary(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, 18, sum.Watermark)
	assert.Equal(t, "second summary", sum.Summary)
	assert.Equal(t, 3, sum.CompactionCount)
}

func TestRecallDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := &RecallInstance{ID: "acme", Name: "Acme", APIKey: "sk-1", AccessToken: "tok"}
	require.NoError(t, s.CreateRecallInstance(ctx, inst))
	assert.ErrorIs(t, s.CreateRecallInstance(ctx, inst), ErrDuplicate)

	f := &RecallFile{
		ID: "f1", InstanceID: "acme", Filename: "report.pdf",
		StorageName: "abcd1234abcd1234.pdf", SHA256: "deadbeef", Size: 2048,
		MediaType: "application/pdf", Status: RecallReady,
	}
	require.NoError(t, s.InsertRecallFile(ctx, f))

	dup := *f
	dup.ID = "f2"
	assert.ErrorIs(t, s.InsertRecallFile(ctx, &dup), ErrDuplicate)

	got, err := s.GetRecallFileByHash(ctx, "acme", "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "f1", got.ID)

	stats, err := s.GetRecallStats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FileCount)
	assert.EqualValues(t, 2048, stats.TotalBytes)

	// Deleting the instance cascades to files.
	require.NoError(t, s.DeleteRecallInstance(ctx, "acme"))
	_, err = s.GetRecallFileByHash(ctx, "acme", "deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertRequest(ctx, &Request{ID: "old", ConversationID: "c", Provider: "p", Model: "m"}))
	s.mu.Lock()
	_, err := s.db.ExecContext(ctx, `UPDATE requests SET created_at = ? WHERE id = 'old'`,
		time.Now().UTC().AddDate(0, 0, -90))
	s.mu.Unlock()
	require.NoError(t, err)
	require.NoError(t, s.InsertRequest(ctx, &Request{ID: "new", ConversationID: "c", Provider: "p", Model: "m"}))

	deleted, err := s.Purge(ctx, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = s.GetRequest(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRequest(ctx, "new")
	assert.NoError(t, err)
}

func TestReload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetSetting(ctx, "k", "v"))
	require.NoError(t, s.Reload(ctx))
	v, err := s.GetSetting(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}
