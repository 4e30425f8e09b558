package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Summary is the rolling compaction summary of one conversation. The
// watermark counts the non-system messages already covered by the summary
// and never decreases.
type Summary struct {
	ConversationID  string    `db:"conversation_id"`
	Summary         string    `db:"summary"`
	Watermark       int       `db:"watermark"`
	CompactionCount int       `db:"compaction_count"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// GetSummary fetches the cached summary for a conversation.
func (s *Store) GetSummary(ctx context.Context, conversationID string) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum Summary
	err := s.db.GetContext(ctx, &sum,
		`SELECT * FROM conversation_summaries WHERE conversation_id = ?`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get summary")
	}
	return &sum, nil
}

// UpsertSummary writes the summary for a conversation. The watermark is
// monotonically non-decreasing: an upsert with a lower watermark is rejected.
func (s *Store) UpsertSummary(ctx context.Context, conversationID, summary string, watermark int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing int
	err := s.db.GetContext(ctx, &existing,
		`SELECT watermark FROM conversation_summaries WHERE conversation_id = ?`, conversationID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First summary for this conversation.
	case err != nil:
		return errors.Wrap(err, "failed to check summary watermark")
	case watermark < existing:
		return errors.Errorf("watermark must not decrease: have %d, got %d", existing, watermark)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_summaries (conversation_id, summary, watermark, compaction_count, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			summary = excluded.summary,
			watermark = excluded.watermark,
			compaction_count = compaction_count + 1,
			updated_at = excluded.updated_at`,
		conversationID, summary, watermark, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to upsert summary")
	}
	s.markDirty()
	return nil
}
