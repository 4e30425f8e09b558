package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Memory is one long-term memory entry owned by a user.
type Memory struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// BudgetError is returned when a memory mutation would exceed the per-user
// character budget. It tells the model how much room is left.
type BudgetError struct {
	Remaining int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("memory budget exceeded: %d characters remaining", e.Remaining)
}

// ListMemories returns all memories of a user, oldest first.
func (s *Store) ListMemories(ctx context.Context, userID string) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Memory
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM user_memories WHERE user_id = ? ORDER BY created_at`, userID)
	return out, errors.Wrap(err, "failed to list memories")
}

func (s *Store) memoryCharsLocked(ctx context.Context, userID, excludeID string) (int, error) {
	var total sql.NullInt64
	err := s.db.GetContext(ctx, &total,
		`SELECT SUM(LENGTH(content)) FROM user_memories WHERE user_id = ? AND id != ?`,
		userID, excludeID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to sum memory length")
	}
	return int(total.Int64), nil
}

// CreateMemory inserts a memory, enforcing the per-user character budget.
func (s *Store) CreateMemory(ctx context.Context, userID, content string, budget int) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	used, err := s.memoryCharsLocked(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	if used+len(content) > budget {
		return nil, &BudgetError{Remaining: max(budget-used, 0)}
	}

	now := time.Now().UTC()
	m := &Memory{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO user_memories (id, user_id, content, created_at, updated_at)
		VALUES (:id, :user_id, :content, :created_at, :updated_at)`, m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create memory")
	}
	s.markDirty()
	return m, nil
}

// UpdateMemory replaces a memory's content after an ownership and budget check.
func (s *Store) UpdateMemory(ctx context.Context, userID, id, content string, budget int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owner string
	err := s.db.GetContext(ctx, &owner, `SELECT user_id FROM user_memories WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "failed to look up memory")
	}
	if owner != userID {
		return ErrNotFound
	}

	used, err := s.memoryCharsLocked(ctx, userID, id)
	if err != nil {
		return err
	}
	if used+len(content) > budget {
		return &BudgetError{Remaining: max(budget-used, 0)}
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE user_memories SET content = ?, updated_at = ? WHERE id = ?`,
		content, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "failed to update memory")
	}
	s.markDirty()
	return nil
}

// DeleteMemory removes a memory owned by the user.
func (s *Store) DeleteMemory(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_memories WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return errors.Wrap(err, "failed to delete memory")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.markDirty()
	return nil
}
