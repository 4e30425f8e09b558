package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/types/chat"
)

// Request statuses.
const (
	RequestCompleted = "completed"
	RequestFailed    = "failed"
)

// Request is one persisted chat request.
type Request struct {
	ID               string    `db:"id"`
	ConversationID   string    `db:"conversation_id"`
	UserID           string    `db:"user_id"`
	InstanceID       string    `db:"instance_id"`
	Provider         string    `db:"provider"`
	Model            string    `db:"model"`
	InputTokens      int       `db:"input_tokens"`
	OutputTokens     int       `db:"output_tokens"`
	CacheReadTokens  int       `db:"cache_read_tokens"`
	CacheWriteTokens int       `db:"cache_write_tokens"`
	Cost             float64   `db:"cost"`
	Status           string    `db:"status"`
	LatencyMS        int64     `db:"latency_ms"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// RequestMessage is one (role, content) row linked to a request.
type RequestMessage struct {
	ID        int64     `db:"id"`
	RequestID string    `db:"request_id"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

// ToolCall is one persisted tool execution, append-only.
type ToolCall struct {
	ID         int64     `db:"id"`
	RequestID  string    `db:"request_id"`
	ToolName   string    `db:"tool_name"`
	Parameters string    `db:"parameters"`
	Result     string    `db:"result"`
	Success    bool      `db:"success"`
	DurationMS int64     `db:"duration_ms"`
	CreatedAt  time.Time `db:"created_at"`
}

// InsertRequest records a request at turn start with zeroed counters.
func (s *Store) InsertRequest(ctx context.Context, r *Request) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = RequestCompleted
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO requests (id, conversation_id, user_id, instance_id, provider, model,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			cost, status, latency_ms, created_at, updated_at)
		VALUES (:id, :conversation_id, :user_id, :instance_id, :provider, :model,
			:input_tokens, :output_tokens, :cache_read_tokens, :cache_write_tokens,
			:cost, :status, :latency_ms, :created_at, :updated_at)`, r)
	if err != nil {
		return errors.Wrap(err, "failed to insert request")
	}
	s.markDirty()
	return nil
}

// CompleteRequest updates the request once at turn end with the authoritative
// usage, cost, status and latency.
func (s *Store) CompleteRequest(ctx context.Context, id string, usage chat.Usage, cost float64, status string, latency time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET input_tokens = ?, output_tokens = ?, cache_read_tokens = ?,
			cache_write_tokens = ?, cost = ?, status = ?, latency_ms = ?, updated_at = ?
		WHERE id = ?`,
		usage.InputTokens, usage.OutputTokens, usage.CacheReadTokens, usage.CacheWriteTokens,
		cost, status, latency.Milliseconds(), time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "failed to complete request")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.markDirty()
	return nil
}

// GetRequest fetches one request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var r Request
	err := s.db.GetContext(ctx, &r, `SELECT * FROM requests WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get request")
	}
	return &r, nil
}

// AddRequestMessage appends a (role, content) row to a request.
func (s *Store) AddRequestMessage(ctx context.Context, requestID, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_messages (request_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`, requestID, role, content, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to add request message")
	}
	s.markDirty()
	return nil
}

// GetRequestMessages returns the messages of a request in insertion order.
func (s *Store) GetRequestMessages(ctx context.Context, requestID string) ([]RequestMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RequestMessage
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM request_messages WHERE request_id = ? ORDER BY id`, requestID)
	return out, errors.Wrap(err, "failed to get request messages")
}

// AddToolCall appends one tool execution record.
func (s *Store) AddToolCall(ctx context.Context, tc *ToolCall) error {
	tc.CreatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tool_calls (request_id, tool_name, parameters, result, success, duration_ms, created_at)
		VALUES (:request_id, :tool_name, :parameters, :result, :success, :duration_ms, :created_at)`, tc)
	if err != nil {
		return errors.Wrap(err, "failed to add tool call")
	}
	s.markDirty()
	return nil
}

// GetToolCalls returns the tool calls of a request in execution order.
func (s *Store) GetToolCalls(ctx context.Context, requestID string) ([]ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ToolCall
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM tool_calls WHERE request_id = ? ORDER BY id`, requestID)
	return out, errors.Wrap(err, "failed to get tool calls")
}

// UsageAggregate is one row of the usage report, grouped by day and model.
type UsageAggregate struct {
	Day          string  `db:"day"`
	Provider     string  `db:"provider"`
	Model        string  `db:"model"`
	Requests     int     `db:"requests"`
	InputTokens  int64   `db:"input_tokens"`
	OutputTokens int64   `db:"output_tokens"`
	Cost         float64 `db:"cost"`
}

// UsageReport aggregates request metrics per day and model since the cutoff.
func (s *Store) UsageReport(ctx context.Context, since time.Time) ([]UsageAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UsageAggregate
	err := s.db.SelectContext(ctx, &out, `
		SELECT date(created_at) AS day, provider, model,
			COUNT(*) AS requests,
			SUM(input_tokens + cache_read_tokens + cache_write_tokens) AS input_tokens,
			SUM(output_tokens) AS output_tokens,
			SUM(cost) AS cost
		FROM requests
		WHERE created_at >= ?
		GROUP BY day, provider, model
		ORDER BY day DESC, cost DESC`, since)
	return out, errors.Wrap(err, "failed to aggregate usage")
}
