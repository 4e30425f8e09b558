package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Recall file statuses.
const (
	RecallProcessing = "processing"
	RecallReady      = "ready"
	RecallError      = "error"
)

// ErrDuplicate is returned when a unique constraint rejects an insert.
var ErrDuplicate = errors.New("record already exists")

// RecallInstance is one tenant-scoped document index.
type RecallInstance struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	APIKey        string    `db:"api_key"`
	VectorStoreID string    `db:"vector_store_id"`
	AccessToken   string    `db:"access_token"`
	CreatedAt     time.Time `db:"created_at"`
}

// RecallFile is one indexed file, unique per (instance, content hash).
type RecallFile struct {
	ID                   string    `db:"id"`
	InstanceID           string    `db:"instance_id"`
	Filename             string    `db:"filename"`
	StorageName          string    `db:"storage_name"`
	SHA256               string    `db:"sha256"`
	Size                 int64     `db:"size"`
	MediaType            string    `db:"media_type"`
	UpstreamFileID       string    `db:"upstream_file_id"`
	UpstreamVectorFileID string    `db:"upstream_vector_file_id"`
	Status               string    `db:"status"`
	Error                string    `db:"error"`
	CreatedAt            time.Time `db:"created_at"`
}

// CreateRecallInstance inserts a new instance; ErrDuplicate on id collision.
func (s *Store) CreateRecallInstance(ctx context.Context, inst *RecallInstance) error {
	inst.CreatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO recall_instances (id, name, api_key, vector_store_id, access_token, created_at)
		VALUES (:id, :name, :api_key, :vector_store_id, :access_token, :created_at)`, inst)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return errors.Wrap(err, "failed to create recall instance")
	}
	s.markDirty()
	return nil
}

// GetRecallInstance fetches an instance by id.
func (s *Store) GetRecallInstance(ctx context.Context, id string) (*RecallInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var inst RecallInstance
	err := s.db.GetContext(ctx, &inst, `SELECT * FROM recall_instances WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get recall instance")
	}
	return &inst, nil
}

// ListRecallInstances returns all instances.
func (s *Store) ListRecallInstances(ctx context.Context) ([]RecallInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RecallInstance
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM recall_instances ORDER BY created_at`)
	return out, errors.Wrap(err, "failed to list recall instances")
}

// UpdateRecallInstance updates name, credential and vector store id.
func (s *Store) UpdateRecallInstance(ctx context.Context, inst *RecallInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE recall_instances SET name = ?, api_key = ?, vector_store_id = ? WHERE id = ?`,
		inst.Name, inst.APIKey, inst.VectorStoreID, inst.ID)
	if err != nil {
		return errors.Wrap(err, "failed to update recall instance")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.markDirty()
	return nil
}

// DeleteRecallInstance removes an instance; files cascade.
func (s *Store) DeleteRecallInstance(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM recall_instances WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete recall instance")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.markDirty()
	return nil
}

// InsertRecallFile adds a file row; ErrDuplicate when (instance, hash) exists.
func (s *Store) InsertRecallFile(ctx context.Context, f *RecallFile) error {
	f.CreatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO recall_files (id, instance_id, filename, storage_name, sha256, size,
			media_type, upstream_file_id, upstream_vector_file_id, status, error, created_at)
		VALUES (:id, :instance_id, :filename, :storage_name, :sha256, :size,
			:media_type, :upstream_file_id, :upstream_vector_file_id, :status, :error, :created_at)`, f)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return errors.Wrap(err, "failed to insert recall file")
	}
	s.markDirty()
	return nil
}

// GetRecallFileByHash looks up a file by content hash inside an instance.
func (s *Store) GetRecallFileByHash(ctx context.Context, instanceID, sha256 string) (*RecallFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var f RecallFile
	err := s.db.GetContext(ctx, &f,
		`SELECT * FROM recall_files WHERE instance_id = ? AND sha256 = ?`, instanceID, sha256)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get recall file by hash")
	}
	return &f, nil
}

// GetRecallFile fetches a file row by id within an instance.
func (s *Store) GetRecallFile(ctx context.Context, instanceID, id string) (*RecallFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var f RecallFile
	err := s.db.GetContext(ctx, &f,
		`SELECT * FROM recall_files WHERE instance_id = ? AND id = ?`, instanceID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get recall file")
	}
	return &f, nil
}

// ListRecallFiles returns the files of an instance, newest first.
func (s *Store) ListRecallFiles(ctx context.Context, instanceID string) ([]RecallFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RecallFile
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM recall_files WHERE instance_id = ? ORDER BY created_at DESC`, instanceID)
	return out, errors.Wrap(err, "failed to list recall files")
}

// UpdateRecallFile persists upstream ids, status and error text.
func (s *Store) UpdateRecallFile(ctx context.Context, f *RecallFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE recall_files SET upstream_file_id = ?, upstream_vector_file_id = ?,
			status = ?, error = ? WHERE id = ?`,
		f.UpstreamFileID, f.UpstreamVectorFileID, f.Status, f.Error, f.ID)
	if err != nil {
		return errors.Wrap(err, "failed to update recall file")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.markDirty()
	return nil
}

// DeleteRecallFile removes a file row.
func (s *Store) DeleteRecallFile(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM recall_files WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete recall file")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.markDirty()
	return nil
}

// RecallStats summarizes an instance for its dashboard.
type RecallStats struct {
	FileCount  int   `db:"file_count"`
	TotalBytes int64 `db:"total_bytes"`
}

// GetRecallStats returns file count and total size for ready files.
func (s *Store) GetRecallStats(ctx context.Context, instanceID string) (*RecallStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats RecallStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT COUNT(*) AS file_count, COALESCE(SUM(size), 0) AS total_bytes
		FROM recall_files WHERE instance_id = ? AND status = ?`, instanceID, RecallReady)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get recall stats")
	}
	return &stats, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
