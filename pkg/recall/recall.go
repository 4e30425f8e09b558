package recall

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/logger"
	"github.com/switchboard-dev/switchboard/pkg/store"
)

// Service is the multi-tenant document index. Each instance holds its own
// upstream credential and vector store; files are deduplicated by content
// hash within an instance.
type Service struct {
	store    *store.Store
	dataRoot string
	baseURL  string
}

var slugRe = regexp.MustCompile(`^[a-z0-9](-?[a-z0-9]+)*$`)

// allowedExtensions is the upload allow-list, keyed by lowercase extension
// including the dot.
var allowedExtensions = map[string]string{
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".json": "application/json",
	".html": "text/html",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".tex":  "text/x-tex",
}

// NewService builds a recall service rooted at {dataRoot}/file-recall.
// baseURL overrides the upstream endpoint and is empty in production.
func NewService(st *store.Store, dataRoot, baseURL string) *Service {
	return &Service{store: st, dataRoot: dataRoot, baseURL: baseURL}
}

// ValidSlug reports whether id is acceptable as an instance identifier.
func ValidSlug(id string) bool {
	return slugRe.MatchString(id)
}

// NewAccessToken returns a fresh 256-bit token in hex.
func NewAccessToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to generate access token")
	}
	return hex.EncodeToString(buf), nil
}

// SupportedTypes lists the accepted file extensions, sorted.
func SupportedTypes() []string {
	out := make([]string, 0, len(allowedExtensions))
	for ext := range allowedExtensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func (s *Service) client(inst *store.RecallInstance) openai.Client {
	opts := []option.RequestOption{option.WithAPIKey(inst.APIKey)}
	if s.baseURL != "" {
		opts = append(opts, option.WithBaseURL(s.baseURL))
	}
	return openai.NewClient(opts...)
}

func (s *Service) instanceDir(instanceID string) string {
	return filepath.Join(s.dataRoot, "file-recall", instanceID)
}

// CreateInstance provisions a new tenant. The vector store itself is created
// lazily on first upload.
func (s *Service) CreateInstance(ctx context.Context, id, name, apiKey string) (*store.RecallInstance, error) {
	if !ValidSlug(id) {
		return nil, errors.Errorf("instance id %q is not a valid slug", id)
	}
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	token, err := NewAccessToken()
	if err != nil {
		return nil, err
	}
	inst := &store.RecallInstance{
		ID:          id,
		Name:        name,
		APIKey:      apiKey,
		AccessToken: token,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateRecallInstance(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// GetInstance looks up a tenant by id.
func (s *Service) GetInstance(ctx context.Context, id string) (*store.RecallInstance, error) {
	return s.store.GetRecallInstance(ctx, id)
}

// ListInstances returns all tenants.
func (s *Service) ListInstances(ctx context.Context) ([]store.RecallInstance, error) {
	return s.store.ListRecallInstances(ctx)
}

// UpdateInstance changes an instance's display name and optionally its
// credential.
func (s *Service) UpdateInstance(ctx context.Context, id, name, apiKey string) (*store.RecallInstance, error) {
	inst, err := s.store.GetRecallInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != "" {
		inst.Name = name
	}
	if apiKey != "" {
		inst.APIKey = apiKey
	}
	if err := s.store.UpdateRecallInstance(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// DeleteInstance tears a tenant down: upstream files and vector store are
// removed best-effort, local storage and DB rows unconditionally.
func (s *Service) DeleteInstance(ctx context.Context, id string) error {
	inst, err := s.store.GetRecallInstance(ctx, id)
	if err != nil {
		return err
	}
	log := logger.G(ctx).WithField("instance", id)

	files, err := s.store.ListRecallFiles(ctx, id)
	if err != nil {
		return err
	}
	cli := s.client(inst)
	for _, f := range files {
		if f.UpstreamFileID != "" {
			if _, err := cli.Files.Delete(ctx, f.UpstreamFileID); err != nil {
				log.WithError(err).WithField("file", f.Filename).Warn("upstream file deletion failed")
			}
		}
	}
	if inst.VectorStoreID != "" {
		if _, err := cli.VectorStores.Delete(ctx, inst.VectorStoreID); err != nil {
			log.WithError(err).Warn("upstream vector store deletion failed")
		}
	}

	if err := os.RemoveAll(s.instanceDir(id)); err != nil {
		log.WithError(err).Warn("failed to remove local instance storage")
	}
	return s.store.DeleteRecallInstance(ctx, id)
}

// UploadFile is one incoming file of a batch.
type UploadFile struct {
	Name string
	Data []byte
}

// UploadResult reports what happened to one file of a batch.
type UploadResult struct {
	Filename string `json:"filename"`
	Action   string `json:"action"`
	Message  string `json:"message,omitempty"`
}

const (
	ActionUploaded = "uploaded"
	ActionSkipped  = "skipped"
	ActionError    = "error"
)

// UploadBatch ingests a batch of files into an instance. Each file is
// processed independently; one failure does not abort the batch.
func (s *Service) UploadBatch(ctx context.Context, instanceID string, files []UploadFile) ([]UploadResult, error) {
	inst, err := s.store.GetRecallInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	results := make([]UploadResult, 0, len(files))
	for _, f := range files {
		res := s.uploadOne(ctx, inst, f)
		results = append(results, res)
	}
	return results, nil
}

func (s *Service) uploadOne(ctx context.Context, inst *store.RecallInstance, f UploadFile) UploadResult {
	log := logger.G(ctx).WithFields(map[string]interface{}{
		"instance": inst.ID,
		"filename": f.Name,
	})

	ext := strings.ToLower(filepath.Ext(f.Name))
	mediaType, ok := allowedExtensions[ext]
	if !ok {
		return UploadResult{Filename: f.Name, Action: ActionError,
			Message: fmt.Sprintf("unsupported file type %q; supported: %s", ext, strings.Join(SupportedTypes(), ", "))}
	}

	sum := sha256.Sum256(f.Data)
	hash := hex.EncodeToString(sum[:])

	if prior, err := s.store.GetRecallFileByHash(ctx, inst.ID, hash); err == nil {
		if prior.Status == store.RecallReady || prior.Status == store.RecallProcessing {
			return UploadResult{Filename: f.Name, Action: ActionSkipped,
				Message: fmt.Sprintf("identical content already indexed as %s", prior.Filename)}
		}
		// stale errored row, replace it
		if err := s.store.DeleteRecallFile(ctx, prior.ID); err != nil {
			return UploadResult{Filename: f.Name, Action: ActionError, Message: err.Error()}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return UploadResult{Filename: f.Name, Action: ActionError, Message: err.Error()}
	}

	storageName := hash[:16] + ext
	localPath := filepath.Join(s.instanceDir(inst.ID), storageName)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return UploadResult{Filename: f.Name, Action: ActionError, Message: err.Error()}
	}
	if err := os.WriteFile(localPath, f.Data, 0o644); err != nil {
		return UploadResult{Filename: f.Name, Action: ActionError, Message: err.Error()}
	}

	row := &store.RecallFile{
		ID:          uuid.NewString(),
		InstanceID:  inst.ID,
		Filename:    f.Name,
		StorageName: storageName,
		SHA256:      hash,
		Size:        int64(len(f.Data)),
		MediaType:   mediaType,
		Status:      store.RecallProcessing,
		CreatedAt:   time.Now(),
	}
	if err := s.store.InsertRecallFile(ctx, row); err != nil {
		os.Remove(localPath)
		return UploadResult{Filename: f.Name, Action: ActionError, Message: err.Error()}
	}

	if err := s.index(ctx, inst, row, f.Data); err != nil {
		log.WithError(err).Error("upstream indexing failed")
		row.Status = store.RecallError
		row.Error = err.Error()
		if uerr := s.store.UpdateRecallFile(ctx, row); uerr != nil {
			log.WithError(uerr).Error("failed to record indexing error")
		}
		os.Remove(localPath)
		return UploadResult{Filename: f.Name, Action: ActionError, Message: err.Error()}
	}

	return UploadResult{Filename: f.Name, Action: ActionUploaded}
}

// index uploads the bytes upstream and attaches them to the instance's
// vector store, creating the store on first use.
func (s *Service) index(ctx context.Context, inst *store.RecallInstance, row *store.RecallFile, data []byte) error {
	cli := s.client(inst)

	if inst.VectorStoreID == "" {
		vs, err := cli.VectorStores.New(ctx, openai.VectorStoreNewParams{
			Name: openai.String("file-recall-" + inst.ID),
		})
		if err != nil {
			return errors.Wrap(err, "failed to create vector store")
		}
		inst.VectorStoreID = vs.ID
		if err := s.store.UpdateRecallInstance(ctx, inst); err != nil {
			return errors.Wrap(err, "failed to persist vector store id")
		}
	}

	upstream, err := cli.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(data), row.Filename, row.MediaType),
		Purpose: openai.FilePurposeAssistants,
	})
	if err != nil {
		return errors.Wrap(err, "failed to upload file")
	}
	row.UpstreamFileID = upstream.ID

	vsFile, err := cli.VectorStores.Files.New(ctx, inst.VectorStoreID, openai.VectorStoreFileNewParams{
		FileID: upstream.ID,
	})
	if err != nil {
		return errors.Wrap(err, "failed to attach file to vector store")
	}
	row.UpstreamVectorFileID = vsFile.ID

	row.Status = store.RecallReady
	return s.store.UpdateRecallFile(ctx, row)
}

// SearchResult is one hit from the instance's vector store.
type SearchResult struct {
	Filename string  `json:"filename"`
	Score    float64 `json:"score"`
	Content  string  `json:"content"`
}

// Search queries the instance's vector store. An instance with no uploads
// yet returns no results.
func (s *Service) Search(ctx context.Context, instanceID, query string, maxResults int) ([]SearchResult, error) {
	inst, err := s.store.GetRecallInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.VectorStoreID == "" {
		return nil, nil
	}
	if maxResults < 1 {
		maxResults = 5
	}

	cli := s.client(inst)
	page, err := cli.VectorStores.Search(ctx, inst.VectorStoreID, openai.VectorStoreSearchParams{
		Query:         openai.VectorStoreSearchParamsQueryUnion{OfString: openai.String(query)},
		MaxNumResults: openai.Int(int64(maxResults)),
	})
	if err != nil {
		return nil, errors.Wrap(err, "vector store search failed")
	}

	var out []SearchResult
	for _, hit := range page.Data {
		var parts []string
		for _, c := range hit.Content {
			parts = append(parts, c.Text)
		}
		out = append(out, SearchResult{
			Filename: hit.Filename,
			Score:    hit.Score,
			Content:  strings.Join(parts, "\n"),
		})
	}
	return out, nil
}

// ListFiles returns the files indexed in an instance.
func (s *Service) ListFiles(ctx context.Context, instanceID string) ([]store.RecallFile, error) {
	return s.store.ListRecallFiles(ctx, instanceID)
}

// StatsResponse is returned by the per-instance stats endpoint.
type StatsResponse struct {
	FileCount      int      `json:"file_count"`
	TotalSizeBytes int64    `json:"total_size_bytes"`
	SupportedTypes []string `json:"supported_types"`
	VectorStoreID  string   `json:"vector_store_id,omitempty"`
}

// Stats summarizes an instance.
func (s *Service) Stats(ctx context.Context, instanceID string) (*StatsResponse, error) {
	inst, err := s.store.GetRecallInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	st, err := s.store.GetRecallStats(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &StatsResponse{
		FileCount:      st.FileCount,
		TotalSizeBytes: st.TotalBytes,
		SupportedTypes: SupportedTypes(),
		VectorStoreID:  inst.VectorStoreID,
	}, nil
}

// DeleteFile removes one file from an instance. Upstream removal is best
// effort; local state always goes.
func (s *Service) DeleteFile(ctx context.Context, instanceID, fileID string) error {
	inst, err := s.store.GetRecallInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	row, err := s.store.GetRecallFile(ctx, instanceID, fileID)
	if err != nil {
		return err
	}
	log := logger.G(ctx).WithFields(map[string]interface{}{
		"instance": instanceID,
		"filename": row.Filename,
	})

	cli := s.client(inst)
	if row.UpstreamFileID != "" {
		if _, err := cli.Files.Delete(ctx, row.UpstreamFileID); err != nil {
			log.WithError(err).Warn("upstream file deletion failed")
		}
	}
	if inst.VectorStoreID != "" && row.UpstreamVectorFileID != "" {
		if _, err := cli.VectorStores.Files.Delete(ctx, inst.VectorStoreID, row.UpstreamFileID); err != nil {
			log.WithError(err).Warn("vector store detach failed")
		}
	}

	if err := os.Remove(filepath.Join(s.instanceDir(instanceID), row.StorageName)); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("failed to remove local file")
	}
	return s.store.DeleteRecallFile(ctx, row.ID)
}
