package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/recall"
	"github.com/switchboard-dev/switchboard/pkg/store"
)

const (
	maxUploadFiles    = 100
	maxUploadFileSize = 100 << 20
)

type instanceRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	OpenAIAPIKey string `json:"openai_api_key"`
}

// instanceResponse is the outward instance shape; the upstream credential is
// never echoed back.
type instanceResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	VectorStoreID string `json:"vector_store_id,omitempty"`
	AccessToken   string `json:"access_token"`
	CreatedAt     string `json:"created_at"`
}

func renderInstance(inst *store.RecallInstance) instanceResponse {
	return instanceResponse{
		ID:            inst.ID,
		Name:          inst.Name,
		VectorStoreID: inst.VectorStoreID,
		AccessToken:   inst.AccessToken,
		CreatedAt:     inst.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	inst, err := s.recall.CreateInstance(r.Context(), req.ID, req.Name, req.OpenAIAPIKey)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		s.writeError(w, http.StatusConflict, "instance already exists", nil)
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(renderInstance(inst))
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.recall.ListInstances(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list instances", err)
		return
	}
	out := make([]instanceResponse, 0, len(instances))
	for i := range instances {
		out = append(out, renderInstance(&instances[i]))
	}
	s.writeJSON(w, out)
}

func (s *Server) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	inst, err := s.recall.UpdateInstance(r.Context(), mux.Vars(r)["id"], req.Name, req.OpenAIAPIKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "instance not found", nil)
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "failed to update instance", err)
		return
	}
	s.writeJSON(w, renderInstance(inst))
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	err := s.recall.DeleteInstance(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "instance not found", nil)
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "failed to delete instance", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request, inst *store.RecallInstance) {
	files, err := s.recall.ListFiles(r.Context(), inst.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list files", err)
		return
	}
	out := make([]map[string]any, 0, len(files))
	for _, f := range files {
		out = append(out, map[string]any{
			"id":           f.ID,
			"filename":     f.Filename,
			"size":         f.Size,
			"content_type": f.MediaType,
			"status":       f.Status,
			"error":        f.Error,
			"created_at":   f.CreatedAt,
		})
	}
	s.writeJSON(w, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, inst *store.RecallInstance) {
	stats, err := s.recall.Stats(r.Context(), inst.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to compute stats", err)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, inst *store.RecallInstance) {
	reader, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "expected multipart body", err)
		return
	}

	var files []recall.UploadFile
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "malformed multipart body", err)
			return
		}
		if part.FileName() == "" {
			continue
		}
		if len(files) >= maxUploadFiles {
			s.writeError(w, http.StatusBadRequest, "too many files in one batch", nil)
			return
		}
		data, err := io.ReadAll(io.LimitReader(part, maxUploadFileSize+1))
		part.Close()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "failed to read file part", err)
			return
		}
		if len(data) > maxUploadFileSize {
			s.writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the 100 MiB limit", nil)
			return
		}
		files = append(files, recall.UploadFile{Name: part.FileName(), Data: data})
	}
	if len(files) == 0 {
		s.writeError(w, http.StatusBadRequest, "no files in upload", nil)
		return
	}

	results, err := s.recall.UploadBatch(r.Context(), inst.ID, files)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "upload batch failed", err)
		return
	}
	s.writeJSON(w, map[string]any{"results": results})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request, inst *store.RecallInstance) {
	err := s.recall.DeleteFile(r.Context(), inst.ID, mux.Vars(r)["fileId"])
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "file not found", nil)
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "failed to delete file", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
