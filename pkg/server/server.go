// Package server exposes the gateway HTTP surface: the chat endpoint with
// SSE streaming, the document-extraction passthrough, the file-recall API,
// usage reporting, and static volume downloads.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/config"
	"github.com/switchboard-dev/switchboard/pkg/logger"
	"github.com/switchboard-dev/switchboard/pkg/pipeline"
	"github.com/switchboard-dev/switchboard/pkg/recall"
	"github.com/switchboard-dev/switchboard/pkg/store"
)

// Long-running requests (image generation, deep research) need relaxed
// timeouts.
const requestTimeout = 10 * time.Minute

// Server is the gateway HTTP server.
type Server struct {
	router    *mux.Router
	cfg       *config.Config
	pipeline  *pipeline.Pipeline
	store     *store.Store
	recall    *recall.Service
	allowlist *pipeline.Allowlist
	server    *http.Server
	upstream  *http.Client
}

// New builds the server and its routes.
func New(cfg *config.Config, p *pipeline.Pipeline, st *store.Store, rc *recall.Service) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		cfg:       cfg,
		pipeline:  p,
		store:     st,
		recall:    rc,
		allowlist: pipeline.NewAllowlist(cfg.AllowedInstanceList()),
		upstream:  &http.Client{Timeout: requestTimeout},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/process", s.withAuth(s.handleProcess)).Methods("POST", "PUT")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/chat", s.withAuth(s.handleChat)).Methods("POST")
	api.HandleFunc("/usage", s.withAuth(s.handleUsage)).Methods("GET")

	fr := api.PathPrefix("/file-recall").Subrouter()
	fr.HandleFunc("/instances", s.withAuth(s.handleCreateInstance)).Methods("POST")
	fr.HandleFunc("/instances", s.withAuth(s.handleListInstances)).Methods("GET")
	fr.HandleFunc("/instances/{id}", s.withAuth(s.handleUpdateInstance)).Methods("PUT")
	fr.HandleFunc("/instances/{id}", s.withAuth(s.handleDeleteInstance)).Methods("DELETE")
	fr.HandleFunc("/{id}/files", s.withInstance(s.handleListFiles)).Methods("GET")
	fr.HandleFunc("/{id}/stats", s.withInstance(s.handleStats)).Methods("GET")
	fr.HandleFunc("/{id}/upload", s.withInstance(s.handleUpload)).Methods("POST")
	fr.HandleFunc("/{id}/files/{fileId}", s.withInstance(s.handleDeleteFile)).Methods("DELETE")

	s.router.HandleFunc("/{user}/{folder}/volume/{rest:.*}", s.handleVolume).Methods("GET")

	s.router.Use(s.loggingMiddleware)
	if s.cfg.EnableCORS {
		s.router.Use(s.corsMiddleware)
	}
}

// Start runs the server until the context is cancelled, then drains.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              address,
		Handler:           s.router,
		ReadTimeout:       requestTimeout,
		ReadHeaderTimeout: requestTimeout,
		WriteTimeout:      requestTimeout,
	}

	logger.G(ctx).WithField("address", address).Info("starting gateway")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "gateway server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// withAuth enforces the shared bearer secret.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.cfg.APIKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token", nil)
			return
		}
		next(w, r)
	}
}

// withInstance authenticates per-instance file-recall routes with the
// instance's access token.
func (s *Server) withInstance(next func(w http.ResponseWriter, r *http.Request, inst *store.RecallInstance)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		inst, err := s.recall.GetInstance(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "instance not found", nil)
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to load instance", err)
			return
		}
		token := r.Header.Get("X-Access-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(inst.AccessToken)) != 1 {
			s.writeError(w, http.StatusForbidden, "invalid access token", nil)
			return
		}
		next(w, r, inst)
	}
}

// handleVolume serves files from conversation volumes, rejecting any path
// that resolves outside the data root.
func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	root, err := filepath.Abs(s.cfg.DataDir)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to resolve data root", err)
		return
	}
	full := filepath.Join(root, vars["user"], vars["folder"], "volume", filepath.FromSlash(vars["rest"]))
	full = filepath.Clean(full)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		s.writeError(w, http.StatusForbidden, "path escapes data root", nil)
		return
	}
	http.ServeFile(w, r, full)
}

// handleProcess forwards the raw request body to the document-extraction
// collaborator and relays its response untouched.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ProcessUpstreamURL == "" {
		s.writeError(w, http.StatusBadGateway, "no extraction upstream configured", nil)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, s.cfg.ProcessUpstreamURL, r.Body)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to build upstream request", err)
		return
	}
	req.Header.Set("Content-Type", r.Header.Get("Content-Type"))

	resp, err := s.upstream.Do(req)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "extraction upstream unreachable", err)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.G(r.Context()).WithError(err).Warn("failed to relay extraction response")
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &days); err != nil || days < 1 {
			s.writeError(w, http.StatusBadRequest, "days must be a positive integer", nil)
			return
		}
	}
	since := time.Now().AddDate(0, 0, -days)
	report, err := s.store.UsageReport(r.Context(), since)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to build usage report", err)
		return
	}
	s.writeJSON(w, map[string]any{
		"since": since.UTC().Format(time.RFC3339),
		"usage": report,
	})
}

// identity returns the allowlist identity of a request: the declared
// instance name when present, the peer IP otherwise.
func identity(r *http.Request, declared string) string {
	if declared != "" {
		return declared
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.G(r.Context()).WithFields(map[string]any{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rw.status,
			"duration": time.Since(start),
		}).Info("http request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Access-Token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Flush lets the SSE framer reach the underlying flusher through the
// logging wrapper.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.G(context.TODO()).WithError(err).Error("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		logger.G(context.TODO()).WithError(err).Error(message)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":  message,
		"status": status,
	})
}
