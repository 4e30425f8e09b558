package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/switchboard-dev/switchboard/pkg/logger"
	"github.com/switchboard-dev/switchboard/pkg/pipeline"
	"github.com/switchboard-dev/switchboard/pkg/types/chat"
	llmtypes "github.com/switchboard-dev/switchboard/pkg/types/llm"
)

// chatRequest is the inbound chat body.
type chatRequest struct {
	ConversationID string         `json:"conversation_id"`
	Messages       []chat.Message `json:"messages"`
	Config         chatConfig     `json:"config"`
	UserEmail      string         `json:"user_email"`
	OWUIInstance   string         `json:"owui_instance"`
	Stream         bool           `json:"stream"`
	Files          []chatFile     `json:"files"`
}

type chatFile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	File        struct {
		Data struct {
			Content string `json:"content"`
		} `json:"data"`
	} `json:"file"`
}

type chatConfig struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	BaseURL   string `json:"base_url"`
	MaxTokens int    `json:"max_tokens"`

	UseTools bool            `json:"use_tools"`
	Tools    map[string]bool `json:"tools"`

	CustomSystemPrompt string `json:"custom_system_prompt"`

	EnableCompaction   bool   `json:"enable_compaction"`
	CompactionProvider string `json:"compaction_provider"`
	CompactionModel    string `json:"compaction_model"`

	WebSearchAPIKey  string `json:"web_search_api_key"`
	WebSearchBaseURL string `json:"web_search_base_url"`

	ImageAPIKey  string `json:"image_api_key"`
	ImageBaseURL string `json:"image_base_url"`
	ImageModel   string `json:"image_model"`

	FileRecallInstanceID string `json:"file_recall_instance_id"`

	// per-request override of the public base URL used in volume links
	ToolsetAPIURL string `json:"toolset_api_url"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ConversationID == "" || len(req.Messages) == 0 || req.Config.Model == "" {
		s.writeError(w, http.StatusBadRequest, "conversation_id, messages and config.model are required", nil)
		return
	}

	id := identity(r, req.OWUIInstance)
	if !s.allowlist.Allowed(id) {
		s.writeError(w, http.StatusForbidden, fmt.Sprintf("instance %q is not allowed", id), nil)
		return
	}

	turn := s.buildTurn(&req)
	ctx := logger.WithLogger(r.Context(), logger.G(r.Context()).WithFields(logrus.Fields{
		"conversation_id": turn.ConversationID,
		"user_id":         turn.UserID,
		"model":           turn.LLM.Model,
	}))

	if req.Stream {
		s.streamChat(ctx, w, turn)
		return
	}

	result, err := s.pipeline.Run(ctx, turn, llmtypes.Handler{})
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "chat completion failed", err)
		return
	}
	s.writeJSON(w, completionEnvelope(turn.LLM.Model, result))
}

func (s *Server) buildTurn(req *chatRequest) *pipeline.Turn {
	cfg := req.Config
	userID := req.UserEmail
	if userID == "" {
		userID = "anonymous"
	}

	var features map[string]bool
	if cfg.UseTools {
		features = cfg.Tools
	}

	turn := &pipeline.Turn{
		ConversationID:     req.ConversationID,
		UserID:             userID,
		Instance:           req.OWUIInstance,
		Messages:           appendFileContents(req.Messages, req.Files),
		Features:           features,
		CustomSystemPrompt: cfg.CustomSystemPrompt,
		EnableCompaction:   cfg.EnableCompaction,
		WebSearchKey:       cfg.WebSearchAPIKey,
		WebSearchURL:       cfg.WebSearchBaseURL,
		ImageKey:           cfg.ImageAPIKey,
		ImageURL:           cfg.ImageBaseURL,
		ImageModel:         cfg.ImageModel,
		RecallInstanceID:   cfg.FileRecallInstanceID,
		PublicBaseURL:      cfg.ToolsetAPIURL,
		LLM: llmtypes.Config{
			Provider:      cfg.Provider,
			Model:         cfg.Model,
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			MaxTokens:     cfg.MaxTokens,
			MaxIterations: s.cfg.MaxToolIterations,
		},
	}
	if cfg.EnableCompaction {
		turn.Compaction = llmtypes.Config{
			Provider: cfg.CompactionProvider,
			Model:    cfg.CompactionModel,
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
		}
	}
	return turn
}

// appendFileContents inlines extracted document text into the last user
// message so attachments survive providers without file support.
func appendFileContents(msgs []chat.Message, files []chatFile) []chat.Message {
	if len(files) == 0 || len(msgs) == 0 {
		return msgs
	}
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	last := out[len(out)-1]
	blocks := make([]chat.Block, len(last.Blocks))
	copy(blocks, last.Blocks)
	for _, f := range files {
		if f.File.Data.Content == "" {
			continue
		}
		blocks = append(blocks, chat.Block{
			Type: chat.BlockText,
			Text: fmt.Sprintf("Contents of attached file %q:\n\n%s", f.Name, f.File.Data.Content),
		})
	}
	last.Blocks = blocks
	out[len(out)-1] = last
	return out
}

// sseWriter frames pipeline events as server-sent events. A failed write
// means the client is gone; subsequent writes become no-ops so the turn can
// finish and be recorded.
type sseWriter struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	f      http.Flusher
	id     string
	model  string
	broken bool
}

type sseDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type sseChoice struct {
	Index        int      `json:"index"`
	Delta        sseDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`
}

func newSSEWriter(w http.ResponseWriter, model string) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{
		w:     w,
		f:     f,
		id:    "chatcmpl-" + uuid.NewString(),
		model: model,
	}, true
}

func (sw *sseWriter) emit(event string, payload any) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.broken {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	var frame string
	if event == "" {
		frame = fmt.Sprintf("data: %s\n\n", data)
	} else {
		frame = fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
	}
	if _, err := fmt.Fprint(sw.w, frame); err != nil {
		sw.broken = true
		return
	}
	sw.f.Flush()
}

func (sw *sseWriter) delta(content string) {
	sw.emit("", sseChunk{
		ID:      sw.id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   sw.model,
		Choices: []sseChoice{{Delta: sseDelta{Content: content}}},
	})
}

func (sw *sseWriter) finish(reason string) {
	sw.emit("", sseChunk{
		ID:      sw.id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   sw.model,
		Choices: []sseChoice{{FinishReason: &reason}},
	})
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.broken {
		fmt.Fprint(sw.w, "data: [DONE]\n\n")
		sw.f.Flush()
	}
}

func (s *Server) streamChat(ctx context.Context, w http.ResponseWriter, turn *pipeline.Turn) {
	sw, ok := newSSEWriter(w, turn.LLM.Model)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}

	h := llmtypes.Handler{
		OnText: func(chunk string) { sw.delta(chunk) },
		OnToolCall: func(id, name string, arguments json.RawMessage) {
			sw.emit("tool_call", map[string]any{"id": id, "name": name, "arguments": arguments})
		},
		OnToolOutput: func(chunk string) {
			sw.emit("tool_output", map[string]string{"chunk": chunk})
		},
		OnSource: func(c chat.Citation) { sw.emit("source", c) },
		OnStatus: func(st chat.Status) { sw.emit("status", st) },
	}

	if _, err := s.pipeline.Run(ctx, turn, h); err != nil {
		logger.G(ctx).WithError(err).Error("chat turn failed")
		// the error also rides a content delta so plain OpenAI consumers
		// that ignore named events still surface it
		sw.delta("Request failed: " + err.Error())
		sw.emit("status", chat.Status{Description: "Request failed: " + err.Error(), Done: true})
		sw.finish("error")
		return
	}
	sw.finish("stop")
}

func completionEnvelope(model string, result *pipeline.Result) map[string]any {
	prompt := result.Usage.InputTokens + result.Usage.CacheReadTokens + result.Usage.CacheWriteTokens
	completion := result.Usage.OutputTokens
	return map[string]any{
		"id":      "chatcmpl-" + result.RequestID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]string{
				"role":    "assistant",
				"content": result.Content,
			},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      prompt + completion,
		},
	}
}
