package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-dev/switchboard/pkg/config"
	"github.com/switchboard-dev/switchboard/pkg/pipeline"
	"github.com/switchboard-dev/switchboard/pkg/pricing"
	"github.com/switchboard-dev/switchboard/pkg/recall"
	"github.com/switchboard-dev/switchboard/pkg/sandbox"
	"github.com/switchboard-dev/switchboard/pkg/store"
	"github.com/switchboard-dev/switchboard/pkg/types/chat"
	llmtypes "github.com/switchboard-dev/switchboard/pkg/types/llm"
	tooltypes "github.com/switchboard-dev/switchboard/pkg/types/tools"
)

const testSecret = "test-secret"

type fakeAdapter struct {
	content string
}

func (f *fakeAdapter) ChatCompletion(ctx context.Context, req llmtypes.Request, state tooltypes.State, h llmtypes.Handler) (*llmtypes.Result, error) {
	h.Status("Thinking…", false)
	h.Text(f.content)
	h.Status("Thinking…", true)
	return &llmtypes.Result{
		Content:    f.content,
		StopReason: "stop",
		Usage:      chat.Usage{InputTokens: 10, OutputTokens: 5},
		Iterations: 1,
	}, nil
}

func newTestServer(t *testing.T, allowed string) (*Server, *store.Store) {
	t.Helper()
	ctx := context.Background()
	dataDir := t.TempDir()

	st, err := store.Open(ctx, filepath.Join(dataDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mgr, err := sandbox.NewManager(dataDir, "switchboard-sandbox:latest")
	require.NoError(t, err)

	cfg := &config.Config{
		APIKey:               testSecret,
		Host:                 "127.0.0.1",
		Port:                 0,
		DataDir:              dataDir,
		AllowedInstances:     allowed,
		PublicDomain:         "https://gw.example.com",
		MaxToolIterations:    5,
		MaxInputTokens:       100000,
		MaxUserMessageTokens: 8192,
		MaxMemoryChars:       2000,
	}

	p := &pipeline.Pipeline{
		Store:   st,
		Pricing: pricing.NewEngine(st),
		Sandbox: mgr,
		Config:  cfg,
		NewAdapter: func(ctx context.Context, c llmtypes.Config, e llmtypes.ToolExecutor) (llmtypes.Adapter, error) {
			return &fakeAdapter{content: "Hello there!"}, nil
		},
	}
	rc := recall.NewService(st, dataDir, "")
	return New(cfg, p, st, rc), st
}

func chatBody(t *testing.T, stream bool) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"conversation_id": "conv-1",
		"user_email":      "alice@example.com",
		"stream":          stream,
		"messages": []map[string]any{
			{"role": "user", "content": "hi"},
		},
		"config": map[string]any{
			"provider": "anthropic",
			"model":    "claude-sonnet-4-5",
			"api_key":  "sk-test",
		},
	})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func doRequest(t *testing.T, s *Server, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, "*")
	rec := doRequest(t, s, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestChatRequiresBearer(t *testing.T) {
	s, _ := newTestServer(t, "*")

	rec := doRequest(t, s, "POST", "/api/v1/chat", "", chatBody(t, false))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, "POST", "/api/v1/chat", "wrong", chatBody(t, false))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatNonStreaming(t *testing.T) {
	s, st := newTestServer(t, "*")

	rec := doRequest(t, s, "POST", "/api/v1/chat", testSecret, chatBody(t, false))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "claude-sonnet-4-5", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "Hello there!", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 5, resp.Usage.CompletionTokens)
	assert.Equal(t, 15, resp.Usage.TotalTokens)

	// the turn is recorded either way
	requestID := strings.TrimPrefix(resp.ID, "chatcmpl-")
	row, err := st.GetRequest(context.Background(), requestID)
	require.NoError(t, err)
	assert.Equal(t, store.RequestCompleted, row.Status)
	assert.Equal(t, 10, row.InputTokens)
}

func TestChatStreaming(t *testing.T) {
	s, _ := newTestServer(t, "*")

	rec := doRequest(t, s, "POST", "/api/v1/chat", testSecret, chatBody(t, true))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `"object":"chat.completion.chunk"`)
	assert.Contains(t, body, "Hello there!")
	assert.Contains(t, body, "event: status")
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	// deltas come before the terminal frames
	assert.Less(t, strings.Index(body, "Hello there!"), strings.Index(body, "[DONE]"))
}

type failingAdapter struct{}

func (f *failingAdapter) ChatCompletion(ctx context.Context, req llmtypes.Request, state tooltypes.State, h llmtypes.Handler) (*llmtypes.Result, error) {
	return nil, errors.New("upstream exploded")
}

func TestChatStreamingErrorVisibleToPlainConsumers(t *testing.T) {
	s, _ := newTestServer(t, "*")
	s.pipeline.NewAdapter = func(ctx context.Context, c llmtypes.Config, e llmtypes.ToolExecutor) (llmtypes.Adapter, error) {
		return &failingAdapter{}, nil
	}

	rec := doRequest(t, s, "POST", "/api/v1/chat", testSecret, chatBody(t, true))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	// the failure rides the named status event and a plain content delta
	assert.Contains(t, body, "event: status")
	var sawErrorDelta bool
	for _, line := range strings.Split(body, "\n") {
		payload, ok := strings.CutPrefix(line, "data: {")
		if !ok {
			continue
		}
		var chunk sseChunk
		if err := json.Unmarshal([]byte("{"+payload), &chunk); err != nil || chunk.Object != "chat.completion.chunk" {
			continue
		}
		for _, c := range chunk.Choices {
			if strings.Contains(c.Delta.Content, "upstream exploded") {
				sawErrorDelta = true
			}
		}
	}
	assert.True(t, sawErrorDelta, "error text delivered as a delta chunk")
	assert.Contains(t, body, `"finish_reason":"error"`)
	assert.NotContains(t, body, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestBuildTurnToolsetAPIURL(t *testing.T) {
	s, _ := newTestServer(t, "*")

	req := &chatRequest{
		ConversationID: "conv-1",
		Config: chatConfig{
			Model:         "claude-sonnet-4-5",
			ToolsetAPIURL: "https://edge.example.com",
		},
	}
	turn := s.buildTurn(req)
	assert.Equal(t, "https://edge.example.com", turn.PublicBaseURL)

	url := s.pipeline.VolumeURL(turn.PublicBaseURL, "alice", "conv-1", "out.txt")
	assert.Equal(t, "https://edge.example.com/alice/conv-1/volume/out.txt", url)
}

func TestChatAllowlist(t *testing.T) {
	s, _ := newTestServer(t, "prod-*")

	body, err := json.Marshal(map[string]any{
		"conversation_id": "conv-1",
		"owui_instance":   "staging-1",
		"messages":        []map[string]any{{"role": "user", "content": "hi"}},
		"config":          map[string]any{"model": "claude-sonnet-4-5"},
	})
	require.NoError(t, err)

	rec := doRequest(t, s, "POST", "/api/v1/chat", testSecret, bytes.NewBuffer(body))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "staging-1")
}

func TestChatValidation(t *testing.T) {
	s, _ := newTestServer(t, "*")

	rec := doRequest(t, s, "POST", "/api/v1/chat", testSecret, strings.NewReader(`{"conversation_id":"c"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"echo":%q}`, string(data))
	}))
	defer upstream.Close()

	s, _ := newTestServer(t, "*")
	s.cfg.ProcessUpstreamURL = upstream.URL

	rec := doRequest(t, s, "POST", "/process", testSecret, strings.NewReader("raw document bytes"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "raw document bytes")
}

func TestProcessWithoutUpstream(t *testing.T) {
	s, _ := newTestServer(t, "*")
	rec := doRequest(t, s, "POST", "/process", testSecret, strings.NewReader("x"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestUsageReport(t *testing.T) {
	s, st := newTestServer(t, "*")
	require.NoError(t, st.InsertRequest(context.Background(), &store.Request{
		ID: "req-1", ConversationID: "c", UserID: "u", Provider: "anthropic", Model: "claude-sonnet-4-5",
	}))

	rec := doRequest(t, s, "GET", "/api/v1/usage?days=7", testSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"usage"`)
	assert.Contains(t, rec.Body.String(), "claude-sonnet-4-5")
}

func TestFileRecallAdmin(t *testing.T) {
	s, _ := newTestServer(t, "*")

	create := func(id string) *httptest.ResponseRecorder {
		body := fmt.Sprintf(`{"id":%q,"name":"Docs","openai_api_key":"sk-test"}`, id)
		return doRequest(t, s, "POST", "/api/v1/file-recall/instances", testSecret, strings.NewReader(body))
	}

	rec := create("docs")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var inst instanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	assert.Equal(t, "docs", inst.ID)
	assert.Len(t, inst.AccessToken, 64)
	assert.NotContains(t, rec.Body.String(), "sk-test", "credential never echoed")

	assert.Equal(t, http.StatusConflict, create("docs").Code)
	assert.Equal(t, http.StatusBadRequest, create("Not A Slug").Code)

	rec = doRequest(t, s, "GET", "/api/v1/file-recall/instances", testSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"docs"`)

	// instance routes authenticate with the access token, not the bearer
	req := httptest.NewRequest("GET", "/api/v1/file-recall/docs/stats", nil)
	req.Header.Set("X-Access-Token", "wrong")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest("GET", "/api/v1/file-recall/docs/stats", nil)
	req.Header.Set("X-Access-Token", inst.AccessToken)
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"file_count":0`)

	req = httptest.NewRequest("GET", "/api/v1/file-recall/nope/stats", nil)
	req.Header.Set("X-Access-Token", inst.AccessToken)
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestFileRecallUploadValidation(t *testing.T) {
	s, _ := newTestServer(t, "*")

	rec := doRequest(t, s, "POST", "/api/v1/file-recall/instances", testSecret,
		strings.NewReader(`{"id":"docs","name":"Docs","openai_api_key":"sk-test"}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	var inst instanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/v1/file-recall/docs/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Access-Token", inst.AccessToken)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "no files")
}

func TestVolumeServing(t *testing.T) {
	s, _ := newTestServer(t, "*")

	dir := filepath.Join(s.cfg.DataDir, "alice", "conv-1", "volume")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.md"), []byte("# Report"), 0o644))

	rec := doRequest(t, s, "GET", "/alice/conv-1/volume/report.md", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# Report", rec.Body.String())

	rec = doRequest(t, s, "GET", "/alice/conv-1/volume/missing.md", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVolumeEscapeRejected(t *testing.T) {
	s, _ := newTestServer(t, "*")
	secret := filepath.Join(filepath.Dir(s.cfg.DataDir), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("nope"), 0o644))

	req := httptest.NewRequest("GET", "/x/y/volume/z", nil)
	req = mux.SetURLVars(req, map[string]string{
		"user":   "..",
		"folder": "..",
		"rest":   filepath.Base(secret),
	})
	rr := httptest.NewRecorder()
	s.handleVolume(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestFilesInlinedIntoLastMessage(t *testing.T) {
	msgs := []chat.Message{chat.NewTextMessage(chat.RoleUser, "summarize this")}
	files := []chatFile{{Name: "notes.txt"}}
	files[0].File.Data.Content = "meeting notes body"

	out := appendFileContents(msgs, files)
	require.Len(t, out[0].Blocks, 2)
	assert.Contains(t, out[0].Blocks[1].Text, `"notes.txt"`)
	assert.Contains(t, out[0].Blocks[1].Text, "meeting notes body")
	assert.Len(t, msgs[0].Blocks, 1, "input not mutated")
}
