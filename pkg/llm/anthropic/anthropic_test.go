package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/invopop/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-dev/switchboard/pkg/types/chat"
	llmtypes "github.com/switchboard-dev/switchboard/pkg/types/llm"
	tooltypes "github.com/switchboard-dev/switchboard/pkg/types/tools"
)

type stubTool struct {
	name string
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub tool " + t.name }
func (t *stubTool) GenerateSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: jsonschema.NewProperties()}
}
func (t *stubTool) ValidateInput(state tooltypes.State, parameters string) error {
	return nil
}
func (t *stubTool) Execute(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	return tooltypes.ToolResult{Result: "ok"}
}

func newAdapter() *Adapter {
	return New(llmtypes.Config{Provider: "anthropic", Model: "claude-sonnet-4-5", APIKey: "k"}, nil)
}

func TestTranslateCollapsesSystemMessages(t *testing.T) {
	a := newAdapter()
	system, msgs, err := a.translate(context.Background(), []chat.Message{
		chat.NewTextMessage(chat.RoleSystem, "You are helpful."),
		chat.NewTextMessage(chat.RoleSystem, "Be brief."),
		chat.NewTextMessage(chat.RoleUser, "hi"),
	})
	require.NoError(t, err)
	require.Len(t, system, 1)
	assert.Equal(t, "You are helpful.\n\nBe brief.", system[0].Text)
	require.Len(t, msgs, 1)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
}

func TestTranslateSystemCacheMarkerOnlyWhenLarge(t *testing.T) {
	a := newAdapter()

	system, _, err := a.translate(context.Background(), []chat.Message{
		chat.NewTextMessage(chat.RoleSystem, "short"),
	})
	require.NoError(t, err)
	require.Len(t, system, 1)
	assert.Empty(t, system[0].CacheControl.Type)

	big := strings.Repeat("instructions ", 400)
	system, _, err = a.translate(context.Background(), []chat.Message{
		chat.NewTextMessage(chat.RoleSystem, big),
	})
	require.NoError(t, err)
	assert.Equal(t, anthropic.CacheControlEphemeralParam{Type: "ephemeral"}, system[0].CacheControl)
}

func TestTranslateToolBlocks(t *testing.T) {
	a := newAdapter()
	_, msgs, err := a.translate(context.Background(), []chat.Message{
		{Role: chat.RoleAssistant, Blocks: []chat.Block{
			{Type: chat.BlockToolUse, ToolUse: &chat.ToolUse{ID: "tu_1", Name: "web_search", Arguments: json.RawMessage(`{"query":"go"}`)}},
		}},
		{Role: chat.RoleTool, Blocks: []chat.Block{
			{Type: chat.BlockToolResult, ToolResult: &chat.ToolResult{ID: "tu_1", Payload: "3 results", IsError: false}},
		}},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[0].Role)
	require.NotNil(t, msgs[0].Content[0].OfToolUse)
	assert.Equal(t, "tu_1", msgs[0].Content[0].OfToolUse.ID)
	assert.Equal(t, "web_search", msgs[0].Content[0].OfToolUse.Name)

	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[1].Role)
	require.NotNil(t, msgs[1].Content[0].OfToolResult)
	assert.Equal(t, "tu_1", msgs[1].Content[0].OfToolResult.ToolUseID)
}

func TestTranslateDataURLImage(t *testing.T) {
	a := newAdapter()
	payload := base64.StdEncoding.EncodeToString([]byte{0x89, 0x50, 0x4e, 0x47})
	_, msgs, err := a.translate(context.Background(), []chat.Message{
		{Role: chat.RoleUser, Blocks: []chat.Block{
			{Type: chat.BlockImage, Image: &chat.ImageRef{URL: "data:image/png;base64," + payload}},
			{Type: chat.BlockText, Text: "what is this"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Content, 2)
	require.NotNil(t, msgs[0].Content[0].OfImage)
	require.NotNil(t, msgs[0].Content[0].OfImage.Source.OfBase64)
	assert.Equal(t, "image/png", string(msgs[0].Content[0].OfImage.Source.OfBase64.MediaType))
	assert.Equal(t, payload, msgs[0].Content[0].OfImage.Source.OfBase64.Data)
}

func TestTranslateHTTPSImageStaysURL(t *testing.T) {
	a := newAdapter()
	_, msgs, err := a.translate(context.Background(), []chat.Message{
		{Role: chat.RoleUser, Blocks: []chat.Block{
			{Type: chat.BlockImage, Image: &chat.ImageRef{URL: "https://example.com/cat.png"}},
		}},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Content[0].OfImage.Source.OfURL)
	assert.Equal(t, "https://example.com/cat.png", msgs[0].Content[0].OfImage.Source.OfURL.URL)
}

func TestRenderToolsCacheMarkerOnLast(t *testing.T) {
	a := newAdapter()
	tools := a.renderTools([]tooltypes.Tool{&stubTool{name: "one"}, &stubTool{name: "two"}})
	require.Len(t, tools, 2)
	assert.Empty(t, tools[0].OfTool.CacheControl.Type)
	assert.Equal(t, "ephemeral", string(tools[1].OfTool.CacheControl.Type))
	assert.Equal(t, "two", tools[1].OfTool.Name)

	assert.Nil(t, a.renderTools(nil))
}

func TestRefreshMessageCacheMarker(t *testing.T) {
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock("first")),
		anthropic.NewUserMessage(anthropic.NewTextBlock("second"), anthropic.NewToolResultBlock("tu_1", "out", false)),
	}
	refreshMessageCacheMarker(messages)
	assert.Empty(t, messages[0].Content[0].OfText.CacheControl.Type)
	assert.Empty(t, messages[1].Content[0].OfText.CacheControl.Type)
	assert.Equal(t, "ephemeral", string(messages[1].Content[1].OfToolResult.CacheControl.Type))

	// marker moves, never accumulates
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock("third")))
	refreshMessageCacheMarker(messages)
	assert.Empty(t, messages[1].Content[1].OfToolResult.CacheControl.Type)
	assert.Equal(t, "ephemeral", string(messages[2].Content[0].OfText.CacheControl.Type))
}

func TestClassify(t *testing.T) {
	assert.True(t, llmtypes.IsRetryable(classify(&anthropic.Error{StatusCode: 529})))
	assert.True(t, llmtypes.IsRetryable(classify(&anthropic.Error{StatusCode: 429})))
	assert.False(t, llmtypes.IsRetryable(classify(&anthropic.Error{StatusCode: 401})))
}

type loopExecutor struct {
	calls int
}

func (e *loopExecutor) Run(ctx context.Context, state tooltypes.State, name string, arguments json.RawMessage) tooltypes.ToolResult {
	e.calls++
	return tooltypes.ToolResult{Result: "ok"}
}

func streamServer(t *testing.T, requests *int, events ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*requests++
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprint(w, e+"\n\n")
		}
	}))
}

func toolUseTurn() []string {
	return []string{
		"event: message_start\ndata: " +
			`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"usage":{"input_tokens":20,"output_tokens":1}}}`,
		"event: content_block_start\ndata: " +
			`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"one","input":{}}}`,
		"event: content_block_delta\ndata: " +
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"query\":\"go\"}"}}`,
		"event: content_block_stop\ndata: " +
			`{"type":"content_block_stop","index":0}`,
		"event: message_delta\ndata: " +
			`{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":5}}`,
		"event: message_stop\ndata: " +
			`{"type":"message_stop"}`,
	}
}

func TestChatCompletionStopsAtIterationCap(t *testing.T) {
	requests := 0
	srv := streamServer(t, &requests, toolUseTurn()...)
	defer srv.Close()

	executor := &loopExecutor{}
	a := New(llmtypes.Config{
		Provider: "anthropic", Model: "claude-sonnet-4-5", APIKey: "k", BaseURL: srv.URL, MaxIterations: 5,
	}, executor)

	toolCalls := 0
	h := llmtypes.Handler{OnToolCall: func(id, name string, arguments json.RawMessage) { toolCalls++ }}
	_, err := a.ChatCompletion(context.Background(), llmtypes.Request{
		Messages: []chat.Message{chat.NewTextMessage(chat.RoleUser, "search go")},
	}, nil, h)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool-use loop exceeded 5 iterations")
	assert.Equal(t, 5, requests)
	assert.Equal(t, 5, executor.calls, "the capped iteration's tools still ran")
	assert.Equal(t, 5, toolCalls)
}

func TestChatCompletionJoinsTextBlocks(t *testing.T) {
	requests := 0
	srv := streamServer(t, &requests,
		"event: message_start\ndata: "+
			`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"usage":{"input_tokens":12,"output_tokens":1}}}`,
		"event: content_block_start\ndata: "+
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		"event: content_block_delta\ndata: "+
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Part one."}}`,
		"event: content_block_stop\ndata: "+
			`{"type":"content_block_stop","index":0}`,
		"event: content_block_start\ndata: "+
			`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
		"event: content_block_delta\ndata: "+
			`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":" Part two."}}`,
		"event: content_block_stop\ndata: "+
			`{"type":"content_block_stop","index":1}`,
		"event: message_delta\ndata: "+
			`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":8}}`,
		"event: message_stop\ndata: "+
			`{"type":"message_stop"}`,
	)
	defer srv.Close()

	a := New(llmtypes.Config{
		Provider: "anthropic", Model: "claude-sonnet-4-5", APIKey: "k", BaseURL: srv.URL,
	}, &loopExecutor{})

	var streamed strings.Builder
	h := llmtypes.Handler{OnText: func(chunk string) { streamed.WriteString(chunk) }}
	result, err := a.ChatCompletion(context.Background(), llmtypes.Request{
		Messages: []chat.Message{chat.NewTextMessage(chat.RoleUser, "hi")},
	}, nil, h)
	require.NoError(t, err)

	assert.Equal(t, "Part one. Part two.", result.Content)
	assert.Equal(t, "Part one. Part two.", streamed.String())
	assert.Equal(t, "end_turn", result.StopReason)
}
