package openai

import (
	"context"
	"encoding/json"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/logger"
	"github.com/switchboard-dev/switchboard/pkg/types/chat"
	llmtypes "github.com/switchboard-dev/switchboard/pkg/types/llm"
	tooltypes "github.com/switchboard-dev/switchboard/pkg/types/tools"
)

const defaultMaxOutputTokens = 8192

// Adapter drives the OpenAI Responses API through the tool-use loop. Across
// iterations it chains on the previous response id, sending only the fresh
// tool outputs instead of the whole transcript.
type Adapter struct {
	client   openai.Client
	config   llmtypes.Config
	executor llmtypes.ToolExecutor
}

// New builds an OpenAI adapter from per-request config.
func New(config llmtypes.Config, executor llmtypes.ToolExecutor) *Adapter {
	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return &Adapter{
		client:   openai.NewClient(opts...),
		config:   config,
		executor: executor,
	}
}

// ChatCompletion runs the bounded tool-use loop, streaming events through h.
func (a *Adapter) ChatCompletion(ctx context.Context, req llmtypes.Request, state tooltypes.State, h llmtypes.Handler) (*llmtypes.Result, error) {
	instructions, input := a.translate(ctx, req.Messages)
	tools := a.renderTools(req.Tools)

	maxIterations := a.config.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 5
	}
	maxTokens := a.config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}

	result := &llmtypes.Result{}
	previousResponseID := ""

	for iteration := 0; iteration < maxIterations; iteration++ {
		params := responses.ResponseNewParams{
			Input:           responses.ResponseNewParamsInputUnion{OfInputItemList: input},
			Model:           openai.ChatModel(a.config.Model),
			MaxOutputTokens: openai.Int(int64(maxTokens)),
			Tools:           tools,
		}
		if instructions != "" {
			params.Instructions = openai.String(instructions)
		}
		if previousResponseID != "" {
			params.PreviousResponseID = openai.String(previousResponseID)
			params.Store = openai.Bool(true)
		}

		resp, err := a.streamOne(ctx, params, h)
		if err != nil {
			return nil, err
		}
		result.Iterations++
		addUsage(&result.Usage, resp.Usage)
		previousResponseID = resp.ID

		var pending []responses.ResponseInputItemUnionParam
		for _, item := range resp.Output {
			switch item.Type {
			case "message":
				msg := item.AsMessage()
				for _, content := range msg.Content {
					if content.Type == "output_text" {
						result.Content += content.Text
					}
				}
			case "function_call":
				call := item.AsFunctionCall()
				args := json.RawMessage(call.Arguments)
				h.ToolCall(call.CallID, call.Name, args)
				output := a.executor.Run(ctx, state, call.Name, args)
				for _, src := range output.Sources {
					h.Source(src)
				}
				pending = append(pending, responses.ResponseInputItemParamOfFunctionCallOutput(
					call.CallID,
					output.AssistantFacing(),
				))
			}
		}

		if len(pending) == 0 {
			if resp.IncompleteDetails.Reason != "" {
				result.StopReason = string(resp.IncompleteDetails.Reason)
			} else {
				result.StopReason = "stop"
			}
			return result, nil
		}

		// chain on the previous response: only the new tool outputs go up
		input = pending
	}

	return nil, errors.Errorf("tool-use loop exceeded %d iterations", maxIterations)
}

// streamOne performs a single streamed call, forwarding text deltas and
// returning the completed response.
func (a *Adapter) streamOne(ctx context.Context, params responses.ResponseNewParams, h llmtypes.Handler) (*responses.Response, error) {
	stream := a.client.Responses.NewStreaming(ctx, params)

	var completed *responses.Response
	for stream.Next() {
		event := stream.Current()
		switch e := event.AsAny().(type) {
		case responses.ResponseTextDeltaEvent:
			h.Text(e.Delta)
		case responses.ResponseCompletedEvent:
			completed = &e.Response
		case responses.ResponseErrorEvent:
			return nil, errors.Errorf("response stream error: %s: %s", e.Code, e.Message)
		case responses.ResponseFailedEvent:
			return nil, errors.Errorf("response failed: %s", e.Response.Error.Message)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}
	if completed == nil {
		return nil, errors.New("stream ended without completion event")
	}
	return completed, nil
}

// classify separates transient transport failures from fatal ones.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return llmtypes.Retryable(errors.Wrap(err, "openai call failed"))
		}
		return errors.Wrap(err, "openai call failed")
	}
	return llmtypes.Retryable(errors.Wrap(err, "openai call failed"))
}

// addUsage folds one response's usage into the aggregate. Cached tokens are
// reported inside input_tokens upstream but the cost engine expects input
// exclusive of cache reads for this family, so they are split out here.
func addUsage(total *chat.Usage, usage responses.ResponseUsage) {
	cached := int(usage.InputTokensDetails.CachedTokens)
	input := int(usage.InputTokens) - cached
	if input < 0 {
		input = 0
	}
	total.Add(chat.Usage{
		InputTokens:     input,
		OutputTokens:    int(usage.OutputTokens),
		CacheReadTokens: cached,
	})
}

// translate converts the canonical transcript into instructions plus a
// Responses input item list.
func (a *Adapter) translate(ctx context.Context, msgs []chat.Message) (string, []responses.ResponseInputItemUnionParam) {
	var systemParts []string
	var items []responses.ResponseInputItemUnionParam

	for _, m := range msgs {
		switch m.Role {
		case chat.RoleSystem:
			if t := m.Text(); t != "" {
				systemParts = append(systemParts, t)
			}
		case chat.RoleUser:
			if item, ok := a.userItem(ctx, m); ok {
				items = append(items, item)
			}
		case chat.RoleAssistant:
			items = append(items, a.assistantItems(m)...)
		case chat.RoleTool:
			for _, b := range m.Blocks {
				if b.Type == chat.BlockToolResult && b.ToolResult != nil {
					items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(
						b.ToolResult.ID, b.ToolResult.Payload,
					))
				}
			}
		}
	}
	return strings.Join(systemParts, "\n\n"), items
}

// userItem renders one user message as an input message with mixed text and
// image content. This family takes image URLs (and data URLs) directly.
func (a *Adapter) userItem(ctx context.Context, m chat.Message) (responses.ResponseInputItemUnionParam, bool) {
	var content responses.ResponseInputMessageContentListParam
	for _, b := range m.Blocks {
		switch b.Type {
		case chat.BlockText:
			if b.Text != "" {
				content = append(content, responses.ResponseInputContentUnionParam{
					OfInputText: &responses.ResponseInputTextParam{Text: b.Text},
				})
			}
		case chat.BlockImage:
			url := imageURL(b.Image)
			if url == "" {
				logger.G(ctx).Warn("dropping untranslatable image block")
				continue
			}
			content = append(content, responses.ResponseInputContentUnionParam{
				OfInputImage: &responses.ResponseInputImageParam{
					ImageURL: openai.String(url),
					Detail:   responses.ResponseInputImageDetailAuto,
				},
			})
		}
	}
	if len(content) == 0 {
		return responses.ResponseInputItemUnionParam{}, false
	}
	return responses.ResponseInputItemParamOfInputMessage(content, "user"), true
}

func imageURL(img *chat.ImageRef) string {
	switch {
	case img == nil:
		return ""
	case img.URL != "":
		return img.URL
	case img.Data != "":
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		return "data:" + mediaType + ";base64," + img.Data
	default:
		return ""
	}
}

// assistantItems renders an assistant history message: text becomes an easy
// message, tool-use blocks become function_call items.
func (a *Adapter) assistantItems(m chat.Message) []responses.ResponseInputItemUnionParam {
	var items []responses.ResponseInputItemUnionParam
	for _, b := range m.Blocks {
		switch b.Type {
		case chat.BlockText:
			if b.Text == "" {
				continue
			}
			items = append(items, responses.ResponseInputItemUnionParam{
				OfMessage: &responses.EasyInputMessageParam{
					Role: responses.EasyInputMessageRoleAssistant,
					Content: responses.EasyInputMessageContentUnionParam{
						OfString: openai.String(b.Text),
					},
				},
			})
		case chat.BlockToolUse:
			if b.ToolUse == nil {
				continue
			}
			items = append(items, responses.ResponseInputItemUnionParam{
				OfFunctionCall: &responses.ResponseFunctionToolCallParam{
					CallID:    b.ToolUse.ID,
					Name:      b.ToolUse.Name,
					Arguments: string(b.ToolUse.Arguments),
				},
			})
		}
	}
	return items
}

// renderTools builds the Responses function tool definitions.
func (a *Adapter) renderTools(tools []tooltypes.Tool) []responses.ToolUnionParam {
	var out []responses.ToolUnionParam
	for _, tool := range tools {
		schemaJSON, err := json.Marshal(tool.GenerateSchema())
		if err != nil {
			logger.L.WithError(err).WithField("tool", tool.Name()).Warn("failed to marshal tool schema")
			continue
		}
		var schemaMap map[string]any
		if err := json.Unmarshal(schemaJSON, &schemaMap); err != nil {
			logger.L.WithError(err).WithField("tool", tool.Name()).Warn("failed to parse tool schema")
			continue
		}
		out = append(out, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        tool.Name(),
				Description: openai.String(tool.Description()),
				Parameters:  schemaMap,
			},
		})
	}
	return out
}
