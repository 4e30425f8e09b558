package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/logger"
	"github.com/switchboard-dev/switchboard/pkg/types/chat"
	llmtypes "github.com/switchboard-dev/switchboard/pkg/types/llm"
	tooltypes "github.com/switchboard-dev/switchboard/pkg/types/tools"
)

const (
	defaultMaxTokens = 8192

	// marker placement on the system prompt only pays off past this size
	systemCacheThreshold = 1024
)

// Adapter drives the Anthropic Messages API through the tool-use loop.
type Adapter struct {
	client   anthropic.Client
	config   llmtypes.Config
	executor llmtypes.ToolExecutor
}

// New builds an Anthropic adapter from per-request config.
func New(config llmtypes.Config, executor llmtypes.ToolExecutor) *Adapter {
	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return &Adapter{
		client:   anthropic.NewClient(opts...),
		config:   config,
		executor: executor,
	}
}

// ChatCompletion runs the bounded tool-use loop, streaming events through h.
func (a *Adapter) ChatCompletion(ctx context.Context, req llmtypes.Request, state tooltypes.State, h llmtypes.Handler) (*llmtypes.Result, error) {
	system, messages, err := a.translate(ctx, req.Messages)
	if err != nil {
		return nil, err
	}
	tools := a.renderTools(req.Tools)

	maxIterations := a.config.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 5
	}
	maxTokens := a.config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	result := &llmtypes.Result{}
	for iteration := 0; iteration < maxIterations; iteration++ {
		if iteration > 0 {
			refreshMessageCacheMarker(messages)
		}

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(a.config.Model),
			MaxTokens: int64(maxTokens),
			System:    system,
			Messages:  messages,
			Tools:     tools,
		}

		response, err := a.streamOne(ctx, params, h)
		if err != nil {
			return nil, err
		}
		result.Iterations++
		result.Usage.Add(chat.Usage{
			InputTokens:      int(response.Usage.InputTokens),
			OutputTokens:     int(response.Usage.OutputTokens),
			CacheReadTokens:  int(response.Usage.CacheReadInputTokens),
			CacheWriteTokens: int(response.Usage.CacheCreationInputTokens),
		})
		result.StopReason = string(response.StopReason)

		messages = append(messages, response.ToParam())

		var toolResults []anthropic.ContentBlockParamUnion
		for _, block := range response.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				result.Content += variant.Text
			case anthropic.ToolUseBlock:
				args := json.RawMessage(variant.JSON.Input.Raw())
				h.ToolCall(variant.ID, variant.Name, args)
				output := a.executor.Run(ctx, state, variant.Name, args)
				for _, src := range output.Sources {
					h.Source(src)
				}
				toolResults = append(toolResults, anthropic.NewToolResultBlock(variant.ID, output.AssistantFacing(), output.IsError()))
			}
		}

		if len(toolResults) == 0 {
			return result, nil
		}
		messages = append(messages, anthropic.NewUserMessage(toolResults...))
	}

	return nil, errors.Errorf("tool-use loop exceeded %d iterations", maxIterations)
}

// streamOne performs a single streamed API call and accumulates the full
// message while forwarding text deltas.
func (a *Adapter) streamOne(ctx context.Context, params anthropic.MessageNewParams, h llmtypes.Handler) (*anthropic.Message, error) {
	stream := a.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, errors.Wrap(err, "failed to accumulate stream event")
		}
		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := eventVariant.Delta.AsAny().(anthropic.TextDelta); ok {
				h.Text(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}
	if len(message.Content) == 0 && message.StopReason == "" {
		return nil, errors.New("stream ended without a message")
	}
	return &message, nil
}

// classify separates transient transport failures from fatal ones.
func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return llmtypes.Retryable(errors.Wrap(err, "anthropic call failed"))
		}
		return errors.Wrap(err, "anthropic call failed")
	}
	return llmtypes.Retryable(errors.Wrap(err, "anthropic call failed"))
}

// translate converts the canonical transcript to wire shape. System
// messages collapse into the system prompt; tool messages become user
// messages carrying tool results.
func (a *Adapter) translate(ctx context.Context, msgs []chat.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	var systemParts []string
	var out []anthropic.MessageParam

	for _, m := range msgs {
		if m.Role == chat.RoleSystem {
			if t := m.Text(); t != "" {
				systemParts = append(systemParts, t)
			}
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Blocks {
			switch b.Type {
			case chat.BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case chat.BlockImage:
				img, err := a.imageBlock(ctx, b.Image)
				if err != nil {
					logger.G(ctx).WithError(err).Warn("dropping untranslatable image block")
					continue
				}
				blocks = append(blocks, img)
			case chat.BlockToolUse:
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    b.ToolUse.ID,
						Name:  b.ToolUse.Name,
						Input: b.ToolUse.Arguments,
					},
				})
			case chat.BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolResult.ID, b.ToolResult.Payload, b.ToolResult.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}

		switch m.Role {
		case chat.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}

	var system []anthropic.TextBlockParam
	if len(systemParts) > 0 {
		block := anthropic.TextBlockParam{Text: strings.Join(systemParts, "\n\n")}
		if llmtypes.EstimateText(block.Text) >= systemCacheThreshold {
			block.CacheControl = anthropic.CacheControlEphemeralParam{Type: "ephemeral"}
		}
		system = append(system, block)
	}
	return system, out, nil
}

// imageBlock translates one image reference. HTTPS URLs pass through, data
// URLs and plain-HTTP URLs are inlined as base64.
func (a *Adapter) imageBlock(ctx context.Context, img *chat.ImageRef) (anthropic.ContentBlockParamUnion, error) {
	switch {
	case img == nil:
		return anthropic.ContentBlockParamUnion{}, errors.New("empty image reference")
	case img.Data != "":
		return anthropic.NewImageBlockBase64(img.MediaType, img.Data), nil
	case strings.HasPrefix(img.URL, "data:"):
		mediaType, data, err := llmtypes.DecodeDataURL(img.URL)
		if err != nil {
			return anthropic.ContentBlockParamUnion{}, err
		}
		return anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(data)), nil
	case strings.HasPrefix(img.URL, "https://"):
		return anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: img.URL}), nil
	case strings.HasPrefix(img.URL, "http://"):
		mediaType, data, err := llmtypes.FetchImage(ctx, img.URL)
		if err != nil {
			return anthropic.ContentBlockParamUnion{}, err
		}
		return anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(data)), nil
	default:
		return anthropic.ContentBlockParamUnion{}, errors.Errorf("unsupported image reference %q", img.URL)
	}
}

// renderTools builds the wire tool definitions with a cache marker on the
// last one so the whole definition block becomes a cacheable prefix.
func (a *Adapter) renderTools(tools []tooltypes.Tool) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name(),
				Description: anthropic.String(tool.Description()),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.GenerateSchema().Properties,
				},
			},
		}
	}
	out[len(out)-1].OfTool.CacheControl = anthropic.CacheControlEphemeralParam{Type: "ephemeral"}
	return out
}

// refreshMessageCacheMarker clears prior message-level markers and sets one
// on the final block of the final message, making the accumulated prefix
// cacheable for the next iteration.
func refreshMessageCacheMarker(messages []anthropic.MessageParam) {
	mark := func(block *anthropic.ContentBlockParamUnion, cc anthropic.CacheControlEphemeralParam) {
		switch {
		case block.OfText != nil:
			block.OfText.CacheControl = cc
		case block.OfToolResult != nil:
			block.OfToolResult.CacheControl = cc
		case block.OfImage != nil:
			block.OfImage.CacheControl = cc
		case block.OfToolUse != nil:
			block.OfToolUse.CacheControl = cc
		}
	}

	var none anthropic.CacheControlEphemeralParam
	for mi := range messages {
		for bi := range messages[mi].Content {
			mark(&messages[mi].Content[bi], none)
		}
	}
	if len(messages) == 0 {
		return
	}
	last := &messages[len(messages)-1]
	if len(last.Content) == 0 {
		return
	}
	mark(&last.Content[len(last.Content)-1], anthropic.CacheControlEphemeralParam{Type: "ephemeral"})
}
