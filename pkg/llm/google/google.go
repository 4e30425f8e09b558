package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/genai"

	"github.com/switchboard-dev/switchboard/pkg/logger"
	"github.com/switchboard-dev/switchboard/pkg/types/chat"
	llmtypes "github.com/switchboard-dev/switchboard/pkg/types/llm"
	tooltypes "github.com/switchboard-dev/switchboard/pkg/types/tools"
)

const defaultMaxOutputTokens = 8192

// Adapter drives the Gemini API through the tool-use loop.
type Adapter struct {
	client   *genai.Client
	config   llmtypes.Config
	executor llmtypes.ToolExecutor
}

// New builds a Gemini adapter from per-request config.
func New(ctx context.Context, config llmtypes.Config, executor llmtypes.ToolExecutor) (*Adapter, error) {
	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions.BaseURL = config.BaseURL
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Gemini client")
	}
	return &Adapter{client: client, config: config, executor: executor}, nil
}

// response accumulates one streamed model turn.
type response struct {
	text      string
	toolCalls []*genai.FunctionCall
	usage     *genai.GenerateContentResponseUsageMetadata
	finish    string
}

// ChatCompletion runs the bounded tool-use loop, streaming events through h.
func (a *Adapter) ChatCompletion(ctx context.Context, req llmtypes.Request, state tooltypes.State, h llmtypes.Handler) (*llmtypes.Result, error) {
	system, contents := a.translate(ctx, req.Messages)

	maxTokens := a.config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}
	genConfig := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
		Tools:           renderTools(req.Tools),
	}
	if system != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	maxIterations := a.config.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 5
	}

	result := &llmtypes.Result{}
	for iteration := 0; iteration < maxIterations; iteration++ {
		turn, err := a.streamOne(ctx, contents, genConfig, h)
		if err != nil {
			return nil, err
		}
		result.Iterations++
		result.StopReason = turn.finish
		if turn.usage != nil {
			addUsage(&result.Usage, turn.usage)
		}
		if turn.text != "" {
			result.Content = turn.text
		}

		if len(turn.toolCalls) == 0 {
			return result, nil
		}

		// record the model turn, then execute and answer every call in a
		// single user message as the API requires
		var modelParts []*genai.Part
		if turn.text != "" {
			modelParts = append(modelParts, genai.NewPartFromText(turn.text))
		}
		var resultParts []*genai.Part
		for _, call := range turn.toolCalls {
			if call.ID == "" {
				call.ID = generateToolCallID()
			}
			modelParts = append(modelParts, &genai.Part{FunctionCall: call})

			args, err := json.Marshal(call.Args)
			if err != nil {
				return nil, errors.Wrap(err, "failed to marshal tool arguments")
			}
			h.ToolCall(call.ID, call.Name, args)
			output := a.executor.Run(ctx, state, call.Name, args)
			for _, src := range output.Sources {
				h.Source(src)
			}
			resultParts = append(resultParts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name: call.Name,
					Response: map[string]any{
						"call_id": call.ID,
						"result":  output.AssistantFacing(),
						"error":   output.IsError(),
					},
				},
			})
		}
		contents = append(contents,
			genai.NewContentFromParts(modelParts, genai.RoleModel),
			genai.NewContentFromParts(resultParts, genai.RoleUser),
		)
	}

	return nil, errors.Errorf("tool-use loop exceeded %d iterations", maxIterations)
}

// streamOne performs a single streamed generation call.
func (a *Adapter) streamOne(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig, h llmtypes.Handler) (*response, error) {
	turn := &response{}
	for chunk, err := range a.client.Models.GenerateContentStream(ctx, a.config.Model, contents, config) {
		if err != nil {
			return nil, classify(err)
		}
		if chunk.UsageMetadata != nil {
			turn.usage = chunk.UsageMetadata
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		candidate := chunk.Candidates[0]
		if candidate.FinishReason != "" {
			turn.finish = string(candidate.FinishReason)
		}
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			switch {
			case part.Text != "" && !part.Thought:
				h.Text(part.Text)
				turn.text += part.Text
			case part.FunctionCall != nil:
				turn.toolCalls = append(turn.toolCalls, part.FunctionCall)
			}
		}
	}
	return turn, nil
}

// addUsage folds one turn's usage into the aggregate. promptTokenCount is
// inclusive of cached content but the cost engine expects input exclusive of
// cache reads for this family, so the cached share is split out.
func addUsage(total *chat.Usage, usage *genai.GenerateContentResponseUsageMetadata) {
	cached := int(usage.CachedContentTokenCount)
	input := int(usage.PromptTokenCount) - cached
	if input < 0 {
		input = 0
	}
	total.Add(chat.Usage{
		InputTokens:     input,
		OutputTokens:    int(usage.CandidatesTokenCount),
		CacheReadTokens: cached,
	})
}

// classify separates transient upstream failures from fatal ones.
func classify(err error) error {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code >= 500 {
			return llmtypes.Retryable(errors.Wrap(err, "gemini call failed"))
		}
		return errors.Wrap(err, "gemini call failed")
	}
	// transport-level errors are worth another attempt
	return llmtypes.Retryable(errors.Wrap(err, "gemini call failed"))
}

// translate converts the canonical transcript to Gemini contents. Images
// ride as sibling parts of the message; tool history is replayed as
// function call and response parts.
func (a *Adapter) translate(ctx context.Context, msgs []chat.Message) (string, []*genai.Content) {
	var systemParts []string
	var contents []*genai.Content

	for _, m := range msgs {
		if m.Role == chat.RoleSystem {
			if t := m.Text(); t != "" {
				systemParts = append(systemParts, t)
			}
			continue
		}

		var parts []*genai.Part
		for _, b := range m.Blocks {
			switch b.Type {
			case chat.BlockText:
				if b.Text != "" {
					parts = append(parts, genai.NewPartFromText(b.Text))
				}
			case chat.BlockImage:
				part, err := a.imagePart(ctx, b.Image)
				if err != nil {
					logger.G(ctx).WithError(err).Warn("dropping untranslatable image block")
					continue
				}
				parts = append(parts, part)
			case chat.BlockToolUse:
				var args map[string]any
				if err := json.Unmarshal(b.ToolUse.Arguments, &args); err != nil {
					logger.G(ctx).WithError(err).Warn("dropping malformed tool-use block")
					continue
				}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: b.ToolUse.ID, Name: b.ToolUse.Name, Args: args},
				})
			case chat.BlockToolResult:
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						Name: b.ToolResult.ID,
						Response: map[string]any{
							"result": b.ToolResult.Payload,
							"error":  b.ToolResult.IsError,
						},
					},
				})
			}
		}
		if len(parts) == 0 {
			continue
		}

		role := genai.RoleUser
		if m.Role == chat.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromParts(parts, genai.Role(role)))
	}
	return strings.Join(systemParts, "\n\n"), contents
}

// imagePart inlines image bytes; this family has no URL pass-through for
// arbitrary hosts.
func (a *Adapter) imagePart(ctx context.Context, img *chat.ImageRef) (*genai.Part, error) {
	switch {
	case img == nil:
		return nil, errors.New("empty image reference")
	case img.Data != "":
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode inline image")
		}
		return genai.NewPartFromBytes(data, img.MediaType), nil
	case strings.HasPrefix(img.URL, "data:"):
		mediaType, data, err := llmtypes.DecodeDataURL(img.URL)
		if err != nil {
			return nil, err
		}
		return genai.NewPartFromBytes(data, mediaType), nil
	case strings.HasPrefix(img.URL, "http://"), strings.HasPrefix(img.URL, "https://"):
		mediaType, data, err := llmtypes.FetchImage(ctx, img.URL)
		if err != nil {
			return nil, err
		}
		return genai.NewPartFromBytes(data, mediaType), nil
	default:
		return nil, errors.Errorf("unsupported image reference %q", img.URL)
	}
}
