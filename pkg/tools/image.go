package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/imagegen"
	"github.com/switchboard-dev/switchboard/pkg/sandbox"
	llmtypes "github.com/switchboard-dev/switchboard/pkg/types/llm"
	tooltypes "github.com/switchboard-dev/switchboard/pkg/types/tools"
)

// ImageGenerationTool creates a new image from a text prompt.
type ImageGenerationTool struct {
	backend *imagegen.Backend
}

// ImageGenerationInput defines the input parameters for image_generation.
type ImageGenerationInput struct {
	Prompt         string `json:"prompt" jsonschema:"description=What the image should show"`
	NegativePrompt string `json:"negative_prompt,omitempty" jsonschema:"description=What the image should avoid"`
	Size           string `json:"size,omitempty" jsonschema:"description=Output size such as 1024x1024"`
}

func (t *ImageGenerationTool) Name() string { return "image_generation" }

func (t *ImageGenerationTool) Description() string {
	return "Generate an image from a text prompt. Returns a markdown link to the generated image; include the link verbatim in your answer so the user sees the image."
}

func (t *ImageGenerationTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[ImageGenerationInput]()
}

func (t *ImageGenerationTool) ValidateInput(_ tooltypes.State, parameters string) error {
	var input ImageGenerationInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return errors.Wrap(err, "invalid input")
	}
	if strings.TrimSpace(input.Prompt) == "" {
		return errors.New("prompt is required")
	}
	return nil
}

func (t *ImageGenerationTool) Execute(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input ImageGenerationInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}

	state.EmitStatus("Generating image…", false)
	data, err := t.backend.Generate(ctx, imagegen.GenerateRequest{
		Prompt:         input.Prompt,
		NegativePrompt: input.NegativePrompt,
		Size:           input.Size,
	})
	if err != nil {
		state.EmitStatus("Image generation failed", true)
		return tooltypes.ToolResult{Error: errors.Wrap(err, "image generation failed").Error()}
	}
	return persistImage(state, data)
}

// ImageEditTool transforms an existing image according to a prompt.
type ImageEditTool struct {
	backend *imagegen.Backend
}

// ImageEditInput defines the input parameters for image_edit.
type ImageEditInput struct {
	Prompt         string `json:"prompt" jsonschema:"description=How the image should change"`
	NegativePrompt string `json:"negative_prompt,omitempty" jsonschema:"description=What the result should avoid"`
	ImageURL       string `json:"image_url" jsonschema:"description=URL of the source image, typically a volume URL from the image inventory"`
	Size           string `json:"size,omitempty" jsonschema:"description=Output size such as 1024x1024"`
}

func (t *ImageEditTool) Name() string { return "image_edit" }

func (t *ImageEditTool) Description() string {
	return "Edit an existing image according to a prompt. The source is referenced by URL; use the URLs from the image inventory or from earlier generations."
}

func (t *ImageEditTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[ImageEditInput]()
}

func (t *ImageEditTool) ValidateInput(_ tooltypes.State, parameters string) error {
	var input ImageEditInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return errors.Wrap(err, "invalid input")
	}
	if strings.TrimSpace(input.Prompt) == "" {
		return errors.New("prompt is required")
	}
	if strings.TrimSpace(input.ImageURL) == "" {
		return errors.New("image_url is required")
	}
	return nil
}

func (t *ImageEditTool) Execute(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input ImageEditInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}

	source, err := resolveImage(ctx, state, input.ImageURL)
	if err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}

	state.EmitStatus("Editing image…", false)
	data, err := t.backend.Edit(ctx, imagegen.EditRequest{
		Prompt:         input.Prompt,
		NegativePrompt: input.NegativePrompt,
		Image:          source,
		Size:           input.Size,
	})
	if err != nil {
		state.EmitStatus("Image edit failed", true)
		return tooltypes.ToolResult{Error: errors.Wrap(err, "image edit failed").Error()}
	}
	return persistImage(state, data)
}

// ImageBlendTool combines several source images into one.
type ImageBlendTool struct {
	backend *imagegen.Backend
}

// ImageBlendInput defines the input parameters for image_blend.
type ImageBlendInput struct {
	Prompt    string   `json:"prompt" jsonschema:"description=How the images should be combined"`
	ImageURLs []string `json:"image_urls" jsonschema:"description=URLs of at least two source images"`
	Size      string   `json:"size,omitempty" jsonschema:"description=Output size such as 1024x1024"`
}

func (t *ImageBlendTool) Name() string { return "image_blend" }

func (t *ImageBlendTool) Description() string {
	return "Blend two or more source images into one according to a prompt."
}

func (t *ImageBlendTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[ImageBlendInput]()
}

func (t *ImageBlendTool) ValidateInput(_ tooltypes.State, parameters string) error {
	var input ImageBlendInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return errors.Wrap(err, "invalid input")
	}
	if strings.TrimSpace(input.Prompt) == "" {
		return errors.New("prompt is required")
	}
	if len(input.ImageURLs) < 2 {
		return errors.New("at least two image_urls are required")
	}
	return nil
}

func (t *ImageBlendTool) Execute(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input ImageBlendInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}

	images := make([][]byte, 0, len(input.ImageURLs))
	for _, u := range input.ImageURLs {
		data, err := resolveImage(ctx, state, u)
		if err != nil {
			return tooltypes.ToolResult{Error: err.Error()}
		}
		images = append(images, data)
	}

	state.EmitStatus("Blending images…", false)
	data, err := t.backend.Blend(ctx, imagegen.BlendRequest{
		Prompt: input.Prompt,
		Images: images,
		Size:   input.Size,
	})
	if err != nil {
		state.EmitStatus("Image blend failed", true)
		return tooltypes.ToolResult{Error: errors.Wrap(err, "image blend failed").Error()}
	}
	return persistImage(state, data)
}

// persistImage saves the output into the conversation volume with its
// side-car and returns the markdown link for the model.
func persistImage(state tooltypes.State, data []byte) tooltypes.ToolResult {
	volume, err := state.VolumePath()
	if err != nil {
		return tooltypes.ToolResult{Error: errors.Wrap(err, "failed to resolve conversation volume").Error()}
	}
	asset, link, err := imagegen.SaveOutput(volume, data, state.PublicURL)
	if err != nil {
		state.EmitStatus("Image ready", true)
		return tooltypes.ToolResult{Error: errors.Wrap(err, "failed to persist image").Error()}
	}
	state.EmitStatus("Image ready", true)
	return tooltypes.ToolResult{
		Result: fmt.Sprintf("Image saved as %s.\n%s\nInclude the markdown link verbatim to show the image.", asset.Filename, link),
	}
}

// resolveImage loads image bytes referenced by URL. URLs pointing into the
// conversation's own volume are read from disk; anything else is fetched.
func resolveImage(ctx context.Context, state tooltypes.State, url string) ([]byte, error) {
	if rel, ok := volumeRelative(state, url); ok {
		volume, err := state.VolumePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve conversation volume")
		}
		abs, err := sandbox.ResolveVolumePath(volume, rel)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read source image %s", rel)
		}
		return data, nil
	}
	if strings.HasPrefix(url, "data:") {
		_, data, err := llmtypes.DecodeDataURL(url)
		return data, err
	}
	_, data, err := llmtypes.FetchImage(ctx, url)
	return data, err
}

// volumeRelative reports whether the URL points into this conversation's
// volume, returning the path relative to the volume root.
func volumeRelative(state tooltypes.State, url string) (string, bool) {
	base := strings.TrimRight(state.PublicURL(""), "/")
	if base == "" || !strings.HasPrefix(url, base+"/") {
		return "", false
	}
	rel := strings.TrimPrefix(url, base+"/")
	return filepath.FromSlash(rel), rel != ""
}
