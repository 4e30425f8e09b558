package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/image/draw"

	_ "image/gif"
	_ "image/jpeg"
)

const defaultSize = "1024x1024"

// Backend is a thin client for an OpenAI-images-compatible generation
// service. The base URL typically points at a self-hosted proxy rather than
// the hosted API.
type Backend struct {
	cli   *openai.Client
	model string
}

// NewBackend builds an image backend client.
func NewBackend(apiKey, baseURL, model string) *Backend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &Backend{cli: openai.NewClientWithConfig(cfg), model: model}
}

// GenerateRequest describes one text-to-image call.
type GenerateRequest struct {
	Prompt         string
	NegativePrompt string
	Size           string
}

// composePrompt folds the negative prompt into the prompt text, which is
// how the compatible backends expect it.
func composePrompt(prompt, negative string) string {
	if negative == "" {
		return prompt
	}
	return prompt + "\nNegative prompt: " + negative
}

func sizeOrDefault(size string) string {
	if size == "" {
		return defaultSize
	}
	return size
}

// Generate produces an image from a prompt and returns the raw bytes.
func (b *Backend) Generate(ctx context.Context, req GenerateRequest) ([]byte, error) {
	resp, err := b.cli.CreateImage(ctx, openai.ImageRequest{
		Prompt:         composePrompt(req.Prompt, req.NegativePrompt),
		Model:          b.model,
		N:              1,
		Size:           sizeOrDefault(req.Size),
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, errors.Wrap(err, "image generation failed")
	}
	return decodeImageData(resp)
}

// EditRequest describes one image-to-image call.
type EditRequest struct {
	Prompt         string
	NegativePrompt string
	Image          []byte
	Size           string
}

// Edit transforms a source image according to the prompt.
func (b *Backend) Edit(ctx context.Context, req EditRequest) ([]byte, error) {
	if len(req.Image) == 0 {
		return nil, errors.New("source image is required")
	}
	mime, ext := DetectImage(req.Image)
	resp, err := b.cli.CreateEditImage(ctx, openai.ImageEditRequest{
		Image:          openai.WrapReader(bytes.NewReader(req.Image), "source"+ext, mime),
		Prompt:         composePrompt(req.Prompt, req.NegativePrompt),
		Model:          b.model,
		N:              1,
		Size:           sizeOrDefault(req.Size),
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, errors.Wrap(err, "image edit failed")
	}
	return decodeImageData(resp)
}

// BlendRequest combines several source images under one prompt.
type BlendRequest struct {
	Prompt string
	Images [][]byte
	Size   string
}

// Blend composites the source images side by side and sends the composite
// through the edit endpoint. The backend sees a single canvas carrying all
// sources.
func (b *Backend) Blend(ctx context.Context, req BlendRequest) ([]byte, error) {
	if len(req.Images) < 2 {
		return nil, errors.New("blend needs at least two source images")
	}
	composite, err := CompositeStrip(req.Images, 512)
	if err != nil {
		return nil, err
	}
	return b.Edit(ctx, EditRequest{
		Prompt: "Blend the pictured source images into one coherent image. " + req.Prompt,
		Image:  composite,
		Size:   sizeOrDefault(req.Size),
	})
}

func decodeImageData(resp openai.ImageResponse) ([]byte, error) {
	if len(resp.Data) == 0 {
		return nil, errors.New("image backend returned no data")
	}
	d := resp.Data[0]
	if d.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode image payload")
		}
		return data, nil
	}
	return nil, errors.New("image backend returned no inline payload")
}

// CompositeStrip scales each image into a square cell and lays the cells
// out horizontally on one PNG canvas.
func CompositeStrip(images [][]byte, cell int) ([]byte, error) {
	canvas := image.NewRGBA(image.Rect(0, 0, cell*len(images), cell))
	for i, raw := range images {
		src, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode source image %d", i+1)
		}
		dst := image.Rect(i*cell, 0, (i+1)*cell, cell)
		draw.CatmullRom.Scale(canvas, dst, src, src.Bounds(), draw.Over, nil)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, errors.Wrap(err, "failed to encode composite")
	}
	return buf.Bytes(), nil
}

// SaveOutput persists generated image bytes under {volume}/comfyui with a
// side-car and returns the asset plus a markdown link built from the
// public URL resolver.
func SaveOutput(volume string, data []byte, publicURL func(rel string) string) (*Asset, string, error) {
	a := NewAsset(data, "generated", "assistant")
	dir := filepath.Join(volume, "comfyui")
	rel := "comfyui/" + a.Filename
	a.PublicURL = publicURL(rel)
	if err := SaveAsset(dir, a, data); err != nil {
		return nil, "", err
	}
	link := fmt.Sprintf("![%s](%s)", a.Filename, a.PublicURL)
	return a, link, nil
}
