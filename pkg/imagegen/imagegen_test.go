package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestAssetSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := pngBytes(t, 4, 4, color.White)

	a := NewAsset(data, "upload", "user")
	assert.Equal(t, "image/png", a.Mime)
	assert.Equal(t, "png", a.Extension)
	assert.Equal(t, int64(len(data)), a.Size)
	require.NoError(t, SaveAsset(dir, a, data))

	assets, err := ListAssets(dir)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, a.ID, assets[0].ID)

	found, err := FindByMD5(dir, MD5Sum(data))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, a.Filename, found.Filename)

	missing, err := FindByMD5(dir, "0000")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListAssetsOrderedByTimestamp(t *testing.T) {
	dir := t.TempDir()
	older := NewAsset(pngBytes(t, 2, 2, color.White), "upload", "user")
	older.Timestamp = time.Now().Add(-time.Hour)
	newer := NewAsset(pngBytes(t, 2, 2, color.Black), "upload", "user")

	require.NoError(t, SaveAsset(dir, newer, pngBytes(t, 2, 2, color.Black)))
	require.NoError(t, SaveAsset(dir, older, pngBytes(t, 2, 2, color.White)))

	assets, err := ListAssets(dir)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, older.ID, assets[0].ID)
	assert.Equal(t, newer.ID, assets[1].ID)
}

func TestListAssetsMissingDir(t *testing.T) {
	assets, err := ListAssets(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, assets)
}

func TestCompositeStrip(t *testing.T) {
	a := pngBytes(t, 10, 20, color.RGBA{R: 255, A: 255})
	b := pngBytes(t, 30, 5, color.RGBA{B: 255, A: 255})

	out, err := CompositeStrip([][]byte{a, b}, 64)
	require.NoError(t, err)

	img, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 128, img.Bounds().Dx())
	assert.Equal(t, 64, img.Bounds().Dy())
}

func TestGenerate(t *testing.T) {
	payload := pngBytes(t, 2, 2, color.White)
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/images/generations", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotPrompt, _ = body["prompt"].(string)
		json.NewEncoder(w).Encode(map[string]any{
			"created": time.Now().Unix(),
			"data":    []map[string]any{{"b64_json": base64.StdEncoding.EncodeToString(payload)}},
		})
	}))
	defer srv.Close()

	b := NewBackend("key", srv.URL, "flux-dev")
	out, err := b.Generate(context.Background(), GenerateRequest{
		Prompt:         "a lighthouse at dusk",
		NegativePrompt: "people",
	})
	require.NoError(t, err)
	assert.Equal(t, payload, out)
	assert.Contains(t, gotPrompt, "a lighthouse at dusk")
	assert.Contains(t, gotPrompt, "Negative prompt: people")
}

func TestEditRequiresImage(t *testing.T) {
	b := NewBackend("key", "http://unused.invalid", "m")
	_, err := b.Edit(context.Background(), EditRequest{Prompt: "p"})
	require.Error(t, err)
}

func TestBlendNeedsTwoImages(t *testing.T) {
	b := NewBackend("key", "http://unused.invalid", "m")
	_, err := b.Blend(context.Background(), BlendRequest{Prompt: "p", Images: [][]byte{pngBytes(t, 2, 2, color.White)}})
	require.Error(t, err)
}

func TestSaveOutput(t *testing.T) {
	volume := t.TempDir()
	data := pngBytes(t, 2, 2, color.White)

	a, link, err := SaveOutput(volume, data, func(rel string) string {
		return "https://gw.example/u/c/volume/" + rel
	})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(volume, "comfyui", a.Filename))
	assert.FileExists(t, filepath.Join(volume, "comfyui", a.Filename+".json"))
	assert.Contains(t, link, "![")
	assert.Contains(t, link, "https://gw.example/u/c/volume/comfyui/")
}
