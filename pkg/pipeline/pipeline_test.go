package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-dev/switchboard/pkg/config"
	"github.com/switchboard-dev/switchboard/pkg/types/chat"
)

func TestVolumeURL(t *testing.T) {
	p := &Pipeline{Config: &config.Config{PublicDomain: "https://gw.example.com"}}

	assert.Equal(t, "https://gw.example.com/alice/conv-1/volume", p.VolumeURL("", "alice", "conv-1", ""))
	assert.Equal(t, "https://gw.example.com/alice/conv-1/volume/out/report.md", p.VolumeURL("", "alice", "conv-1", "/out/report.md"))

	// a per-turn domain takes precedence over the configured one
	assert.Equal(t, "https://edge.example.com/alice/conv-1/volume/out.txt",
		p.VolumeURL("https://edge.example.com/", "alice", "conv-1", "out.txt"))
}

func TestAllowlist(t *testing.T) {
	al := NewAllowlist([]string{"owui-prod", "10.0.0.0/8", "*.internal.example.com", "bad/cidr"})

	assert.True(t, al.Allowed("owui-prod"))
	assert.True(t, al.Allowed("10.1.2.3"))
	assert.True(t, al.Allowed("chat.internal.example.com"))
	assert.True(t, al.Allowed("bad/cidr"), "unparseable CIDR entries match literally")

	assert.False(t, al.Allowed("owui-staging"))
	assert.False(t, al.Allowed("11.0.0.1"))
	assert.False(t, al.Allowed("internal.example.com"))
	assert.False(t, al.Allowed(""))
}

func TestAllowlistWildcardAll(t *testing.T) {
	al := NewAllowlist([]string{"*"})
	assert.True(t, al.Allowed("anything"))
	assert.True(t, al.Allowed("10.99.99.99"))
}

func TestGuardUserMessages(t *testing.T) {
	long := strings.Repeat("word ", 2000)
	msgs := []chat.Message{
		chat.NewTextMessage(chat.RoleSystem, "sys"),
		chat.NewTextMessage(chat.RoleUser, long),
		chat.NewTextMessage(chat.RoleAssistant, long),
		chat.NewTextMessage(chat.RoleUser, "short"),
	}

	out := GuardUserMessages(msgs, 100)
	require.Len(t, out, 4)

	assert.Contains(t, out[1].Text(), "exceeds the 100 token limit")
	assert.Equal(t, long, out[2].Text(), "assistant messages are never replaced")
	assert.Equal(t, "short", out[3].Text())
	assert.Equal(t, long, msgs[1].Text(), "input slice is not mutated")
}

func TestGuardKeepsImageBlocks(t *testing.T) {
	msgs := []chat.Message{{
		Role: chat.RoleUser,
		Blocks: []chat.Block{
			{Type: chat.BlockText, Text: strings.Repeat("x", 5000)},
			{Type: chat.BlockImage, Image: &chat.ImageRef{URL: "https://example.com/a.png"}},
		},
	}}

	out := GuardUserMessages(msgs, 100)
	require.Len(t, out[0].Blocks, 2)
	assert.Equal(t, chat.BlockImage, out[0].Blocks[0].Type)
	assert.Contains(t, out[0].Blocks[1].Text, "omitted")
}

func pngPixels(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newNormalizer(t *testing.T) *ImageNormalizer {
	t.Helper()
	return &ImageNormalizer{
		Volume: t.TempDir(),
		PublicURL: func(rel string) string {
			return "https://gw.example.com/alice/conv-1/volume/" + rel
		},
	}
}

func TestNormalizePersistsUploadAndProxy(t *testing.T) {
	n := newNormalizer(t)
	raw := pngPixels(t, 8, 8)

	msgs := []chat.Message{{
		Role: chat.RoleUser,
		Blocks: []chat.Block{
			{Type: chat.BlockText, Text: "what is this?"},
			{Type: chat.BlockImage, Image: &chat.ImageRef{Data: base64.StdEncoding.EncodeToString(raw), MediaType: "image/png"}},
		},
	}}

	out, cleanup := n.Normalize(context.Background(), msgs)
	require.Len(t, out, 1)

	last := out[0]
	require.GreaterOrEqual(t, len(last.Blocks), 3)
	assert.Equal(t, "what is this?", last.Blocks[0].Text)

	var inventory, proxyURL string
	for _, b := range last.Blocks[1:] {
		switch b.Type {
		case chat.BlockText:
			inventory = b.Text
		case chat.BlockImage:
			proxyURL = b.Image.URL
		}
	}
	assert.Contains(t, inventory, "Images available in this conversation:")
	assert.Contains(t, inventory, "/volume/uploaded/")
	assert.Contains(t, proxyURL, "/volume/temp/")
	assert.True(t, strings.HasSuffix(proxyURL, ".jpg"))

	uploads, err := os.ReadDir(filepath.Join(n.Volume, "uploaded"))
	require.NoError(t, err)
	assert.NotEmpty(t, uploads)

	temps, err := os.ReadDir(filepath.Join(n.Volume, "temp"))
	require.NoError(t, err)
	require.Len(t, temps, 1)

	cleanup()
	_, err = os.Stat(filepath.Join(n.Volume, "temp", temps[0].Name()))
	assert.True(t, os.IsNotExist(err), "cleanup removes the proxy")
}

func TestNormalizeStripsEarlierImages(t *testing.T) {
	n := newNormalizer(t)

	msgs := []chat.Message{
		{
			Role: chat.RoleUser,
			Blocks: []chat.Block{
				{Type: chat.BlockText, Text: "earlier"},
				{Type: chat.BlockImage, Image: &chat.ImageRef{URL: "https://example.com/old.png"}},
			},
		},
		chat.NewTextMessage(chat.RoleAssistant, "a cat"),
		chat.NewTextMessage(chat.RoleUser, "thanks"),
	}

	out, cleanup := n.Normalize(context.Background(), msgs)
	defer cleanup()

	require.Len(t, out[0].Blocks, 1)
	assert.Equal(t, chat.BlockText, out[0].Blocks[0].Type)
	assert.True(t, msgs[0].HasImages(), "input slice keeps its blocks")
}

func TestNormalizeDedupesUploads(t *testing.T) {
	n := newNormalizer(t)
	raw := pngPixels(t, 4, 4)
	b64 := base64.StdEncoding.EncodeToString(raw)

	msg := chat.Message{
		Role: chat.RoleUser,
		Blocks: []chat.Block{
			{Type: chat.BlockImage, Image: &chat.ImageRef{Data: b64, MediaType: "image/png"}},
		},
	}

	_, cleanup := n.Normalize(context.Background(), []chat.Message{msg})
	cleanup()
	_, cleanup = n.Normalize(context.Background(), []chat.Message{msg})
	cleanup()

	assets, err := os.ReadDir(filepath.Join(n.Volume, "uploaded"))
	require.NoError(t, err)

	var images int
	for _, e := range assets {
		if strings.HasSuffix(e.Name(), ".png") {
			images++
		}
	}
	assert.Equal(t, 1, images, "same bytes uploaded twice are stored once")
}

func TestNormalizeDropsUnreadableImage(t *testing.T) {
	n := newNormalizer(t)

	msgs := []chat.Message{{
		Role: chat.RoleUser,
		Blocks: []chat.Block{
			{Type: chat.BlockText, Text: "look"},
			{Type: chat.BlockImage, Image: &chat.ImageRef{Data: "!!! not base64 !!!", MediaType: "image/png"}},
		},
	}}

	out, cleanup := n.Normalize(context.Background(), msgs)
	defer cleanup()

	require.Len(t, out[0].Blocks, 1)
	assert.Equal(t, "look", out[0].Blocks[0].Text)
}

func TestDownscaleClampsLongestEdge(t *testing.T) {
	raw := pngPixels(t, 2000, 500)

	proxy, err := downscale(raw)
	require.NoError(t, err)

	img, format, err := image.Decode(bytes.NewReader(proxy))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, proxyMaxEdge, img.Bounds().Dx())
	assert.Equal(t, 353, img.Bounds().Dy())
}
