package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"

	"github.com/switchboard-dev/switchboard/pkg/imagegen"
	"github.com/switchboard-dev/switchboard/pkg/logger"
	"github.com/switchboard-dev/switchboard/pkg/types/chat"
	llmtypes "github.com/switchboard-dev/switchboard/pkg/types/llm"
)

// proxyMaxEdge keeps model-facing proxies at roughly 2 megapixels.
const proxyMaxEdge = 1414

const proxyQuality = 85

// ImageNormalizer rewrites the image blocks of a turn: uploads are persisted
// full quality under uploaded/, the model sees only fresh downscaled proxies
// from temp/, and earlier messages lose their image blocks entirely.
type ImageNormalizer struct {
	Volume    string
	PublicURL func(rel string) string
}

// Normalize returns the rewritten transcript and a cleanup that removes the
// temp proxies. The cleanup must run when the turn ends, on success or
// failure.
func (n *ImageNormalizer) Normalize(ctx context.Context, msgs []chat.Message) ([]chat.Message, func()) {
	cleanup := func() {}
	if len(msgs) == 0 {
		return msgs, cleanup
	}

	out := make([]chat.Message, len(msgs))
	copy(out, msgs)

	// earlier messages never carry image bytes into the model request
	for i := range out[:len(out)-1] {
		out[i] = stripImages(out[i])
	}

	last := out[len(out)-1]
	var proxies []string
	var proxyPaths []string
	uploadedDir := filepath.Join(n.Volume, "uploaded")
	tempDir := filepath.Join(n.Volume, "temp")

	var kept []chat.Block
	for _, b := range last.Blocks {
		if b.Type != chat.BlockImage {
			kept = append(kept, b)
			continue
		}
		data, err := n.loadImage(ctx, b.Image)
		if err != nil {
			logger.G(ctx).WithError(err).Warn("dropping unreadable image block")
			continue
		}

		if err := n.persistUpload(ctx, uploadedDir, data); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to persist uploaded image")
		}

		proxyRel, proxyPath, err := n.writeProxy(tempDir, data)
		if err != nil {
			logger.G(ctx).WithError(err).Warn("failed to build image proxy")
			continue
		}
		proxies = append(proxies, n.PublicURL(proxyRel))
		proxyPaths = append(proxyPaths, proxyPath)
	}

	if inventory := n.inventoryBlock(uploadedDir); inventory != "" {
		kept = append(kept, chat.Block{Type: chat.BlockText, Text: inventory})
	}
	for _, u := range proxies {
		kept = append(kept, chat.Block{Type: chat.BlockImage, Image: &chat.ImageRef{URL: u}})
	}
	last.Blocks = kept
	out[len(out)-1] = last

	cleanup = func() {
		for _, p := range proxyPaths {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				logger.G(ctx).WithError(err).WithField("path", p).Warn("failed to remove proxy image")
			}
		}
	}
	return out, cleanup
}

func stripImages(m chat.Message) chat.Message {
	var kept []chat.Block
	for _, b := range m.Blocks {
		if b.Type != chat.BlockImage {
			kept = append(kept, b)
		}
	}
	m.Blocks = kept
	return m
}

// loadImage resolves an image reference to bytes. References already
// pointing into this conversation's volume are read from disk.
func (n *ImageNormalizer) loadImage(ctx context.Context, img *chat.ImageRef) ([]byte, error) {
	switch {
	case img == nil:
		return nil, errors.New("empty image reference")
	case img.Data != "":
		_, data, err := llmtypes.DecodeDataURL("data:" + img.MediaType + ";base64," + img.Data)
		return data, err
	case strings.HasPrefix(img.URL, "data:"):
		_, data, err := llmtypes.DecodeDataURL(img.URL)
		return data, err
	case n.isLocal(img.URL):
		rel := strings.TrimPrefix(img.URL, strings.TrimRight(n.PublicURL(""), "/")+"/")
		return os.ReadFile(filepath.Join(n.Volume, filepath.FromSlash(rel)))
	case strings.HasPrefix(img.URL, "http://"), strings.HasPrefix(img.URL, "https://"):
		_, data, err := llmtypes.FetchImage(ctx, img.URL)
		return data, err
	default:
		return nil, errors.Errorf("unsupported image reference %q", img.URL)
	}
}

func (n *ImageNormalizer) isLocal(url string) bool {
	base := strings.TrimRight(n.PublicURL(""), "/")
	return base != "" && strings.HasPrefix(url, base+"/")
}

// persistUpload stores the full-quality bytes with a side-car unless the
// same content is already on disk.
func (n *ImageNormalizer) persistUpload(ctx context.Context, uploadedDir string, data []byte) error {
	existing, err := imagegen.FindByMD5(uploadedDir, imagegen.MD5Sum(data))
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	a := imagegen.NewAsset(data, "uploaded", "user")
	a.PublicURL = n.PublicURL("uploaded/" + a.Filename)
	return imagegen.SaveAsset(uploadedDir, a, data)
}

// writeProxy stores a downscaled JPEG copy under temp/ and returns its
// volume-relative path and absolute path.
func (n *ImageNormalizer) writeProxy(tempDir string, data []byte) (rel, abs string, err error) {
	proxy, err := downscale(data)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", "", errors.Wrap(err, "failed to create temp directory")
	}
	name := imagegen.MD5Sum(proxy)[:16] + ".jpg"
	abs = filepath.Join(tempDir, name)
	if err := os.WriteFile(abs, proxy, 0o644); err != nil {
		return "", "", errors.Wrap(err, "failed to write proxy image")
	}
	return "temp/" + name, abs, nil
}

// downscale re-encodes the image as a JPEG with the longest edge clamped.
func downscale(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	longest := max(w, h)
	if longest > proxyMaxEdge {
		scale := float64(proxyMaxEdge) / float64(longest)
		w = int(float64(w) * scale)
		h = int(float64(h) * scale)
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)
		src = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: proxyQuality}); err != nil {
		return nil, errors.Wrap(err, "failed to encode proxy")
	}
	return buf.Bytes(), nil
}

// inventoryBlock renders the list of every persisted upload so the model can
// reference images by stable URL even though it only sees proxies.
func (n *ImageNormalizer) inventoryBlock(uploadedDir string) string {
	assets, err := imagegen.ListAssets(uploadedDir)
	if err != nil || len(assets) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Images available in this conversation:\n")
	for _, a := range assets {
		fmt.Fprintf(&sb, "- %s  %s  (uploaded %s)\n",
			a.Filename, a.PublicURL, a.Timestamp.Format("2006-01-02 15:04"))
	}
	return sb.String()
}
