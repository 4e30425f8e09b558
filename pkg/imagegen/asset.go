package imagegen

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Asset is the JSON side-car persisted next to every image in a
// conversation volume. The content MD5 lets the same image be recognized
// when it arrives again as inline bytes on a later turn.
type Asset struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Mime      string    `json:"mime"`
	Extension string    `json:"extension"`
	Size      int64     `json:"size"`
	MD5       string    `json:"md5"`
	Source    string    `json:"source"`
	PublicURL string    `json:"public_url"`
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role"`
}

// MD5Sum returns the hex content hash used for asset dedup.
func MD5Sum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// DetectImage sniffs the mime type and canonical extension of image bytes.
func DetectImage(data []byte) (mime, ext string) {
	mt := mimetype.Detect(data)
	return mt.String(), mt.Extension()
}

// NewAsset fills in the content-derived fields of an asset.
func NewAsset(data []byte, source, role string) *Asset {
	mime, ext := DetectImage(data)
	id := uuid.NewString()
	return &Asset{
		ID:        id,
		Filename:  id + ext,
		Mime:      mime,
		Extension: strings.TrimPrefix(ext, "."),
		Size:      int64(len(data)),
		MD5:       MD5Sum(data),
		Source:    source,
		Timestamp: time.Now(),
		Role:      role,
	}
}

func sidecarPath(dir, filename string) string {
	return filepath.Join(dir, filename+".json")
}

// SaveAsset writes the image bytes and the side-car into dir.
func SaveAsset(dir string, a *Asset, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create asset directory")
	}
	if err := os.WriteFile(filepath.Join(dir, a.Filename), data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write image")
	}
	meta, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode asset metadata")
	}
	if err := os.WriteFile(sidecarPath(dir, a.Filename), meta, 0o644); err != nil {
		return errors.Wrap(err, "failed to write asset metadata")
	}
	return nil
}

// ListAssets reads every side-car in dir, oldest first. A missing directory
// yields an empty list.
func ListAssets(dir string) ([]Asset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read asset directory")
	}

	var out []Asset
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var a Asset
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// FindByMD5 looks for an already-persisted asset with the given content
// hash. Returns nil when absent.
func FindByMD5(dir, md5sum string) (*Asset, error) {
	assets, err := ListAssets(dir)
	if err != nil {
		return nil, err
	}
	for i := range assets {
		if assets[i].MD5 == md5sum {
			return &assets[i], nil
		}
	}
	return nil, nil
}
