package llm

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
)

const maxImageFetchBytes = 20 << 20

var imageFetchClient = &http.Client{Timeout: 30 * time.Second}

// DecodeDataURL splits a data URL into media type and raw bytes.
func DecodeDataURL(url string) (mediaType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", nil, errors.New("not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errors.New("malformed data url")
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		mediaType = "text/plain"
	}
	if strings.HasSuffix(meta, ";base64") {
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, errors.Wrap(err, "failed to decode data url payload")
		}
	} else {
		data = []byte(payload)
	}
	return mediaType, data, nil
}

// FetchImage downloads image bytes from an HTTP(S) URL and sniffs the media
// type.
func FetchImage(ctx context.Context, url string) (mediaType string, data []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to build image request")
	}
	resp, err := imageFetchClient.Do(req)
	if err != nil {
		return "", nil, errors.Wrapf(err, "failed to fetch image %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, errors.Errorf("image fetch %s returned %d", url, resp.StatusCode)
	}
	data, err = io.ReadAll(io.LimitReader(resp.Body, maxImageFetchBytes))
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to read image body")
	}
	return mimetype.Detect(data).String(), data, nil
}
