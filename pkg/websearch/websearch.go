package websearch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/logger"
)

const defaultBaseURL = "https://api.tavily.com"

// Client talks to a Tavily-compatible search backend.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient builds a search client. baseURL falls back to the hosted
// endpoint when empty.
func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// apiError carries the upstream status so retry classification can see it.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("search backend returned %d: %s", e.Status, e.Body)
}

func isRetryable(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Status == http.StatusTooManyRequests || ae.Status >= 500
	}
	// transport-level failures are worth another attempt
	return true
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode request")
	}

	var resp *http.Response
	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+c.apiKey)

			r, err := c.http.Do(req)
			if err != nil {
				return err
			}
			if r.StatusCode >= 400 {
				msg, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
				r.Body.Close()
				apiErr := &apiError{Status: r.StatusCode, Body: strings.TrimSpace(string(msg))}
				if !isRetryable(apiErr) {
					return retry.Unrecoverable(apiErr)
				}
				return apiErr
			}
			resp = r
			return nil
		},
		retry.RetryIf(func(err error) bool {
			return retry.IsRecoverable(err) && isRetryable(err)
		}),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Warn("retrying search backend call")
		}),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	resp, err := c.post(ctx, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode search backend response")
	}
	return nil
}

// SearchRequest are the knobs of one search call.
type SearchRequest struct {
	Query              string
	MaxResults         int
	IncludeFullContent bool
	IncludeImages      bool
}

// SearchHit is one search result.
type SearchHit struct {
	Title      string  `json:"title"`
	URL        string  `json:"url"`
	Content    string  `json:"content"`
	RawContent string  `json:"raw_content,omitempty"`
	Score      float64 `json:"score"`
}

// SearchResponse is the backend's answer to a search call.
type SearchResponse struct {
	Query   string      `json:"query"`
	Answer  string      `json:"answer,omitempty"`
	Images  []string    `json:"images,omitempty"`
	Results []SearchHit `json:"results"`
}

// Search runs a web search.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	payload := map[string]any{
		"query":       req.Query,
		"max_results": req.MaxResults,
	}
	if req.IncludeFullContent {
		payload["include_raw_content"] = true
	}
	if req.IncludeImages {
		payload["include_images"] = true
	}

	var out SearchResponse
	if err := c.postJSON(ctx, "/search", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtractResult is the extracted content of one URL.
type ExtractResult struct {
	URL      string `json:"url"`
	Markdown string `json:"-"`

	RawContent string `json:"raw_content"`
}

// ExtractResponse is the backend's answer to a batch extract call.
type ExtractResponse struct {
	Results       []ExtractResult `json:"results"`
	FailedResults []struct {
		URL   string `json:"url"`
		Error string `json:"error"`
	} `json:"failed_results,omitempty"`
}

// MaxExtractURLs bounds one extract batch.
const MaxExtractURLs = 20

// Extract fetches and extracts a batch of URLs. HTML payloads are converted
// to markdown; content that already reads as markdown passes through.
func (c *Client) Extract(ctx context.Context, urls []string) (*ExtractResponse, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one url is required")
	}
	if len(urls) > MaxExtractURLs {
		return nil, errors.Errorf("at most %d urls per extract call, got %d", MaxExtractURLs, len(urls))
	}

	var out ExtractResponse
	if err := c.postJSON(ctx, "/extract", map[string]any{"urls": urls}, &out); err != nil {
		return nil, err
	}
	for i := range out.Results {
		out.Results[i].Markdown = toMarkdown(out.Results[i].RawContent)
	}
	return &out, nil
}

// toMarkdown converts HTML content to markdown, passing non-HTML content
// through unchanged.
func toMarkdown(content string) string {
	trimmed := strings.TrimSpace(content)
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "<!doctype") && !strings.HasPrefix(lower, "<html") && !strings.Contains(lower, "<body") {
		return trimmed
	}
	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(trimmed)
	if err != nil {
		return trimmed
	}
	return markdown
}

// researchEvent is one NDJSON line of the streaming research endpoint.
type researchEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Research runs a long-form research query. Progress descriptions stream
// through onProgress; the return value is the final markdown report.
func (c *Client) Research(ctx context.Context, query string, onProgress func(string)) (string, error) {
	resp, err := c.post(ctx, "/research", map[string]any{"query": query, "stream": true})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var report strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev researchEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			logger.G(ctx).WithError(err).Debug("skipping malformed research event")
			continue
		}
		switch ev.Type {
		case "progress":
			if onProgress != nil {
				onProgress(ev.Content)
			}
		case "report":
			report.WriteString(ev.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", errors.Wrap(err, "research stream failed")
	}
	if report.Len() == 0 {
		return "", errors.New("research completed without a report")
	}
	return report.String(), nil
}
