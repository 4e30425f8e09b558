package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/types/chat"
	tooltypes "github.com/switchboard-dev/switchboard/pkg/types/tools"
	"github.com/switchboard-dev/switchboard/pkg/websearch"
)

const (
	minSearchResults     = 1
	maxSearchResults     = 10
	defaultSearchResults = 3
)

// WebSearchTool queries the search backend.
type WebSearchTool struct {
	client *websearch.Client
}

// WebSearchInput defines the input parameters for web_search.
type WebSearchInput struct {
	Query              string `json:"query" jsonschema:"description=The search query"`
	MaxResults         int    `json:"max_results,omitempty" jsonschema:"description=Number of results to return (1-10, default 3)"`
	IncludeFullContent bool   `json:"include_full_content,omitempty" jsonschema:"description=Also fetch the full page content of each result. Expensive, use only when snippets are not enough"`
	IncludeImages      bool   `json:"include_images,omitempty" jsonschema:"description=Include image URLs found on result pages"`
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return `Search the web for current information. Returns result snippets with titles and URLs.

Use include_full_content only when the snippets are insufficient; it is significantly more expensive.`
}

func (t *WebSearchTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[WebSearchInput]()
}

func (t *WebSearchTool) ValidateInput(_ tooltypes.State, parameters string) error {
	var input WebSearchInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return errors.Wrap(err, "invalid input")
	}
	if strings.TrimSpace(input.Query) == "" {
		return errors.New("query is required")
	}
	return nil
}

func (t *WebSearchTool) Execute(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input WebSearchInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}

	maxResults := clampSearchResults(input.MaxResults)
	state.EmitStatus(fmt.Sprintf("Searching: %s…", input.Query), false)

	resp, err := t.client.Search(ctx, websearch.SearchRequest{
		Query:              input.Query,
		MaxResults:         maxResults,
		IncludeFullContent: input.IncludeFullContent,
		IncludeImages:      input.IncludeImages,
	})
	if err != nil {
		state.EmitStatus("Search failed", true)
		return tooltypes.ToolResult{Error: errors.Wrap(err, "web search failed").Error()}
	}
	state.EmitStatus(fmt.Sprintf("Found %d results", len(resp.Results)), true)

	var sb strings.Builder
	if resp.Answer != "" {
		sb.WriteString(resp.Answer)
		sb.WriteString("\n\n")
	}
	sources := make([]chat.Citation, 0, len(resp.Results))
	for i, hit := range resp.Results {
		fmt.Fprintf(&sb, "%d. %s\n%s\n%s\n\n", i+1, hit.Title, hit.URL, hit.Content)
		if hit.RawContent != "" {
			sb.WriteString(hit.RawContent)
			sb.WriteString("\n\n")
		}
		sources = append(sources, chat.Citation{
			Source:   chat.CitationSource{Name: hit.Title, URL: hit.URL},
			Document: hit.Content,
		})
	}
	for _, img := range resp.Images {
		fmt.Fprintf(&sb, "Image: %s\n", img)
	}
	return tooltypes.ToolResult{Result: strings.TrimSpace(sb.String()), Sources: sources}
}

func clampSearchResults(n int) int {
	switch {
	case n == 0:
		return defaultSearchResults
	case n < minSearchResults:
		return minSearchResults
	case n > maxSearchResults:
		return maxSearchResults
	}
	return n
}

// WebScrapeTool extracts page content as markdown.
type WebScrapeTool struct {
	client *websearch.Client
}

// WebScrapeInput defines the input parameters for web_scrape.
type WebScrapeInput struct {
	URLs []string `json:"urls" jsonschema:"description=The URLs to read (at most 20)"`
}

func (t *WebScrapeTool) Name() string { return "web_scrape" }

func (t *WebScrapeTool) Description() string {
	return "Fetch one or more web pages and return their content as markdown. Use after web_search when you need the full text of a page."
}

func (t *WebScrapeTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[WebScrapeInput]()
}

func (t *WebScrapeTool) ValidateInput(_ tooltypes.State, parameters string) error {
	var input WebScrapeInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return errors.Wrap(err, "invalid input")
	}
	if len(input.URLs) == 0 {
		return errors.New("at least one url is required")
	}
	if len(input.URLs) > websearch.MaxExtractURLs {
		return errors.Errorf("at most %d urls per call, got %d", websearch.MaxExtractURLs, len(input.URLs))
	}
	return nil
}

func (t *WebScrapeTool) Execute(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input WebScrapeInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}

	state.EmitStatus(fmt.Sprintf("Reading %d pages…", len(input.URLs)), false)
	resp, err := t.client.Extract(ctx, input.URLs)
	if err != nil {
		state.EmitStatus("Page read failed", true)
		return tooltypes.ToolResult{Error: errors.Wrap(err, "web scrape failed").Error()}
	}
	state.EmitStatus(fmt.Sprintf("Read %d pages", len(resp.Results)), true)

	var sb strings.Builder
	var sources []chat.Citation
	for _, r := range resp.Results {
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", r.URL, r.Markdown)
		sources = append(sources, chat.Citation{Source: chat.CitationSource{Name: r.URL, URL: r.URL}})
	}
	for _, failed := range resp.FailedResults {
		fmt.Fprintf(&sb, "Failed to read %s: %s\n", failed.URL, failed.Error)
	}
	return tooltypes.ToolResult{Result: strings.TrimSpace(sb.String()), Sources: sources}
}

// DeepResearchTool runs a long-form research job and saves the report into
// the conversation volume.
type DeepResearchTool struct {
	client *websearch.Client
}

// DeepResearchInput defines the input parameters for deep_research.
type DeepResearchInput struct {
	Query string `json:"query" jsonschema:"description=The research question"`
}

func (t *DeepResearchTool) Name() string { return "deep_research" }

func (t *DeepResearchTool) Description() string {
	return "Run an in-depth, multi-step research job on a topic. Takes minutes and returns a long-form report with a download link. Use for questions that need synthesis across many sources, not for simple lookups."
}

func (t *DeepResearchTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[DeepResearchInput]()
}

func (t *DeepResearchTool) ValidateInput(_ tooltypes.State, parameters string) error {
	var input DeepResearchInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return errors.Wrap(err, "invalid input")
	}
	if strings.TrimSpace(input.Query) == "" {
		return errors.New("query is required")
	}
	return nil
}

func (t *DeepResearchTool) Execute(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input DeepResearchInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: err.Error()}
	}

	state.EmitStatus(fmt.Sprintf("Researching: %s…", input.Query), false)
	report, err := t.client.Research(ctx, input.Query, func(progress string) {
		state.EmitStatus(progress, false)
	})
	if err != nil {
		state.EmitStatus("Research failed", true)
		return tooltypes.ToolResult{Error: errors.Wrap(err, "deep research failed").Error()}
	}
	state.EmitStatus("Research complete", true)

	result := report
	var sources []chat.Citation
	volume, err := state.VolumePath()
	if err == nil {
		mdRel, htmlRel, saveErr := websearch.SaveReport(volume, input.Query, report)
		if saveErr == nil {
			downloadURL := state.PublicURL(htmlRel)
			result += fmt.Sprintf("\n\nThe full report was saved; the user can download it at %s (markdown: %s).",
				downloadURL, state.PublicURL(mdRel))
			sources = append(sources, chat.Citation{
				Source: chat.CitationSource{Name: "Research report", URL: downloadURL},
			})
		}
	}
	return tooltypes.ToolResult{Result: result, Sources: sources}
}
