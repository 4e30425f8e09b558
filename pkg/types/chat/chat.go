// Package chat defines the canonical conversation model that sits above the
// three provider wire formats: messages made of heterogeneous content blocks,
// citations, usage counters and the stream event payloads.
package chat

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Block types.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Message is one conversation message. Content is a block sequence; a plain
// string body on the wire becomes a single text block.
type Message struct {
	Role   string  `json:"role"`
	Blocks []Block `json:"content"`
}

// Block is one content element of a message. Exactly one of the payload
// fields is set, according to Type.
type Block struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	Image      *ImageRef   `json:"image,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ImageRef references an image either by URL or by inline bytes.
type ImageRef struct {
	URL       string `json:"url,omitempty"`
	Data      string `json:"data,omitempty"` // base64 payload
	MediaType string `json:"media_type,omitempty"`
}

// ToolUse is a model-emitted tool invocation.
type ToolUse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult carries the outcome of a tool invocation back to the model.
type ToolResult struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
	IsError bool   `json:"is_error,omitempty"`
}

// Citation is a source reference emitted through the SSE channel for the UI
// to render.
type Citation struct {
	Source   CitationSource `json:"source"`
	Document string         `json:"document,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CitationSource names where a citation came from.
type CitationSource struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// Status is an out-of-band progress event ("Searching: tacos...", done=false).
type Status struct {
	Description string `json:"description"`
	Done        bool   `json:"done"`
}

// Usage aggregates token counters across every iteration of one request.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// TotalTokens returns the sum of all counters.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// NewTextMessage builds a single-text-block message.
func NewTextMessage(role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Type: BlockText, Text: text}}}
}

// Text concatenates all text blocks of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// HasImages reports whether any block is an image reference.
func (m Message) HasImages() bool {
	for _, b := range m.Blocks {
		if b.Type == BlockImage {
			return true
		}
	}
	return false
}

// wireMessage is the inbound JSON shape: content is either a plain string or
// an OpenAI-style array of typed parts.
type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wirePart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// UnmarshalJSON accepts both string content and content-part arrays.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.Wrap(err, "failed to decode message")
	}
	m.Role = wire.Role
	m.Blocks = nil

	if len(wire.Content) == 0 {
		return nil
	}

	var text string
	if err := json.Unmarshal(wire.Content, &text); err == nil {
		m.Blocks = []Block{{Type: BlockText, Text: text}}
		return nil
	}

	var parts []wirePart
	if err := json.Unmarshal(wire.Content, &parts); err != nil {
		return errors.Wrap(err, "message content is neither string nor part array")
	}
	for _, p := range parts {
		switch p.Type {
		case "text":
			m.Blocks = append(m.Blocks, Block{Type: BlockText, Text: p.Text})
		case "image_url", "image":
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				continue
			}
			m.Blocks = append(m.Blocks, Block{Type: BlockImage, Image: &ImageRef{URL: p.ImageURL.URL}})
		default:
			// Unknown part types are dropped rather than failing the request.
		}
	}
	return nil
}

// MarshalJSON renders the message back in the wire shape: plain string when
// the message is text-only, part array otherwise. Tool blocks are internal
// and never serialized outward.
func (m Message) MarshalJSON() ([]byte, error) {
	onlyText := true
	for _, b := range m.Blocks {
		if b.Type != BlockText {
			onlyText = false
			break
		}
	}
	if onlyText {
		return json.Marshal(struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{Role: m.Role, Content: m.Text()})
	}

	parts := make([]map[string]any, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockText:
			parts = append(parts, map[string]any{"type": "text", "text": b.Text})
		case BlockImage:
			if b.Image != nil && b.Image.URL != "" {
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": b.Image.URL},
				})
			}
		}
	}
	return json.Marshal(struct {
		Role    string           `json:"role"`
		Content []map[string]any `json:"content"`
	}{Role: m.Role, Content: parts})
}
