package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalStringContent(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &m))
	assert.Equal(t, RoleUser, m.Role)
	require.Len(t, m.Blocks, 1)
	assert.Equal(t, "hello", m.Blocks[0].Text)
}

func TestUnmarshalPartArray(t *testing.T) {
	body := `{"role":"user","content":[
		{"type":"text","text":"what is this?"},
		{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}},
		{"type":"mystery","text":"dropped"}
	]}`
	var m Message
	require.NoError(t, json.Unmarshal([]byte(body), &m))
	require.Len(t, m.Blocks, 2, "unknown part types are dropped")
	assert.Equal(t, BlockText, m.Blocks[0].Type)
	assert.Equal(t, BlockImage, m.Blocks[1].Type)
	assert.Equal(t, "https://example.com/cat.png", m.Blocks[1].Image.URL)
	assert.True(t, m.HasImages())
}

func TestMarshalTextOnlyCollapsesToString(t *testing.T) {
	m := NewTextMessage(RoleAssistant, "done")
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"assistant","content":"done"}`, string(data))
}

func TestMarshalMixedContentKeepsParts(t *testing.T) {
	m := Message{Role: RoleUser, Blocks: []Block{
		{Type: BlockText, Text: "look"},
		{Type: BlockImage, Image: &ImageRef{URL: "https://example.com/a.png"}},
		{Type: BlockToolUse, ToolUse: &ToolUse{ID: "t1", Name: "web_search"}},
	}}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, `"image_url"`)
	assert.NotContains(t, s, "web_search", "tool blocks never serialize outward")
}

func TestUsageAccumulation(t *testing.T) {
	var u Usage
	u.Add(Usage{InputTokens: 100, OutputTokens: 20, CacheReadTokens: 50})
	u.Add(Usage{InputTokens: 40, OutputTokens: 10, CacheWriteTokens: 5})
	assert.Equal(t, 140, u.InputTokens)
	assert.Equal(t, 30, u.OutputTokens)
	assert.Equal(t, 225, u.TotalTokens())
}
