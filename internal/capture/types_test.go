package capture

import (
	"encoding/json"
	"testing"
)

func TestParseRequestLiftsFields(t *testing.T) {
	body := `{
		"model": "claude-3-5-sonnet-20241022",
		"max_tokens": 1024,
		"stream": true,
		"system": [{"type": "text", "text": "be brief", "cache_control": {"type": "ephemeral"}}],
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [{"type": "text", "text": "hello"}]}
		],
		"tools": [{"name": "get_weather", "description": "weather lookup", "input_schema": {"type": "object"}}]
	}`

	rec := ParseRequest([]byte(body))

	if rec.ID == "" {
		t.Fatalf("expected a correlation id to be assigned")
	}
	if rec.Model != "claude-3-5-sonnet-20241022" {
		t.Fatalf("expected model to be lifted, got %q", rec.Model)
	}
	if rec.MaxTokens != 1024 || !rec.Stream {
		t.Fatalf("expected max_tokens/stream to be lifted, got %d/%v", rec.MaxTokens, rec.Stream)
	}
	if len(rec.System) != 1 || rec.System[0].Text != "be brief" {
		t.Fatalf("expected one system block, got %+v", rec.System)
	}
	if rec.System[0].CacheControl == nil || rec.System[0].CacheControl.Type != "ephemeral" {
		t.Fatalf("expected cache_control to survive, got %+v", rec.System[0].CacheControl)
	}
	if len(rec.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(rec.Messages))
	}
	if got := rec.Messages[0].Content; len(got) != 1 || got[0].Type != "text" || got[0].Text != "hi" {
		t.Fatalf("expected string content to normalise to a text block, got %+v", got)
	}
	if len(rec.Tools) != 1 || rec.Tools[0].Name != "get_weather" {
		t.Fatalf("expected tool definition, got %+v", rec.Tools)
	}
}

func TestParseRequestUnparseableBody(t *testing.T) {
	rec := ParseRequest([]byte("not json at all"))

	if rec.Model != ModelUnknown {
		t.Fatalf("expected model %q, got %q", ModelUnknown, rec.Model)
	}
	if rec.Messages == nil || len(rec.Messages) != 0 {
		t.Fatalf("expected empty messages, got %+v", rec.Messages)
	}
	if rec.ID == "" {
		t.Fatalf("expected a correlation id even for a bad body")
	}
}

func TestSystemPromptsAcceptsBareString(t *testing.T) {
	var req CaptureRequest
	if err := json.Unmarshal([]byte(`{"model":"m","system":"you are a proxy","messages":[]}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(req.System) != 1 {
		t.Fatalf("expected string system to normalise to one block, got %+v", req.System)
	}
	if req.System[0].Type != "text" || req.System[0].Text != "you are a proxy" {
		t.Fatalf("unexpected system block: %+v", req.System[0])
	}
}

func TestContentBlockVariants(t *testing.T) {
	body := `[
		{"type": "text", "text": "look at this"},
		{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "aWYgb25seQ=="}},
		{"type": "tool_use", "id": "toolu_01", "name": "get_weather", "input": {"city": "Oslo"}},
		{"type": "tool_result", "tool_use_id": "toolu_01", "content": [{"type": "text", "text": "cold"}], "is_error": false}
	]`

	var blocks ContentBlocks
	if err := json.Unmarshal([]byte(body), &blocks); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d", len(blocks))
	}
	if blocks[1].Source == nil || blocks[1].Source.MediaType != "image/png" {
		t.Fatalf("expected image source, got %+v", blocks[1].Source)
	}
	if blocks[2].ID != "toolu_01" || blocks[2].Name != "get_weather" {
		t.Fatalf("expected tool_use identity, got %+v", blocks[2])
	}
	if blocks[3].ToolUseID != "toolu_01" || len(blocks[3].Content) != 1 || blocks[3].Content[0].Text != "cold" {
		t.Fatalf("expected tool_result with nested blocks, got %+v", blocks[3])
	}
}

func TestToolResultAcceptsStringContent(t *testing.T) {
	var block ContentBlock
	if err := json.Unmarshal([]byte(`{"type":"tool_result","tool_use_id":"toolu_02","content":"done"}`), &block); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(block.Content) != 1 || block.Content[0].Text != "done" {
		t.Fatalf("expected string result to normalise to a text block, got %+v", block.Content)
	}
}
