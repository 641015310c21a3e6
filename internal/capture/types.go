// Package capture defines the capture record schema shared by the proxy,
// the reconstructor, the jsonl log, and the live-event fan-out. Records are
// created once at ingress or stream end and never mutated afterwards.
package capture

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ModelUnknown is recorded when the request body could not be parsed.
const ModelUnknown = "unknown"

// CaptureRequest is the persisted view of one inbound Messages API request.
type CaptureRequest struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream"`
	System    SystemPrompts `json:"system,omitempty"`
	Messages  []Message     `json:"messages"`
	Tools     []Tool        `json:"tools,omitempty"`
}

// CaptureResponse is the persisted view of one upstream response, either
// reconstructed from the event stream or lifted from a buffered JSON body.
type CaptureResponse struct {
	RequestID  string         `json:"request_id"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMS int64          `json:"duration_ms"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason *string        `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Message is a role-tagged conversation message.
type Message struct {
	Role    string        `json:"role"`
	Content ContentBlocks `json:"content"`
}

// ContentBlocks supports both the string shortcut and the array-of-blocks
// form that the Messages API accepts.
type ContentBlocks []ContentBlock

// UnmarshalJSON handles both string and array content formats.
func (c *ContentBlocks) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*c = ContentBlocks{{Type: "text", Text: str}}
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// ContentBlock is the tagged variant over text, tool_use, tool_result, and
// image blocks. Type discriminates which fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string        `json:"tool_use_id,omitempty"`
	Content   ContentBlocks `json:"content,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`

	// For image blocks
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource describes an inline image payload.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// SystemPrompts is the canonical shape of the system prompt: an ordered list
// of blocks. A bare string body is normalised to a single text block.
type SystemPrompts []SystemBlock

// UnmarshalJSON handles both string and array system formats.
func (s *SystemPrompts) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = SystemPrompts{{Type: "text", Text: str}}
		return nil
	}

	var blocks []SystemBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*s = blocks
	return nil
}

// SystemBlock is one block of the system prompt.
type SystemBlock struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	CacheControl *Cache `json:"cache_control,omitempty"`
}

// Cache marks a block for prompt caching.
type Cache struct {
	Type string `json:"type"`
}

// Tool is a tool definition offered to the model.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

// Usage carries the token accounting reported by the upstream.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// LogEntry is one line of the capture log.
type LogEntry struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Entry kinds.
const (
	EntryRequest  = "request"
	EntryResponse = "response"
)

// Pair joins a request with its response, matched on request_id. Response is
// nil while the exchange is in flight or when reconstruction failed.
type Pair struct {
	Request  *CaptureRequest  `json:"request"`
	Response *CaptureResponse `json:"response"`
}

// ParseRequest lifts a CaptureRequest out of a raw request body. Parsing is
// best-effort: an unparseable body yields a record with Model "unknown" and
// no messages, never an error. The correlation id and ingress timestamp are
// assigned here.
func ParseRequest(body []byte) *CaptureRequest {
	rec := &CaptureRequest{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Model:     ModelUnknown,
		Messages:  []Message{},
	}

	var parsed CaptureRequest
	if err := json.Unmarshal(body, &parsed); err != nil {
		return rec
	}

	if parsed.Model != "" {
		rec.Model = parsed.Model
	}
	rec.MaxTokens = parsed.MaxTokens
	rec.Stream = parsed.Stream
	rec.System = parsed.System
	if parsed.Messages != nil {
		rec.Messages = parsed.Messages
	}
	rec.Tools = parsed.Tools

	return rec
}
