// Package stream rebuilds a structured assistant message from the Messages
// API server-sent-events byte stream. The Reconstructor is a pure state
// machine: it is fed raw chunks from the upstream read loop, never blocks,
// never errors, and is finalised exactly once at upstream EOF.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/tapwire/tapwire/internal/capture"
)

const dataPrefix = "data: "

// Stream event payloads. Events are dispatched on the embedded "type" field
// of the data frame, so the parser does not depend on "event:" lines being
// present.

type streamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	Message      *startMessage `json:"message,omitempty"`
	ContentBlock *startBlock   `json:"content_block,omitempty"`
	Delta        *eventDelta   `json:"delta,omitempty"`
	Usage        *deltaUsage   `json:"usage,omitempty"`
}

type startMessage struct {
	ID    string        `json:"id"`
	Model string        `json:"model"`
	Usage capture.Usage `json:"usage"`
}

type startBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type eventDelta struct {
	Type        string  `json:"type"`
	Text        string  `json:"text,omitempty"`
	PartialJSON string  `json:"partial_json,omitempty"`
	StopReason  *string `json:"stop_reason,omitempty"`
}

type deltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

// openBlock is the content block currently being accumulated.
type openBlock struct {
	blockType string
	id        string
	name      string
	text      strings.Builder
	inputJSON strings.Builder
}

// Reconstructor accumulates stream events into a CaptureResponse. One
// instance exists per streaming request and is owned by the forwarder task
// that created it; it is never reused.
type Reconstructor struct {
	pending []byte

	messageID  string
	model      string
	usage      capture.Usage
	stopReason *string
	content    []capture.ContentBlock
	current    *openBlock
}

// New returns an empty reconstructor.
func New() *Reconstructor {
	return &Reconstructor{}
}

// Write feeds one chunk of the upstream byte stream. Chunk boundaries are
// arbitrary: a trailing partial line is retained until the next call. Write
// never fails, so it can sit behind the client copy in the tee without ever
// corrupting the client-visible stream.
func (r *Reconstructor) Write(p []byte) (int, error) {
	r.pending = append(r.pending, p...)

	for {
		nl := bytes.IndexByte(r.pending, '\n')
		if nl < 0 {
			return len(p), nil
		}
		line := r.pending[:nl]
		r.pending = r.pending[nl+1:]
		r.consumeLine(line)
	}
}

func (r *Reconstructor) consumeLine(raw []byte) {
	line := strings.TrimRight(string(raw), "\r")
	if line == "" || strings.HasPrefix(line, ":") {
		return
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return
	}

	payload := strings.TrimPrefix(line, dataPrefix)
	if payload == "[DONE]" {
		return
	}

	var event streamEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		// Malformed frame; drop it and continue with the next one.
		return
	}
	r.apply(&event)
}

func (r *Reconstructor) apply(event *streamEvent) {
	switch event.Type {
	case "message_start":
		if event.Message == nil {
			return
		}
		r.messageID = event.Message.ID
		r.model = event.Message.Model
		r.usage = event.Message.Usage

	case "content_block_start":
		if event.ContentBlock == nil {
			return
		}
		block := &openBlock{
			blockType: event.ContentBlock.Type,
			id:        event.ContentBlock.ID,
			name:      event.ContentBlock.Name,
		}
		if event.ContentBlock.Type == "text" {
			block.text.WriteString(event.ContentBlock.Text)
		}
		r.current = block

	case "content_block_delta":
		if r.current == nil || event.Delta == nil {
			return
		}
		switch event.Delta.Type {
		case "text_delta":
			r.current.text.WriteString(event.Delta.Text)
		case "input_json_delta":
			r.current.inputJSON.WriteString(event.Delta.PartialJSON)
		}

	case "content_block_stop":
		// A stop without an open block is ignored.
		if r.current == nil {
			return
		}
		r.content = append(r.content, r.closeBlock(r.current))
		r.current = nil

	case "message_delta":
		if event.Delta != nil && event.Delta.StopReason != nil {
			r.stopReason = event.Delta.StopReason
		}
		if event.Usage != nil {
			r.usage.OutputTokens = event.Usage.OutputTokens
		}

	case "message_stop":
		// Clean end; finalisation happens at upstream EOF.
	}
}

func (r *Reconstructor) closeBlock(block *openBlock) capture.ContentBlock {
	switch block.blockType {
	case "tool_use":
		input := map[string]any{}
		raw := block.inputJSON.String()
		if raw != "" {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
				input = parsed
			}
		}
		return capture.ContentBlock{
			Type:  "tool_use",
			ID:    block.id,
			Name:  block.name,
			Input: input,
		}
	default:
		return capture.ContentBlock{
			Type: "text",
			Text: block.text.String(),
		}
	}
}

// Model reports the model announced by message_start, or empty.
func (r *Reconstructor) Model() string {
	return r.model
}

// DropStopReason clears the accumulated stop reason. The forwarder calls
// this when the upstream stream errored mid-flight, so the persisted record
// carries stop_reason null.
func (r *Reconstructor) DropStopReason() {
	r.stopReason = nil
}

// Finalize consumes whatever state is present and builds the capture record.
// A missing message_stop is tolerated; a final line without a trailing
// newline is still processed. The reconstructor must not be written to
// afterwards.
func (r *Reconstructor) Finalize(requestID string, started time.Time) *capture.CaptureResponse {
	if len(r.pending) > 0 {
		line := r.pending
		r.pending = nil
		r.consumeLine(line)
	}

	content := r.content
	if content == nil {
		content = []capture.ContentBlock{}
	}

	return &capture.CaptureResponse{
		RequestID:  requestID,
		Timestamp:  time.Now().UTC(),
		DurationMS: time.Since(started).Milliseconds(),
		Model:      r.model,
		Content:    content,
		StopReason: r.stopReason,
		Usage:      r.usage,
	}
}
