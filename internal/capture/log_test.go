package capture

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testRequest(id string) *CaptureRequest {
	return &CaptureRequest{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Model:     "claude-3-5-haiku-20241022",
		Messages:  []Message{{Role: "user", Content: ContentBlocks{{Type: "text", Text: "hi"}}}},
	}
}

func testResponse(requestID string) *CaptureResponse {
	stop := "end_turn"
	return &CaptureResponse{
		RequestID:  requestID,
		Timestamp:  time.Now().UTC(),
		DurationMS: 12,
		Model:      "claude-3-5-haiku-20241022",
		Content:    []ContentBlock{{Type: "text", Text: "hello"}},
		StopReason: &stop,
		Usage:      Usage{InputTokens: 5, OutputTokens: 2},
	}
}

func TestLogAppendReadRoundTrip(t *testing.T) {
	log, err := OpenLog(t.TempDir())
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close()

	if err := log.LogRequest(testRequest("req-1")); err != nil {
		t.Fatalf("log request: %v", err)
	}
	if err := log.LogResponse(testResponse("req-1")); err != nil {
		t.Fatalf("log response: %v", err)
	}

	entries, err := log.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Type != EntryRequest || entries[1].Type != EntryResponse {
		t.Fatalf("expected request then response, got %s then %s", entries[0].Type, entries[1].Type)
	}
}

func TestLogSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenLog(dir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close()

	if err := log.LogRequest(testRequest("req-1")); err != nil {
		t.Fatalf("log request: %v", err)
	}

	// Simulate a torn final write.
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := f.WriteString(`{"type":"response","time`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	f.Close()

	entries, err := log.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the torn line to be skipped, got %d entries", len(entries))
	}
}

func TestPairsMatchingAndOrder(t *testing.T) {
	log, err := OpenLog(t.TempDir())
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close()

	log.LogRequest(testRequest("req-1"))
	log.LogRequest(testRequest("req-2"))
	log.LogResponse(testResponse("req-2"))

	pairs, err := log.Pairs()
	if err != nil {
		t.Fatalf("pairs: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d", len(pairs))
	}
	if pairs[0].Request.ID != "req-1" || pairs[0].Response != nil {
		t.Fatalf("expected req-1 unpaired, got %+v", pairs[0])
	}
	if pairs[1].Request.ID != "req-2" || pairs[1].Response == nil {
		t.Fatalf("expected req-2 paired, got %+v", pairs[1])
	}

	// Idempotence: a second read without writes returns the same join.
	again, err := log.Pairs()
	if err != nil {
		t.Fatalf("pairs again: %v", err)
	}
	if len(again) != len(pairs) {
		t.Fatalf("expected stable pair count, got %d then %d", len(pairs), len(again))
	}
}

func TestPairsLastResponseWins(t *testing.T) {
	log, err := OpenLog(t.TempDir())
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close()

	log.LogRequest(testRequest("req-1"))

	first := testResponse("req-1")
	first.DurationMS = 1
	second := testResponse("req-1")
	second.DurationMS = 2
	log.LogResponse(first)
	log.LogResponse(second)

	pairs, err := log.Pairs()
	if err != nil {
		t.Fatalf("pairs: %v", err)
	}
	if len(pairs) != 1 || pairs[0].Response == nil {
		t.Fatalf("expected one paired request, got %+v", pairs)
	}
	if pairs[0].Response.DurationMS != 2 {
		t.Fatalf("expected the last response to win, got duration %d", pairs[0].Response.DurationMS)
	}
}

func TestClearThenAppendRecreatesFile(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenLog(dir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close()

	log.LogRequest(testRequest("req-1"))

	if err := log.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, logFileName)); !os.IsNotExist(err) {
		t.Fatalf("expected log file to be deleted, stat err: %v", err)
	}

	entries, err := log.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty log after clear, got %d entries", len(entries))
	}

	if err := log.LogRequest(testRequest("req-2")); err != nil {
		t.Fatalf("append after clear: %v", err)
	}
	entries, _ = log.ReadAll()
	if len(entries) != 1 {
		t.Fatalf("expected the file to be re-created with 1 entry, got %d", len(entries))
	}
}
