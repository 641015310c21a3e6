package capture

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// logFileName is the fixed name of the capture log inside the data directory.
const logFileName = "messages.jsonl"

// Log is the append-only jsonl capture store. It owns the backing file
// exclusively; appends are serialised by an internal mutex so a partially
// written line can only be the last one in the file.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenLog creates the data directory if needed and opens the capture log for
// appending.
func OpenLog(dataDir string) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	l := &Log{path: filepath.Join(dataDir, logFileName)}
	if err := l.openFile(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the location of the backing file.
func (l *Log) Path() string {
	return l.path
}

func (l *Log) openFile() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open capture log: %w", err)
	}
	l.file = f
	return nil
}

// LogRequest appends a request entry.
func (l *Log) LogRequest(req *CaptureRequest) error {
	return l.append(EntryRequest, req)
}

// LogResponse appends a response entry.
func (l *Log) LogResponse(resp *CaptureResponse) error {
	return l.append(EntryResponse, resp)
}

func (l *Log) append(kind string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", kind, err)
	}

	line, err := json.Marshal(LogEntry{
		Type:      kind,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	})
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		// Clear closed the file; the next append re-creates it.
		if err := l.openFile(); err != nil {
			return err
		}
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append capture log: %w", err)
	}
	return nil
}

// ReadAll returns every entry in file order. Lines that fail to parse are
// skipped so a truncated final line never poisons a read.
func (l *Log) ReadAll() ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []LogEntry{}, nil
		}
		return []LogEntry{}, nil
	}
	defer f.Close()

	entries := []LogEntry{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return entries, nil
	}
	return entries, nil
}

// Pairs joins requests with their responses on request_id, in request
// insertion order. When several responses claim one id the last one wins.
func (l *Log) Pairs() ([]Pair, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}

	pairs := []Pair{}
	index := make(map[string]int)

	for _, entry := range entries {
		switch entry.Type {
		case EntryRequest:
			var req CaptureRequest
			if err := json.Unmarshal(entry.Data, &req); err != nil {
				continue
			}
			index[req.ID] = len(pairs)
			pairs = append(pairs, Pair{Request: &req})
		case EntryResponse:
			var resp CaptureResponse
			if err := json.Unmarshal(entry.Data, &resp); err != nil {
				continue
			}
			if i, ok := index[resp.RequestID]; ok {
				pairs[i].Response = &resp
			}
		}
	}

	return pairs, nil
}

// Clear closes and deletes the backing file. It takes the writer lock, so an
// in-flight append drains first; the next append re-creates the file.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove capture log: %w", err)
	}
	return nil
}

// Close flushes and closes the backing file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
