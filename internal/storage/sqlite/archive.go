// Package sqlite mirrors capture records into a SQLite database. The archive
// subscribes to the live-event fan-out, so downstream analysis tooling can
// query captures with SQL instead of re-reading the jsonl log. Like every
// other subscriber it is a best-effort observer: a full buffer loses rows,
// never slows the proxy.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tapwire/tapwire/internal/capture"
	"github.com/tapwire/tapwire/internal/fanout"
)

// Archive is the SQLite mirror of the capture log.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the archive database.
func Open(dbPath string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	a := &Archive{db: db, logger: logger}
	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return a, nil
}

func (a *Archive) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS captures (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			capture_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			model TEXT,
			created_at TIMESTAMP NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_capture_id ON captures(capture_id)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_kind ON captures(kind)`,
	}

	for _, stmt := range statements {
		if _, err := a.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record inserts one fan-out message.
func (a *Archive) Record(ctx context.Context, msg fanout.Message) error {
	var captureID, model string
	var createdAt time.Time

	switch data := msg.Data.(type) {
	case *capture.CaptureRequest:
		captureID = data.ID
		model = data.Model
		createdAt = data.Timestamp
	case *capture.CaptureResponse:
		captureID = data.RequestID
		model = data.Model
		createdAt = data.Timestamp
	default:
		return fmt.Errorf("unsupported payload type %T", msg.Data)
	}

	payload, err := json.Marshal(msg.Data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = a.db.ExecContext(ctx,
		`INSERT INTO captures (capture_id, kind, model, created_at, payload) VALUES (?, ?, ?, ?, ?)`,
		captureID, msg.Type, model, createdAt, string(payload))
	if err != nil {
		return fmt.Errorf("insert capture: %w", err)
	}
	return nil
}

// CountByKind reports how many rows of the given kind are archived.
func (a *Archive) CountByKind(ctx context.Context, kind string) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM captures WHERE kind = ?`, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count captures: %w", err)
	}
	return n, nil
}

// Run consumes the subscription until the hub closes it. Insert failures are
// logged and skipped.
func (a *Archive) Run(ctx context.Context, sub *fanout.Subscriber) {
	for {
		select {
		case msg := <-sub.C():
			if err := a.Record(ctx, msg); err != nil {
				a.logger.Error("archive insert failed",
					slog.String("kind", msg.Type),
					slog.String("error", err.Error()))
			}
		case <-sub.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
