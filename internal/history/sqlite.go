// ABOUTME: SQLite-backed event history using modernc.org/sqlite
// ABOUTME: Records every bus event as a row and serves the most recent entries

package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/nvagent/internal/events"
)

const (
	// DefaultLimit is used by Recent when limit is not positive.
	DefaultLimit = 50

	// MaxLimit caps a single Recent call.
	MaxLimit = 1000

	writeTimeout = 5 * time.Second
)

// Entry is one recorded event.
type Entry struct {
	ID      int64
	Kind    events.Kind
	Line    string
	Address string
	At      time.Time
}

// Recorder persists events. It implements events.Subscriber and
// events.Receiver, so it can be attached to a bus directly.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the history database at path.
// Parent directories are created if needed.
func Open(path string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "history")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode so `nvagent logs` can read while the agent writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	r := &Recorder{db: db, logger: logger}
	if err := r.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("history store initialized", "path", path)
	return r, nil
}

func (r *Recorder) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			line TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Record inserts e.
func (r *Recorder) Record(ctx context.Context, e events.Event) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO events (kind, line, address, at) VALUES (?, ?, ?, ?)`,
		e.Kind.String(), e.Line, e.Address, at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// Receive records e, logging rather than returning failures.
func (r *Recorder) Receive(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.Record(ctx, e); err != nil {
		r.logger.Warn("failed to record event", "kind", e.Kind.String(), "error", err)
	}
}

// OnLog implements events.Subscriber.
func (r *Recorder) OnLog(line string) { r.Receive(events.Log(line)) }

// OnConnect implements events.Subscriber.
func (r *Recorder) OnConnect(address string) { r.Receive(events.Connected(address)) }

// OnDisconnect implements events.Subscriber.
func (r *Recorder) OnDisconnect() { r.Receive(events.Disconnected()) }

// Recent returns the newest limit entries in chronological order.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	query := `
		SELECT id, kind, line, address, at FROM (
			SELECT id, kind, line, address, at
			FROM events
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			kind, atTS string
		)
		if err := rows.Scan(&e.ID, &kind, &e.Line, &e.Address, &atTS); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		k, ok := events.ParseKind(kind)
		if !ok {
			r.logger.Warn("skipping event with unknown kind", "id", e.ID, "kind", kind)
			continue
		}
		e.Kind = k
		e.At, err = time.Parse(time.RFC3339Nano, atTS)
		if err != nil {
			return nil, fmt.Errorf("parsing event time: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return out, nil
}

// Prune deletes all but the newest keep entries and returns how many were removed.
func (r *Recorder) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	return res.RowsAffected()
}

// Clear deletes every entry.
func (r *Recorder) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("clearing events: %w", err)
	}
	return nil
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// String renders an entry as a single log line.
func (e Entry) String() string {
	ts := e.At.Local().Format("2006-01-02 15:04:05")
	switch e.Kind {
	case events.KindConnected:
		return ts + " connected " + e.Address
	case events.KindDisconnected:
		return ts + " disconnected"
	default:
		return ts + " " + e.Line
	}
}
