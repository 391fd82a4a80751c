// Package auditlog provides a durable, asynchronously-written trail of
// SentinAI verdicts: SQLite in WAL mode behind a buffered channel and a
// single writer goroutine. Not part of the detection pipeline's own
// decision-making; losing this log never affects enforcement, only
// forensics.
package auditlog

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/sentinai/sentinai/internal/eventmodel"
)

const schema = `
CREATE TABLE IF NOT EXISTS verdict_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	module_id TEXT NOT NULL,
	path TEXT,
	source_ip TEXT,
	user_id TEXT,
	level TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT,
	target TEXT,
	mode TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_verdict_module ON verdict_log(module_id);
CREATE INDEX IF NOT EXISTS idx_verdict_level ON verdict_log(level);
CREATE INDEX IF NOT EXISTS idx_verdict_timestamp ON verdict_log(timestamp);
`

// Entry is a single recorded verdict, enriched with the request context it
// was attributed to and the mode (monitor/active) it was observed under.
type Entry struct {
	RequestID string
	Verdict   eventmodel.ThreatVerdict
	Path      string
	SourceIP  string
	UserID    string
	Mode      string
}

// Store manages the SQLite-backed verdict log.
type Store struct {
	db     *sql.DB
	writes chan Entry
	done   chan struct{}
	logger *slog.Logger
}

// Open opens (or creates) the verdict log database at dbPath and starts its
// write-loop goroutine.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{
		db:     db,
		writes: make(chan Entry, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.writeLoop()
	return s, nil
}

// Log enqueues a verdict for async recording. Only verdicts that carry a
// signal worth keeping — anything IsThreat() — are worth the caller's
// attention; Log accepts whatever it is given and leaves that filtering
// decision to the caller.
func (s *Store) Log(entry Entry) {
	select {
	case s.writes <- entry:
	default:
		s.logger.Warn("audit write buffer full, dropping verdict entry", "request_id", entry.RequestID)
	}
}

// QueryOpts filters a verdict log query.
type QueryOpts struct {
	ModuleID string
	Level    string
	Since    string
	Limit    int
}

// Query returns recorded verdicts matching opts, most recent first.
func (s *Store) Query(opts QueryOpts) ([]Entry, error) {
	query := `SELECT request_id, timestamp, module_id, path, source_ip, user_id, level, action, reason, target, mode
		FROM verdict_log WHERE 1=1`
	var args []any

	if opts.ModuleID != "" {
		query += " AND module_id = ?"
		args = append(args, opts.ModuleID)
	}
	if opts.Level != "" {
		query += " AND level = ?"
		args = append(args, opts.Level)
	}
	if opts.Since != "" {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since)
	}

	query += " ORDER BY timestamp DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else {
		query += " LIMIT 100"
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying verdict log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var level, action, timestamp string
		if err := rows.Scan(&e.RequestID, &timestamp, &e.Verdict.ModuleID, &e.Path, &e.SourceIP,
			&e.UserID, &level, &action, &e.Verdict.Reason, &e.Verdict.Target, &e.Mode); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		for l := eventmodel.LevelSafe; l <= eventmodel.LevelCritical; l++ {
			if l.String() == level {
				e.Verdict.Level = l
			}
		}
		for a := eventmodel.ActionAllow; a <= eventmodel.ActionBlock; a++ {
			if a.String() == action {
				e.Verdict.Action = a
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close flushes pending writes and closes the database.
func (s *Store) Close() error {
	close(s.writes)
	<-s.done
	return s.db.Close()
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for entry := range s.writes {
		_, err := s.db.Exec(
			`INSERT INTO verdict_log (request_id, timestamp, module_id, path, source_ip, user_id, level, action, reason, target, mode)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.RequestID, entry.Verdict.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			entry.Verdict.ModuleID, entry.Path, entry.SourceIP, entry.UserID,
			entry.Verdict.Level.String(), entry.Verdict.Action.String(),
			entry.Verdict.Reason, entry.Verdict.Target, entry.Mode,
		)
		if err != nil {
			s.logger.Error("audit write failed", "request_id", entry.RequestID, "error", err)
		}
	}
}
