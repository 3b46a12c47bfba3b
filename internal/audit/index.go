package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteIndex is a queryable projection of the ledger. The JSONL files are
// the source of truth; the index can always be rebuilt from them and a
// failed insert never fails a write.
type sqliteIndex struct {
	db *sql.DB
}

const indexColumns = "segment, line, ts, run_id, session_id, action_class, tool_name, args_summary, outcome, reversible, operator_authorized, hash"

// openIndex opens (or creates) the SQLite index database.
func openIndex(path string) (*sqliteIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}
	// One writer at a time matches the single-writer log.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
			segment             TEXT NOT NULL DEFAULT '',
			line                INTEGER NOT NULL,
			ts                  TEXT NOT NULL,
			run_id              TEXT NOT NULL,
			session_id          TEXT NOT NULL DEFAULT '',
			action_class        TEXT NOT NULL,
			tool_name           TEXT NOT NULL,
			args_summary        TEXT NOT NULL DEFAULT '',
			outcome             TEXT NOT NULL,
			reversible          INTEGER NOT NULL DEFAULT 0,
			operator_authorized INTEGER NOT NULL DEFAULT 0,
			hash                TEXT NOT NULL UNIQUE
		);
		CREATE INDEX IF NOT EXISTS idx_run ON entries(run_id);
		CREATE INDEX IF NOT EXISTS idx_session ON entries(session_id);
		CREATE INDEX IF NOT EXISTS idx_tool ON entries(tool_name);
		CREATE INDEX IF NOT EXISTS idx_outcome ON entries(outcome);
		CREATE INDEX IF NOT EXISTS idx_ts ON entries(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertEntry(x execer, e *IndexedEntry) error {
	_, err := x.Exec(
		`INSERT OR IGNORE INTO entries (`+indexColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Segment, e.Line, e.Timestamp, e.RunID, e.SessionID, e.ActionClass,
		e.ToolName, e.ArgsSummary, e.Outcome, e.Reversible, e.OperatorAuthorized, e.IntegrityHash,
	)
	return err
}

// insert adds one committed entry. Errors are logged, not returned.
func (idx *sqliteIndex) insert(e *IndexedEntry) {
	if err := insertEntry(idx.db, e); err != nil {
		slog.Error("sqlite index insert failed", "hash", e.IntegrityHash, "error", err)
	}
}

// moveLive reassigns the rows of the live file to the segment it was
// rotated into.
func (idx *sqliteIndex) moveLive(segment string) {
	if _, err := idx.db.Exec(`UPDATE entries SET segment = ? WHERE segment = ''`, segment); err != nil {
		slog.Error("sqlite index segment update failed", "segment", segment, "error", err)
	}
}

// rebuild replaces the whole index with entries, in chain order.
func (idx *sqliteIndex) rebuild(entries []IndexedEntry) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("starting reindex transaction: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM entries`); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing index: %w", err)
	}
	for i := range entries {
		if err := insertEntry(tx, &entries[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("reindexing entry %s: %w", entries[i].IntegrityHash, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing reindex: %w", err)
	}
	return nil
}

// query returns entries matching params, newest first.
func (idx *sqliteIndex) query(params QueryParams) ([]IndexedEntry, error) {
	query := "SELECT " + indexColumns + " FROM entries WHERE 1=1"
	var args []any

	if params.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, params.RunID)
	}
	if params.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, params.SessionID)
	}
	if params.ToolName != "" {
		query += " AND tool_name = ?"
		args = append(args, params.ToolName)
	}
	if params.ActionClass != "" {
		query += " AND action_class = ?"
		args = append(args, params.ActionClass)
	}
	if params.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, params.Outcome)
	}
	if params.Since != "" {
		// Since is already in TimestampFormat, which sorts lexically.
		query += " AND ts >= ?"
		args = append(args, params.Since)
	}

	query += " ORDER BY seq DESC"

	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite index: %w", err)
	}
	defer rows.Close()

	var entries []IndexedEntry
	for rows.Next() {
		var e IndexedEntry
		err := rows.Scan(
			&e.Segment, &e.Line, &e.Timestamp, &e.RunID, &e.SessionID,
			&e.ActionClass, &e.ToolName, &e.ArgsSummary, &e.Outcome,
			&e.Reversible, &e.OperatorAuthorized, &e.IntegrityHash,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// tail returns the n most recent entries.
func (idx *sqliteIndex) tail(n int) ([]IndexedEntry, error) {
	return idx.query(QueryParams{Limit: n})
}

// hasHash reports whether the index contains the entry with this hash.
func (idx *sqliteIndex) hasHash(hash string) bool {
	var one int
	err := idx.db.QueryRow(`SELECT 1 FROM entries WHERE hash = ?`, hash).Scan(&one)
	return err == nil
}

// count returns the number of indexed entries.
func (idx *sqliteIndex) count() int {
	var n int
	if err := idx.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}
