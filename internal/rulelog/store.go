// Package rulelog keeps the append-only record of rule firings.
package rulelog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hearthside-labs/vigil/internal/actions"
)

// Entry is one rule firing with its per-action results.
type Entry struct {
	ID       string           `json:"id"`
	RuleID   string           `json:"rule_id"`
	RuleName string           `json:"rule_name"`
	BatchID  string           `json:"batch_id,omitempty"`
	Source   string           `json:"source,omitempty"`
	FiredAt  time.Time        `json:"fired_at"`
	OK       bool             `json:"ok"`
	Results  []actions.Result `json:"results"`
}

// Store persists firing entries in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a rule log database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open rule log db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS rule_logs (
		id        TEXT PRIMARY KEY,
		rule_id   TEXT NOT NULL,
		rule_name TEXT NOT NULL,
		batch_id  TEXT NOT NULL DEFAULT '',
		source    TEXT NOT NULL DEFAULT '',
		fired_at  TEXT NOT NULL,
		ok        INTEGER NOT NULL,
		results   TEXT NOT NULL DEFAULT '[]'
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create rule_logs: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_rule_logs_rule ON rule_logs(rule_id, fired_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_rule_logs_fired_at ON rule_logs(fired_at)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records one firing.
func (s *Store) Append(e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.FiredAt.IsZero() {
		e.FiredAt = time.Now().UTC()
	}

	resultsJSON, err := json.Marshal(e.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO rule_logs (id, rule_id, rule_name, batch_id, source, fired_at, ok, results)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RuleID, e.RuleName, e.BatchID, e.Source,
		e.FiredAt.UTC().Format(time.RFC3339Nano), boolInt(e.OK), string(resultsJSON),
	)
	if err != nil {
		return fmt.Errorf("append rule log: %w", err)
	}
	return nil
}

// ListForRule returns the most recent firings of one rule.
func (s *Store) ListForRule(ruleID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(`SELECT id, rule_id, rule_name, batch_id, source, fired_at, ok, results
		FROM rule_logs WHERE rule_id = ? ORDER BY fired_at DESC LIMIT ?`, ruleID, limit)
}

// ListRecent returns the most recent firings across all rules.
func (s *Store) ListRecent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(`SELECT id, rule_id, rule_name, batch_id, source, fired_at, ok, results
		FROM rule_logs ORDER BY fired_at DESC LIMIT ?`, limit)
}

func (s *Store) list(query string, args ...any) ([]Entry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rule logs: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			e           Entry
			ok          int
			firedAt     string
			resultsJSON string
		)
		if err := rows.Scan(&e.ID, &e.RuleID, &e.RuleName, &e.BatchID, &e.Source,
			&firedAt, &ok, &resultsJSON); err != nil {
			continue
		}
		e.OK = ok != 0
		e.FiredAt, _ = time.Parse(time.RFC3339Nano, firedAt)
		_ = json.Unmarshal([]byte(resultsJSON), &e.Results)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries fired before the cutoff and reports how many
// rows were removed.
func (s *Store) Prune(before time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM rule_logs WHERE fired_at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune rule logs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
