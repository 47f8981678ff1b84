package rules

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// RuntimeState is the per-(rule, node) evaluation memory: edge tracking
// for the root node, hold tracking for for-node children, and the
// failure bookkeeping that drives backoff and suspension. The rule-level
// row lives at node_id "when".
type RuntimeState struct {
	RuleID               string     `json:"rule_id"`
	NodeID               string     `json:"node_id"`
	LastFiredAt          *time.Time `json:"last_fired_at,omitempty"`
	LastWhenMatched      *bool      `json:"last_when_matched,omitempty"`
	LastWhenTransitionAt *time.Time `json:"last_when_transition_at,omitempty"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	NextAllowedAt        *time.Time `json:"next_allowed_at,omitempty"`
	ErrorSuspended       bool       `json:"error_suspended"`
	LastError            string     `json:"last_error,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// RuntimeStore persists RuntimeState rows in SQLite. Upserts for one
// (rule_id, node_id) are serialized by the write transaction.
type RuntimeStore struct {
	db *sql.DB
}

// NewRuntimeStore opens (or creates) a rule runtime database.
func NewRuntimeStore(dbPath string) (*RuntimeStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open rule runtime db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS rule_runtime (
		rule_id                 TEXT NOT NULL,
		node_id                 TEXT NOT NULL,
		last_fired_at           TEXT,
		last_when_matched       INTEGER,
		last_when_transition_at TEXT,
		consecutive_failures    INTEGER NOT NULL DEFAULT 0,
		last_failure_at         TEXT,
		next_allowed_at         TEXT,
		error_suspended         INTEGER NOT NULL DEFAULT 0,
		last_error              TEXT NOT NULL DEFAULT '',
		updated_at              TEXT NOT NULL,
		PRIMARY KEY (rule_id, node_id)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create rule_runtime: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_rule_runtime_suspended ON rule_runtime(error_suspended)`)

	return &RuntimeStore{db: db}, nil
}

// Close closes the underlying database.
func (s *RuntimeStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the state for one (rule, node), or sql.ErrNoRows.
func (s *RuntimeStore) Get(ruleID, nodeID string) (*RuntimeState, error) {
	row := s.db.QueryRow(`SELECT rule_id, node_id, last_fired_at, last_when_matched,
			last_when_transition_at, consecutive_failures, last_failure_at,
			next_allowed_at, error_suspended, last_error, updated_at
		FROM rule_runtime WHERE rule_id = ? AND node_id = ?`, ruleID, nodeID)
	return scanRuntime(row)
}

// ForRule returns every node state of one rule keyed by node id.
func (s *RuntimeStore) ForRule(ruleID string) (map[string]*RuntimeState, error) {
	rows, err := s.db.Query(`SELECT rule_id, node_id, last_fired_at, last_when_matched,
			last_when_transition_at, consecutive_failures, last_failure_at,
			next_allowed_at, error_suspended, last_error, updated_at
		FROM rule_runtime WHERE rule_id = ?`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("query rule runtime: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*RuntimeState)
	for rows.Next() {
		rt, err := scanRuntime(rows)
		if err != nil {
			continue
		}
		out[rt.NodeID] = rt
	}
	return out, rows.Err()
}

// SaveAll upserts the given states in one transaction, so a rule's
// post-evaluation flush is atomic.
func (s *RuntimeStore) SaveAll(states []*RuntimeState) error {
	if len(states) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin runtime save: %w", err)
	}
	defer tx.Rollback()

	for _, rt := range states {
		if rt.UpdatedAt.IsZero() {
			rt.UpdatedAt = time.Now().UTC()
		}
		if _, err := tx.Exec(`INSERT INTO rule_runtime (rule_id, node_id, last_fired_at,
				last_when_matched, last_when_transition_at, consecutive_failures,
				last_failure_at, next_allowed_at, error_suspended, last_error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(rule_id, node_id) DO UPDATE SET
				last_fired_at           = excluded.last_fired_at,
				last_when_matched       = excluded.last_when_matched,
				last_when_transition_at = excluded.last_when_transition_at,
				consecutive_failures    = excluded.consecutive_failures,
				last_failure_at         = excluded.last_failure_at,
				next_allowed_at         = excluded.next_allowed_at,
				error_suspended         = excluded.error_suspended,
				last_error              = excluded.last_error,
				updated_at              = excluded.updated_at`,
			rt.RuleID, rt.NodeID,
			nullTime(rt.LastFiredAt),
			nullBool(rt.LastWhenMatched),
			nullTime(rt.LastWhenTransitionAt),
			rt.ConsecutiveFailures,
			nullTime(rt.LastFailureAt),
			nullTime(rt.NextAllowedAt),
			boolInt(rt.ErrorSuspended),
			rt.LastError,
			rt.UpdatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("save runtime %s/%s: %w", rt.RuleID, rt.NodeID, err)
		}
	}
	return tx.Commit()
}

// Save upserts a single state.
func (s *RuntimeStore) Save(rt *RuntimeState) error {
	return s.SaveAll([]*RuntimeState{rt})
}

// ListSuspended returns every rule-level row whose breaker is open.
func (s *RuntimeStore) ListSuspended() ([]RuntimeState, error) {
	rows, err := s.db.Query(`SELECT rule_id, node_id, last_fired_at, last_when_matched,
			last_when_transition_at, consecutive_failures, last_failure_at,
			next_allowed_at, error_suspended, last_error, updated_at
		FROM rule_runtime WHERE error_suspended = 1 AND node_id = ?
		ORDER BY rule_id`, RootNodeID)
	if err != nil {
		return nil, fmt.Errorf("query suspended rules: %w", err)
	}
	defer rows.Close()

	out := make([]RuntimeState, 0)
	for rows.Next() {
		rt, err := scanRuntime(rows)
		if err != nil {
			continue
		}
		out = append(out, *rt)
	}
	return out, rows.Err()
}

// ClearSuspension closes an open breaker and zeroes the failure
// bookkeeping. Returns sql.ErrNoRows when the rule has no open
// suspension to clear.
func (s *RuntimeStore) ClearSuspension(ruleID string) error {
	res, err := s.db.Exec(`UPDATE rule_runtime SET
			consecutive_failures = 0,
			last_failure_at      = NULL,
			next_allowed_at      = NULL,
			error_suspended      = 0,
			last_error           = '',
			updated_at           = ?
		WHERE rule_id = ? AND node_id = ? AND error_suspended = 1`,
		time.Now().UTC().Format(time.RFC3339Nano), ruleID, RootNodeID)
	if err != nil {
		return fmt.Errorf("clear suspension: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteForRule removes every node state of one rule.
func (s *RuntimeStore) DeleteForRule(ruleID string) error {
	_, err := s.db.Exec(`DELETE FROM rule_runtime WHERE rule_id = ?`, ruleID)
	if err != nil {
		return fmt.Errorf("delete rule runtime: %w", err)
	}
	return nil
}

func scanRuntime(sc scanner) (*RuntimeState, error) {
	var (
		rt           RuntimeState
		firedAt      sql.NullString
		matched      sql.NullInt64
		transitionAt sql.NullString
		failureAt    sql.NullString
		allowedAt    sql.NullString
		suspended    int
		updatedAt    string
	)

	if err := sc.Scan(
		&rt.RuleID,
		&rt.NodeID,
		&firedAt,
		&matched,
		&transitionAt,
		&rt.ConsecutiveFailures,
		&failureAt,
		&allowedAt,
		&suspended,
		&rt.LastError,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	rt.LastFiredAt = parseNullTime(firedAt)
	if matched.Valid {
		b := matched.Int64 != 0
		rt.LastWhenMatched = &b
	}
	rt.LastWhenTransitionAt = parseNullTime(transitionAt)
	rt.LastFailureAt = parseNullTime(failureAt)
	rt.NextAllowedAt = parseNullTime(allowedAt)
	rt.ErrorSuspended = suspended != 0
	rt.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &rt, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolInt(*b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
