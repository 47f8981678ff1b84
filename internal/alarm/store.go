package alarm

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists the alarm snapshot and transition history in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) an alarm database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open alarm db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS alarm_state (
		id       INTEGER PRIMARY KEY CHECK (id = 1),
		snapshot TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create alarm_state: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS alarm_events (
		id     TEXT PRIMARY KEY,
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		actor  TEXT NOT NULL DEFAULT '',
		at     TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create alarm_events: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_alarm_events_at ON alarm_events(at)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the persisted snapshot, or a fresh disarmed one when the
// controller has never run before.
func (s *Store) Load() (Snapshot, error) {
	var raw string
	err := s.db.QueryRow(`SELECT snapshot FROM alarm_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{State: StateDisarmed, EnteredAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load alarm snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{State: StateDisarmed, EnteredAt: time.Now().UTC()}, nil
	}
	return snap, nil
}

// Save persists the snapshot.
func (s *Store) Save(snap Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal alarm snapshot: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO alarm_state (id, snapshot) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET snapshot = excluded.snapshot`, string(b))
	if err != nil {
		return fmt.Errorf("save alarm snapshot: %w", err)
	}
	return nil
}

// AppendEvent records one transition in the history.
func (s *Store) AppendEvent(evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO alarm_events (id, from_state, to_state, reason, actor, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		evt.ID, string(evt.From), string(evt.To), evt.Reason, evt.By,
		evt.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append alarm event: %w", err)
	}
	return nil
}

// ListEvents returns recent transitions, newest first.
func (s *Store) ListEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, from_state, to_state, reason, actor, at
		FROM alarm_events ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var (
			evt      Event
			from, to string
			at       string
		)
		if err := rows.Scan(&evt.ID, &from, &to, &evt.Reason, &evt.By, &at); err != nil {
			continue
		}
		evt.From = State(from)
		evt.To = State(to)
		evt.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, evt)
	}
	return out, rows.Err()
}

// PruneEvents deletes history older than the cutoff.
func (s *Store) PruneEvents(before time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM alarm_events WHERE at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune alarm events: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
