package entity

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists entities in SQLite and mirrors their states in memory.
type Store struct {
	db *sql.DB

	mu     sync.RWMutex
	states map[string]string
}

// NewStore opens (or creates) an entities database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open entities db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entities (
		id         TEXT PRIMARY KEY,
		domain     TEXT NOT NULL,
		name       TEXT NOT NULL,
		source     TEXT NOT NULL,
		state      TEXT NOT NULL,
		attributes TEXT,
		changed_at TEXT NOT NULL,
		seen_at    TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create entities: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_entities_domain ON entities(domain)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_entities_source ON entities(source)`)

	s := &Store{db: db, states: make(map[string]string)}
	if err := s.loadStates(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load entity states: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) loadStates() error {
	rows, err := s.db.Query(`SELECT id, state FROM entities`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			continue
		}
		s.states[id] = state
	}
	return rows.Err()
}

// UpsertResult reports what an upsert did.
type UpsertResult struct {
	Created bool
	Changed bool
}

// Upsert records the latest observation of an entity. Changed is reported
// only when the stored state actually differs, so integrations can decide
// whether to submit a dispatch event.
func (s *Store) Upsert(entityID, state string, changedAt time.Time, source string, attributes map[string]any) (UpsertResult, error) {
	entityID = strings.ToLower(strings.TrimSpace(entityID))
	if entityID == "" {
		return UpsertResult{}, fmt.Errorf("entity id required")
	}
	now := time.Now().UTC()
	if changedAt.IsZero() {
		changedAt = now
	}

	var attrsJSON sql.NullString
	if len(attributes) > 0 {
		b, err := json.Marshal(attributes)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("marshal attributes: %w", err)
		}
		attrsJSON = sql.NullString{String: string(b), Valid: true}
	}

	s.mu.Lock()
	prev, existed := s.states[entityID]
	changed := !existed || prev != state
	s.states[entityID] = state
	s.mu.Unlock()

	// last_changed moves only on a real state change; last_seen always.
	_, err := s.db.Exec(`INSERT INTO entities (id, domain, name, source, state, attributes, changed_at, seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source     = excluded.source,
			state      = excluded.state,
			attributes = COALESCE(excluded.attributes, entities.attributes),
			changed_at = CASE WHEN entities.state != excluded.state THEN excluded.changed_at ELSE entities.changed_at END,
			seen_at    = excluded.seen_at`,
		entityID,
		DomainOf(entityID),
		NameOf(entityID),
		source,
		state,
		attrsJSON,
		changedAt.UTC().Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert entity: %w", err)
	}

	return UpsertResult{Created: !existed, Changed: changed}, nil
}

// Get returns one entity by id.
func (s *Store) Get(entityID string) (*Entity, error) {
	row := s.db.QueryRow(`SELECT id, domain, name, source, state, attributes, changed_at, seen_at
		FROM entities WHERE id = ?`, strings.ToLower(entityID))
	return scanEntity(row)
}

// List returns entities, optionally filtered by domain and/or source.
func (s *Store) List(domain, source string) ([]Entity, error) {
	query := `SELECT id, domain, name, source, state, attributes, changed_at, seen_at FROM entities`
	where := make([]string, 0, 2)
	args := make([]any, 0, 2)
	if domain != "" {
		where = append(where, "domain = ?")
		args = append(args, domain)
	}
	if source != "" {
		where = append(where, "source = ?")
		args = append(args, source)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			continue
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// State returns the in-memory state of one entity.
func (s *Store) State(entityID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[entityID]
	return st, ok
}

// StatesFor returns a point-in-time copy of the states for the given ids.
// Unknown ids are simply absent from the result.
func (s *Store) StatesFor(entityIDs []string) map[string]string {
	out := make(map[string]string, len(entityIDs))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range entityIDs {
		if st, ok := s.states[id]; ok {
			out[id] = st
		}
	}
	return out
}

// AllStates returns a point-in-time copy of every known state.
func (s *Store) AllStates() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.states))
	for id, st := range s.states {
		out[id] = st
	}
	return out
}

// Count returns the number of known entities.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// SyncResult summarizes a bulk sync run.
type SyncResult struct {
	Imported int      `json:"imported"`
	Updated  int      `json:"updated"`
	Changed  []Entity `json:"-"`
}

// SyncBulk applies a full-state import from an integration. New entities
// count as imported, pre-existing ones as updated. Entities whose state
// actually changed are returned for broadcasting.
func (s *Store) SyncBulk(source string, entities []Entity) (SyncResult, error) {
	var result SyncResult
	for _, e := range entities {
		res, err := s.Upsert(e.ID, e.State, e.Changed, source, e.Attributes)
		if err != nil {
			return result, fmt.Errorf("sync %s: %w", e.ID, err)
		}
		if res.Created {
			result.Imported++
		} else {
			result.Updated++
		}
		if res.Changed {
			if got, err := s.Get(e.ID); err == nil {
				result.Changed = append(result.Changed, *got)
			}
		}
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(sc scanner) (*Entity, error) {
	var (
		e         Entity
		attrsJSON sql.NullString
		changedAt string
		seenAt    string
	)

	if err := sc.Scan(
		&e.ID,
		&e.Domain,
		&e.Name,
		&e.Source,
		&e.State,
		&attrsJSON,
		&changedAt,
		&seenAt,
	); err != nil {
		return nil, err
	}

	if attrsJSON.Valid && attrsJSON.String != "" {
		_ = json.Unmarshal([]byte(attrsJSON.String), &e.Attributes)
	}
	e.Changed, _ = time.Parse(time.RFC3339Nano, changedAt)
	e.Seen, _ = time.Parse(time.RFC3339Nano, seenAt)

	return &e, nil
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
