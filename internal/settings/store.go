// Package settings persists runtime-tunable controller settings and the
// alarm timing profiles. Deployment config (endpoints, credentials) lives
// in the config package; everything here is adjustable over the API
// without a restart.
package settings

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Document is the persisted settings document.
type Document struct {
	Events     EventSettings      `json:"events"`
	RuleLogs   RuleLogSettings    `json:"rule_logs"`
	EntitySync EntitySyncSettings `json:"entity_sync"`
	Dispatcher map[string]any     `json:"dispatcher,omitempty"`
}

// EventSettings controls retention of alarm event history.
type EventSettings struct {
	RetentionDays int `json:"retention_days"`
}

// RuleLogSettings controls retention of rule firing logs.
type RuleLogSettings struct {
	RetentionDays int `json:"retention_days"`
}

// EntitySyncSettings controls the periodic full-state sync.
type EntitySyncSettings struct {
	IntervalSeconds int `json:"interval_seconds"`
}

// DefaultDocument returns the settings used before any write.
func DefaultDocument() Document {
	return Document{
		Events:     EventSettings{RetentionDays: 30},
		RuleLogs:   RuleLogSettings{RetentionDays: 14},
		EntitySync: EntitySyncSettings{IntervalSeconds: 300},
	}
}

// Profile is one named set of alarm timings. Exactly one profile is
// active at a time.
type Profile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ExitDelay  int    `json:"exit_delay_seconds"`
	EntryDelay int    `json:"entry_delay_seconds"`
	SirenTime  int    `json:"siren_seconds"`
	Active     bool   `json:"active"`
}

// Store persists settings and profiles in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a settings database and seeds the default
// profiles on first boot.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create settings: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS alarm_profiles (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		exit_delay_s  INTEGER NOT NULL DEFAULT 0,
		entry_delay_s INTEGER NOT NULL DEFAULT 0,
		siren_s       INTEGER NOT NULL DEFAULT 300,
		active        INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create alarm_profiles: %w", err)
	}

	s := &Store{db: db}
	if err := s.seedProfiles(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed profiles: %w", err)
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

func (s *Store) seedProfiles() error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM alarm_profiles`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	seeds := []Profile{
		{ID: "standard", Name: "Standard", ExitDelay: 60, EntryDelay: 30, SirenTime: 300, Active: true},
		{ID: "instant", Name: "Instant", ExitDelay: 0, EntryDelay: 0, SirenTime: 300},
		{ID: "patient", Name: "Patient", ExitDelay: 120, EntryDelay: 60, SirenTime: 600},
	}
	for _, p := range seeds {
		active := 0
		if p.Active {
			active = 1
		}
		if _, err := s.db.Exec(`INSERT INTO alarm_profiles (id, name, exit_delay_s, entry_delay_s, siren_s, active)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.ExitDelay, p.EntryDelay, p.SirenTime, active); err != nil {
			return err
		}
	}
	return nil
}

// Document returns the current settings, filling defaults for keys that
// were never written.
func (s *Store) Document() (Document, error) {
	doc := DefaultDocument()

	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return doc, err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			continue
		}
		switch key {
		case "events":
			_ = json.Unmarshal([]byte(value), &doc.Events)
		case "rule_logs":
			_ = json.Unmarshal([]byte(value), &doc.RuleLogs)
		case "entity_sync":
			_ = json.Unmarshal([]byte(value), &doc.EntitySync)
		case "dispatcher":
			_ = json.Unmarshal([]byte(value), &doc.Dispatcher)
		}
	}
	return doc, rows.Err()
}

// SetKey writes one settings key. The value is stored as JSON.
func (s *Store) SetKey(key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal setting %s: %w", key, err)
	}
	_, err = s.db.Exec(`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(b), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

// Save persists the whole document.
func (s *Store) Save(doc Document) error {
	if err := s.SetKey("events", doc.Events); err != nil {
		return err
	}
	if err := s.SetKey("rule_logs", doc.RuleLogs); err != nil {
		return err
	}
	if err := s.SetKey("entity_sync", doc.EntitySync); err != nil {
		return err
	}
	if doc.Dispatcher != nil {
		if err := s.SetKey("dispatcher", doc.Dispatcher); err != nil {
			return err
		}
	}
	return nil
}

// ListProfiles returns all alarm profiles.
func (s *Store) ListProfiles() ([]Profile, error) {
	rows, err := s.db.Query(`SELECT id, name, exit_delay_s, entry_delay_s, siren_s, active
		FROM alarm_profiles ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Profile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			continue
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// GetProfile returns one profile by id.
func (s *Store) GetProfile(id string) (*Profile, error) {
	row := s.db.QueryRow(`SELECT id, name, exit_delay_s, entry_delay_s, siren_s, active
		FROM alarm_profiles WHERE id = ?`, id)
	return scanProfile(row)
}

// ActiveProfile returns the currently active profile.
func (s *Store) ActiveProfile() (*Profile, error) {
	row := s.db.QueryRow(`SELECT id, name, exit_delay_s, entry_delay_s, siren_s, active
		FROM alarm_profiles WHERE active = 1 LIMIT 1`)
	return scanProfile(row)
}

// ActivateProfile makes the given profile the single active one.
func (s *Store) ActivateProfile(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.Exec(`UPDATE alarm_profiles SET active = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}

	if _, err := tx.Exec(`UPDATE alarm_profiles SET active = 0 WHERE id != ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(sc scanner) (*Profile, error) {
	var (
		p      Profile
		active int
	)
	if err := sc.Scan(&p.ID, &p.Name, &p.ExitDelay, &p.EntryDelay, &p.SirenTime, &active); err != nil {
		return nil, err
	}
	p.Active = active == 1
	return &p, nil
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
