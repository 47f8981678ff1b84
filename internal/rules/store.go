package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists rules in SQLite. The rule_entity_refs table mirrors
// the entity ids extracted from each definition so the entity→rule
// index can rebuild with a single query.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a rules database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open rules db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS rules (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		kind             TEXT NOT NULL,
		enabled          INTEGER NOT NULL DEFAULT 1,
		priority         INTEGER NOT NULL DEFAULT 0,
		schema_version   INTEGER NOT NULL DEFAULT 1,
		cooldown_seconds INTEGER,
		definition       TEXT NOT NULL,
		created_by       TEXT NOT NULL DEFAULT '',
		modified_by      TEXT NOT NULL DEFAULT '',
		modified_by_role TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create rules: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS rule_entity_refs (
		rule_id   TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		PRIMARY KEY (rule_id, entity_id)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create rule_entity_refs: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_rule_entity_refs_entity ON rule_entity_refs(entity_id)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save validates and upserts a rule. Kind is always derived from the
// first action and the entity refs are recomputed, both in the same
// transaction as the rule row. The rule is updated in place with its
// generated id, derived fields and timestamps.
func (s *Store) Save(r *Rule, validateAction ActionValidator) error {
	if r.Name == "" {
		return &ValidationError{Fields: []FieldError{{Field: "name", Message: "name is required"}}}
	}
	if err := ValidateDefinition(&r.Definition, validateAction); err != nil {
		return err
	}

	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
		r.CreatedAt = now
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.SchemaVersion == 0 {
		r.SchemaVersion = 1
	}
	r.Kind = DeriveKind(r.Definition)
	r.EntityIDs = ExtractEntityIDs(r.Definition)

	defJSON, err := json.Marshal(r.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin rule save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO rules (id, name, description, kind, enabled, priority,
			schema_version, cooldown_seconds, definition, created_by, modified_by,
			modified_by_role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name             = excluded.name,
			description      = excluded.description,
			kind             = excluded.kind,
			enabled          = excluded.enabled,
			priority         = excluded.priority,
			schema_version   = excluded.schema_version,
			cooldown_seconds = excluded.cooldown_seconds,
			definition       = excluded.definition,
			modified_by      = excluded.modified_by,
			modified_by_role = excluded.modified_by_role,
			updated_at       = excluded.updated_at`,
		r.ID, r.Name, r.Description, r.Kind, boolInt(r.Enabled), r.Priority,
		r.SchemaVersion, nullInt(r.CooldownSeconds), string(defJSON),
		r.CreatedBy, r.ModifiedBy, r.ModifiedByRole,
		r.CreatedAt.Format(time.RFC3339Nano), r.UpdatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("save rule: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM rule_entity_refs WHERE rule_id = ?`, r.ID); err != nil {
		return fmt.Errorf("clear entity refs: %w", err)
	}
	for _, entityID := range r.EntityIDs {
		if _, err := tx.Exec(`INSERT INTO rule_entity_refs (rule_id, entity_id) VALUES (?, ?)`,
			r.ID, entityID); err != nil {
			return fmt.Errorf("save entity ref: %w", err)
		}
	}

	return tx.Commit()
}

// Get returns one rule by id, or sql.ErrNoRows.
func (s *Store) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(selectRule+` WHERE id = ?`, id)
	return scanRule(row)
}

// List returns all rules ordered by descending priority, then id.
func (s *Store) List() ([]Rule, error) {
	return s.list(selectRule + ` ORDER BY priority DESC, id ASC`)
}

// ListEnabled returns the enabled rules in evaluation order.
func (s *Store) ListEnabled() ([]Rule, error) {
	return s.list(selectRule + ` WHERE enabled = 1 ORDER BY priority DESC, id ASC`)
}

func (s *Store) list(query string, args ...any) ([]Rule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	out := make([]Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// EntityRefs returns every (rule_id, entity_id) pair for enabled rules.
func (s *Store) EntityRefs() (map[string][]string, error) {
	rows, err := s.db.Query(`SELECT r.id, ref.entity_id
		FROM rules r JOIN rule_entity_refs ref ON ref.rule_id = r.id
		WHERE r.enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("query entity refs: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var ruleID, entityID string
		if err := rows.Scan(&ruleID, &entityID); err != nil {
			continue
		}
		out[entityID] = append(out[entityID], ruleID)
	}
	return out, rows.Err()
}

// Delete removes a rule and its entity refs. Returns sql.ErrNoRows for
// an unknown id.
func (s *Store) Delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin rule delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	if _, err := tx.Exec(`DELETE FROM rule_entity_refs WHERE rule_id = ?`, id); err != nil {
		return fmt.Errorf("delete entity refs: %w", err)
	}
	return tx.Commit()
}

const selectRule = `SELECT id, name, description, kind, enabled, priority, schema_version,
	cooldown_seconds, definition, created_by, modified_by, modified_by_role,
	created_at, updated_at FROM rules`

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(sc scanner) (*Rule, error) {
	var (
		r         Rule
		enabled   int
		cooldown  sql.NullInt64
		defJSON   string
		createdAt string
		updatedAt string
	)

	if err := sc.Scan(
		&r.ID,
		&r.Name,
		&r.Description,
		&r.Kind,
		&enabled,
		&r.Priority,
		&r.SchemaVersion,
		&cooldown,
		&defJSON,
		&r.CreatedBy,
		&r.ModifiedBy,
		&r.ModifiedByRole,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	r.Enabled = enabled != 0
	if cooldown.Valid {
		v := int(cooldown.Int64)
		r.CooldownSeconds = &v
	}
	if err := json.Unmarshal([]byte(defJSON), &r.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	AssignNodeIDs(r.Definition.When)
	r.EntityIDs = ExtractEntityIDs(r.Definition)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &r, nil
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
