package detection

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists detections in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a detections database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open detections db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS detections (
		id          TEXT PRIMARY KEY,
		provider    TEXT NOT NULL,
		event_id    TEXT NOT NULL DEFAULT '',
		camera      TEXT NOT NULL,
		label       TEXT NOT NULL,
		zones       TEXT NOT NULL DEFAULT '[]',
		confidence  REAL NOT NULL,
		observed_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create detections: %w", err)
	}

	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_detections_provider_event
		ON detections(provider, event_id) WHERE event_id != ''`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create detections index: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_detections_camera_label ON detections(camera, label)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_detections_observed_at ON detections(observed_at)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert records a detection. Repeated reports for the same
// (provider, event_id) keep the highest confidence seen; zones and
// observed_at follow the latest report. Detections without an event id
// always insert a new row.
func (s *Store) Upsert(d Detection) error {
	if d.Camera == "" || d.Label == "" {
		return fmt.Errorf("camera and label required")
	}
	if d.Confidence < 0 || d.Confidence > 100 {
		return fmt.Errorf("confidence_pct out of range: %v", d.Confidence)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.ObservedAt.IsZero() {
		d.ObservedAt = time.Now().UTC()
	}

	zonesJSON, err := json.Marshal(d.Zones)
	if err != nil {
		return fmt.Errorf("marshal zones: %w", err)
	}

	if d.EventID == "" {
		_, err = s.db.Exec(`INSERT INTO detections (id, provider, event_id, camera, label, zones, confidence, observed_at)
			VALUES (?, ?, '', ?, ?, ?, ?, ?)`,
			d.ID, d.Provider, d.Camera, d.Label, string(zonesJSON),
			d.Confidence, d.ObservedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert detection: %w", err)
		}
		return nil
	}

	_, err = s.db.Exec(`INSERT INTO detections (id, provider, event_id, camera, label, zones, confidence, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, event_id) WHERE event_id != '' DO UPDATE SET
			camera      = excluded.camera,
			label       = excluded.label,
			zones       = excluded.zones,
			confidence  = MAX(detections.confidence, excluded.confidence),
			observed_at = excluded.observed_at`,
		d.ID, d.Provider, d.EventID, d.Camera, d.Label, string(zonesJSON),
		d.Confidence, d.ObservedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert detection: %w", err)
	}
	return nil
}

// RecentSince returns detections with the given label observed at or
// after since, newest first.
func (s *Store) RecentSince(label string, since time.Time) ([]Detection, error) {
	rows, err := s.db.Query(`SELECT id, provider, event_id, camera, label, zones, confidence, observed_at
		FROM detections
		WHERE label = ? AND observed_at >= ?
		ORDER BY observed_at DESC`,
		label, since.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	out := make([]Detection, 0)
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			continue
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// List returns recent detections, optionally filtered by camera and label.
func (s *Store) List(camera, label string, limit int) ([]Detection, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, provider, event_id, camera, label, zones, confidence, observed_at FROM detections`
	where := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if camera != "" {
		where = append(where, "camera = ?")
		args = append(args, camera)
	}
	if label != "" {
		where = append(where, "label = ?")
		args = append(args, label)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY observed_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Detection, 0, limit)
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			continue
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Prune deletes detections observed before the cutoff and reports how
// many rows were removed.
func (s *Store) Prune(before time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM detections WHERE observed_at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune detections: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDetection(sc scanner) (*Detection, error) {
	var (
		d          Detection
		zonesJSON  string
		observedAt string
	)

	if err := sc.Scan(
		&d.ID,
		&d.Provider,
		&d.EventID,
		&d.Camera,
		&d.Label,
		&zonesJSON,
		&d.Confidence,
		&observedAt,
	); err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(zonesJSON), &d.Zones)
	d.ObservedAt, _ = time.Parse(time.RFC3339Nano, observedAt)

	return &d, nil
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
