package detection

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "detections.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertKeepsHighestConfidence(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	for _, conf := range []float64{70, 85, 78} {
		err := store.Upsert(Detection{
			Provider:   "frigate",
			EventID:    "evt-1",
			Camera:     "backyard",
			Label:      "person",
			Zones:      []string{"yard"},
			Confidence: conf,
			ObservedAt: now,
		})
		if err != nil {
			t.Fatalf("upsert conf=%v: %v", conf, err)
		}
	}

	got, err := store.List("backyard", "person", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 row after 3 upserts of same event, got %d", len(got))
	}
	if got[0].Confidence != 85 {
		t.Fatalf("confidence = %v, want 85", got[0].Confidence)
	}
}

func TestUpsertWithoutEventIDAlwaysInserts(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		err := store.Upsert(Detection{
			Provider:   "frigate",
			Camera:     "porch",
			Label:      "person",
			Confidence: 90,
			ObservedAt: now,
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, err := store.List("porch", "person", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(got))
	}
}

func TestRecentSinceWindow(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)

	old := Detection{Provider: "frigate", EventID: "old", Camera: "backyard", Label: "person", Confidence: 92, ObservedAt: now.Add(-2 * time.Minute)}
	fresh := Detection{Provider: "frigate", EventID: "fresh", Camera: "backyard", Label: "person", Confidence: 88, ObservedAt: now.Add(-10 * time.Second)}
	if err := store.Upsert(old); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Upsert(fresh); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.RecentSince("person", now.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].EventID != "fresh" {
		t.Fatalf("window query returned %+v", got)
	}
}

func TestZoneAndCameraFilters(t *testing.T) {
	d := Detection{Camera: "backyard", Zones: []string{"yard", "patio"}}

	if !d.InZone(nil) {
		t.Fatal("empty zone filter should match")
	}
	if !d.InZone([]string{"yard"}) {
		t.Fatal("yard should match")
	}
	if d.InZone([]string{"driveway"}) {
		t.Fatal("driveway should not match")
	}
	if !d.FromCamera([]string{"porch", "backyard"}) {
		t.Fatal("backyard should match camera filter")
	}
	if d.FromCamera([]string{"porch"}) {
		t.Fatal("porch-only filter should not match")
	}
}

func TestPrune(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	_ = store.Upsert(Detection{Provider: "frigate", EventID: "a", Camera: "c1", Label: "person", Confidence: 80, ObservedAt: now.Add(-48 * time.Hour)})
	_ = store.Upsert(Detection{Provider: "frigate", EventID: "b", Camera: "c1", Label: "person", Confidence: 80, ObservedAt: now})

	n, err := store.Prune(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}

	got, _ := store.List("", "", 10)
	if len(got) != 1 || got[0].EventID != "b" {
		t.Fatalf("remaining rows: %+v", got)
	}
}

func TestUpsertValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.Upsert(Detection{Camera: "", Label: "person", Confidence: 50}); err == nil {
		t.Fatal("missing camera should fail")
	}
	if err := store.Upsert(Detection{Camera: "c", Label: "person", Confidence: 120}); err == nil {
		t.Fatal("confidence > 100 should fail")
	}
}
