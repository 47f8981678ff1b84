package settings

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDefaultsWithoutWrites(t *testing.T) {
	store := newTestStore(t)

	doc, err := store.Document()
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if doc.Events.RetentionDays != 30 {
		t.Fatalf("events retention = %d, want 30", doc.Events.RetentionDays)
	}
	if doc.RuleLogs.RetentionDays != 14 {
		t.Fatalf("rule_logs retention = %d, want 14", doc.RuleLogs.RetentionDays)
	}
	if doc.EntitySync.IntervalSeconds != 300 {
		t.Fatalf("sync interval = %d, want 300", doc.EntitySync.IntervalSeconds)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	store := newTestStore(t)

	doc := DefaultDocument()
	doc.RuleLogs.RetentionDays = 7
	doc.Dispatcher = map[string]any{"debounce_ms": 500}
	if err := store.Save(doc); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Document()
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if got.RuleLogs.RetentionDays != 7 {
		t.Fatalf("retention = %d, want 7", got.RuleLogs.RetentionDays)
	}
	if got.Dispatcher["debounce_ms"] != float64(500) {
		t.Fatalf("dispatcher override = %v", got.Dispatcher["debounce_ms"])
	}
}

func TestSeededProfiles(t *testing.T) {
	store := newTestStore(t)

	profiles, err := store.ListProfiles()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(profiles) == 0 {
		t.Fatal("expected seeded profiles")
	}

	active, err := store.ActiveProfile()
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.ID != "standard" {
		t.Fatalf("active = %s, want standard", active.ID)
	}
}

func TestActivateKeepsExactlyOneActive(t *testing.T) {
	store := newTestStore(t)

	// Activate twice, including a repeat of the same profile.
	for _, id := range []string{"instant", "instant", "patient"} {
		if err := store.ActivateProfile(id); err != nil {
			t.Fatalf("activate %s: %v", id, err)
		}

		profiles, err := store.ListProfiles()
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		activeCount := 0
		for _, p := range profiles {
			if p.Active {
				activeCount++
			}
		}
		if activeCount != 1 {
			t.Fatalf("after activating %s: %d active profiles, want 1", id, activeCount)
		}
	}

	active, err := store.ActiveProfile()
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.ID != "patient" {
		t.Fatalf("active = %s, want patient", active.ID)
	}
}

func TestActivateUnknownProfile(t *testing.T) {
	store := newTestStore(t)

	err := store.ActivateProfile("nope")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}
