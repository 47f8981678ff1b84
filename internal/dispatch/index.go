package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntityRuleIndex maps entity ids to the rules referencing them so a
// batch only touches the rules it can affect. The index is rebuilt
// lazily from its source after invalidation; readers see either a
// complete snapshot or trigger the rebuild under the lock.
type EntityRuleIndex struct {
	mu      sync.Mutex
	refs    map[string][]string
	version *string
	builtAt *time.Time
	source  func() (map[string][]string, error)
}

// NewEntityRuleIndex creates an invalidated index over source, which
// returns entity id → rule ids.
func NewEntityRuleIndex(source func() (map[string][]string, error)) *EntityRuleIndex {
	return &EntityRuleIndex{source: source}
}

// Lookup returns the union of rule ids referencing any of entityIDs,
// rebuilding the index first when it is stale.
func (ix *EntityRuleIndex) Lookup(entityIDs []string) (map[string]bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.version == nil {
		refs, err := ix.source()
		if err != nil {
			return nil, err
		}
		ix.refs = refs
		v := uuid.NewString()
		at := time.Now().UTC()
		ix.version = &v
		ix.builtAt = &at
	}

	out := make(map[string]bool)
	for _, id := range entityIDs {
		for _, ruleID := range ix.refs[id] {
			out[ruleID] = true
		}
	}
	return out, nil
}

// Invalidate drops the version so the next lookup rebuilds.
func (ix *EntityRuleIndex) Invalidate() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.version = nil
	ix.builtAt = nil
}

// Version returns the current build version, nil when invalidated.
func (ix *EntityRuleIndex) Version() *string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.version
}
