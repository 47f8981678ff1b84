// Package entity tracks the last known state of every entity the
// controller has seen, across all integration sources. States are kept
// in SQLite for restarts and mirrored in memory for cheap point lookups
// during rule evaluation.
package entity

import (
	"strings"
	"time"
)

// Entity is the last observed state of one device or sensor.
type Entity struct {
	ID         string         `json:"entity_id"`
	Domain     string         `json:"domain"`
	Name       string         `json:"name"`
	Source     string         `json:"source"`
	State      string         `json:"last_state"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Changed    time.Time      `json:"last_changed"`
	Seen       time.Time      `json:"last_seen"`
}

// DomainOf returns the substring before the first "." in an entity id,
// or the whole id when it has no domain prefix.
func DomainOf(entityID string) string {
	if i := strings.Index(entityID, "."); i > 0 {
		return entityID[:i]
	}
	return entityID
}

// NameOf returns the substring after the first "." in an entity id.
func NameOf(entityID string) string {
	if i := strings.Index(entityID, "."); i >= 0 && i+1 < len(entityID) {
		return entityID[i+1:]
	}
	return entityID
}
