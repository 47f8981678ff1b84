package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hearthside-labs/vigil/internal/entity"
	"github.com/hearthside-labs/vigil/internal/events"
)

// Sync imports the full entity inventory via get_states. The connect
// path and the periodic sync job both land here. Entities whose state
// actually changed are submitted for rule dispatch and announced on the
// bus; the submitted changed_at is the earliest last_changed among them
// so hold timing reflects when the change happened, not when the sync
// ran.
func (c *Client) Sync(ctx context.Context) (entity.SyncResult, error) {
	raw, err := c.call(ctx, map[string]any{"type": "get_states"})
	if err != nil {
		return entity.SyncResult{}, fmt.Errorf("get_states: %w", err)
	}

	var states []haState
	if err := json.Unmarshal(raw, &states); err != nil {
		return entity.SyncResult{}, fmt.Errorf("decode states: %w", err)
	}

	batch := make([]entity.Entity, 0, len(states))
	for _, st := range states {
		id := strings.ToLower(strings.TrimSpace(st.EntityID))
		if id == "" {
			continue
		}
		batch = append(batch, entity.Entity{
			ID:         id,
			State:      st.State,
			Attributes: st.Attributes,
			Changed:    st.LastChanged,
		})
	}

	res, err := c.entities.SyncBulk(source, batch)
	if err != nil {
		return res, err
	}

	c.log.Info("entity sync complete",
		zap.Int("imported", res.Imported),
		zap.Int("updated", res.Updated),
		zap.Int("changed", len(res.Changed)))

	if len(res.Changed) == 0 {
		return res, nil
	}

	ids := make([]string, 0, len(res.Changed))
	var earliest time.Time
	for _, e := range res.Changed {
		ids = append(ids, e.ID)
		if !e.Changed.IsZero() && (earliest.IsZero() || e.Changed.Before(earliest)) {
			earliest = e.Changed
		}
	}

	var at *time.Time
	if !earliest.IsZero() {
		at = &earliest
	}
	c.submitter.Submit(source, ids, at)

	c.bus.Publish(events.Event{
		Type:    events.EntitySyncCompleted,
		Subject: source,
		Summary: fmt.Sprintf("entity sync: %d imported, %d updated", res.Imported, res.Updated),
		Detail:  events.EntitySyncDetail{Entities: ids, Count: len(ids)},
	})
	return res, nil
}

func (c *Client) handleStateChanged(data stateChangeData) {
	// A nil new_state means the entity was removed; the last known
	// state stays on record.
	if data.NewState == nil {
		return
	}
	st := data.NewState

	id := strings.ToLower(strings.TrimSpace(st.EntityID))
	if id == "" {
		id = strings.ToLower(strings.TrimSpace(data.EntityID))
	}
	if id == "" {
		return
	}

	res, err := c.entities.Upsert(id, st.State, st.LastChanged, source, st.Attributes)
	if err != nil {
		c.log.Warn("upsert entity", zap.String("entity_id", id), zap.Error(err))
		return
	}
	if !res.Changed {
		return
	}

	if st.LastChanged.IsZero() {
		c.submitter.Submit(source, []string{id}, nil)
		return
	}
	at := st.LastChanged
	c.submitter.Submit(source, []string{id}, &at)
}
