package alarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hearthside-labs/vigil/internal/clock"
	"github.com/hearthside-labs/vigil/internal/events"
	"github.com/hearthside-labs/vigil/internal/metrics"
	"github.com/hearthside-labs/vigil/internal/settings"
)

// ProfileSource resolves the active timing profile.
type ProfileSource interface {
	ActiveProfile() (*settings.Profile, error)
}

// Machine owns the alarm snapshot and serializes every transition.
type Machine struct {
	mu       sync.Mutex
	log      *zap.Logger
	clk      clock.Clock
	store    *Store
	profiles ProfileSource
	bus      *events.Bus
	snap     Snapshot
}

// NewMachine loads the persisted snapshot and resolves any timer that
// expired while the controller was down.
func NewMachine(store *Store, profiles ProfileSource, bus *events.Bus, clk clock.Clock, logger *zap.Logger) (*Machine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	snap, err := store.Load()
	if err != nil {
		return nil, err
	}

	m := &Machine{
		log:      logger.Named("alarm"),
		clk:      clk,
		store:    store,
		profiles: profiles,
		bus:      bus,
		snap:     snap,
	}
	recordStateGauge(snap.State)
	m.ProcessTimers(clk.Now())
	return m, nil
}

// Current returns the snapshot without processing timers.
func (m *Machine) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// CurrentState returns just the current state.
func (m *Machine) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.State
}

// Snapshot returns the current snapshot, optionally processing due
// timers first so that a lazy reader still observes arming and pending
// deadlines that have elapsed.
func (m *Machine) Snapshot(processTimers bool) Snapshot {
	if processTimers {
		m.ProcessTimers(m.clk.Now())
	}
	return m.Current()
}

// Arm starts arming into the given mode. With a zero exit delay the
// armed mode is committed immediately, otherwise the machine enters
// arming until the exit deadline.
func (m *Machine) Arm(ctx context.Context, mode State, by, reason string) (Snapshot, error) {
	if !ArmModes[mode] {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrInvalidMode, mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap.State != StateDisarmed {
		return m.snap, fmt.Errorf("%w: cannot arm from %s", ErrConflict, m.snap.State)
	}

	timings, profileID := m.resolveTimings()
	now := m.clk.Now()

	if timings.ExitDelaySeconds > 0 {
		exitAt := now.Add(time.Duration(timings.ExitDelaySeconds) * time.Second)
		return m.commitLocked(StateArming, mode, &exitAt, profileID, timings, by, reason)
	}
	return m.commitLocked(mode, "", nil, profileID, timings, by, reason)
}

// CancelArming aborts an in-progress arming.
func (m *Machine) CancelArming(ctx context.Context, by, reason string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap.State != StateArming {
		return m.snap, fmt.Errorf("%w: not arming (state %s)", ErrConflict, m.snap.State)
	}
	return m.commitLocked(StateDisarmed, "", nil, m.snap.ProfileID, m.snap.Timings, by, reason)
}

// Disarm returns to disarmed from any armed, arming, pending, or
// triggered state.
func (m *Machine) Disarm(ctx context.Context, by, reason string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap.State == StateDisarmed {
		return m.snap, fmt.Errorf("%w: already disarmed", ErrConflict)
	}
	return m.commitLocked(StateDisarmed, "", nil, m.snap.ProfileID, m.snap.Timings, by, reason)
}

// Trigger raises the alarm. From an armed mode with an entry delay the
// machine first enters pending; the entry deadline escalates to
// triggered. From pending, or when there is no entry delay, the alarm
// triggers immediately.
func (m *Machine) Trigger(ctx context.Context, by, reason string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.snap.State {
	case StateTriggered:
		return m.snap, fmt.Errorf("%w: already triggered", ErrConflict)
	case StatePending:
		return m.commitLocked(StateTriggered, "", nil, m.snap.ProfileID, m.snap.Timings, by, reason)
	}

	timings := m.snap.Timings
	profileID := m.snap.ProfileID
	if !IsArmed(m.snap.State) {
		// Panic trigger outside an armed mode resolves timings fresh.
		timings, profileID = m.resolveTimings()
	}

	now := m.clk.Now()
	if IsArmed(m.snap.State) && timings.EntryDelaySeconds > 0 {
		deadline := now.Add(time.Duration(timings.EntryDelaySeconds) * time.Second)
		return m.commitLocked(StatePending, "", &deadline, profileID, timings, by, reason)
	}
	return m.commitLocked(StateTriggered, "", nil, profileID, timings, by, reason)
}

// ProcessTimers applies any transition whose deadline has passed:
// arming becomes the target armed mode, pending becomes triggered.
// Reports whether a transition was committed.
func (m *Machine) ProcessTimers(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap.ExitAt == nil || now.Before(*m.snap.ExitAt) {
		return false
	}

	switch m.snap.State {
	case StateArming:
		target := m.snap.Target
		if !ArmModes[target] {
			target = StateArmedAway
		}
		_, err := m.commitLocked(target, "", nil, m.snap.ProfileID, m.snap.Timings, "system", "exit_delay_elapsed")
		return err == nil
	case StatePending:
		_, err := m.commitLocked(StateTriggered, "", nil, m.snap.ProfileID, m.snap.Timings, "system", "entry_delay_elapsed")
		return err == nil
	}
	return false
}

// Run processes timers until the context is cancelled.
func (m *Machine) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProcessTimers(m.clk.Now())
		}
	}
}

func recordStateGauge(current State) {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = string(s)
	}
	metrics.RecordAlarmState(string(current), names)
}

func (m *Machine) resolveTimings() (Timings, string) {
	if m.profiles == nil {
		return Timings{SirenSeconds: 300}, ""
	}
	p, err := m.profiles.ActiveProfile()
	if err != nil || p == nil {
		m.log.Warn("no active profile, using zero delays", zap.Error(err))
		return Timings{SirenSeconds: 300}, ""
	}
	return Timings{
		ExitDelaySeconds:  p.ExitDelay,
		EntryDelaySeconds: p.EntryDelay,
		SirenSeconds:      p.SirenTime,
	}, p.ID
}

// commitLocked persists and publishes one transition. Callers hold m.mu.
func (m *Machine) commitLocked(to, target State, deadline *time.Time, profileID string, timings Timings, by, reason string) (Snapshot, error) {
	from := m.snap.State
	now := m.clk.Now()

	next := Snapshot{
		State:                to,
		Previous:             from,
		Target:               target,
		ProfileID:            profileID,
		EnteredAt:            now,
		ExitAt:               deadline,
		LastTransitionReason: reason,
		LastTransitionBy:     by,
		Timings:              timings,
	}

	if err := m.store.Save(next); err != nil {
		return m.snap, fmt.Errorf("commit alarm transition: %w", err)
	}
	if err := m.store.AppendEvent(Event{From: from, To: to, Reason: reason, By: by, At: now}); err != nil {
		m.log.Warn("append alarm event", zap.Error(err))
	}
	m.snap = next
	recordStateGauge(to)

	m.log.Info("alarm transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("by", by),
		zap.String("reason", reason))

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:    events.AlarmStateCommitted,
			Subject: string(to),
			Summary: fmt.Sprintf("alarm %s to %s", from, to),
			Detail:  next,
		})
	}
	return next, nil
}
