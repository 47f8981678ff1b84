// Package alarm implements the alarm state machine: arming with exit
// delay, entry-delay pending, trigger, and disarm. The committed snapshot
// is the single source of truth for rule conditions and broadcasts.
package alarm

import (
	"errors"
	"time"
)

// State is one alarm state.
type State string

const (
	StateDisarmed      State = "disarmed"
	StateArming        State = "arming"
	StateArmedHome     State = "armed_home"
	StateArmedAway     State = "armed_away"
	StateArmedNight    State = "armed_night"
	StateArmedVacation State = "armed_vacation"
	StatePending       State = "pending"
	StateTriggered     State = "triggered"
)

// AllStates lists every state the machine can occupy.
var AllStates = []State{
	StateDisarmed,
	StateArming,
	StateArmedHome,
	StateArmedAway,
	StateArmedNight,
	StateArmedVacation,
	StatePending,
	StateTriggered,
}

// ArmModes are the states a user or rule may arm into.
var ArmModes = map[State]bool{
	StateArmedHome:     true,
	StateArmedAway:     true,
	StateArmedNight:    true,
	StateArmedVacation: true,
}

// IsArmed reports whether s is one of the armed modes.
func IsArmed(s State) bool {
	return ArmModes[s]
}

var (
	// ErrConflict is returned for transitions requested from an
	// incompatible state. Maps to HTTP 409.
	ErrConflict = errors.New("alarm transition conflict")
	// ErrInvalidMode is returned for an unknown arm mode. Maps to 400.
	ErrInvalidMode = errors.New("invalid arm mode")
)

// Timings are the delays resolved from the active profile at the moment
// of a transition.
type Timings struct {
	ExitDelaySeconds  int `json:"exit_delay_seconds"`
	EntryDelaySeconds int `json:"entry_delay_seconds"`
	SirenSeconds      int `json:"siren_seconds"`
}

// Snapshot is the committed alarm state. At most one exists; transitions
// mutate it in place under the machine's lock.
type Snapshot struct {
	State     State  `json:"state"`
	Previous  State  `json:"previous_state,omitempty"`
	Target    State  `json:"target_state,omitempty"`
	ProfileID string `json:"profile_id,omitempty"`

	EnteredAt time.Time  `json:"entered_at"`
	ExitAt    *time.Time `json:"exit_at,omitempty"`

	LastTransitionReason string `json:"last_transition_reason,omitempty"`
	LastTransitionBy     string `json:"last_transition_by,omitempty"`

	Timings Timings `json:"timing_snapshot"`
}

// Event is one row of alarm history.
type Event struct {
	ID     string    `json:"id"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	By     string    `json:"by,omitempty"`
	At     time.Time `json:"at"`
}
