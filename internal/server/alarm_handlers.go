package server

import (
	"net/http"

	"github.com/hearthside-labs/vigil/internal/alarm"
)

// alarmCommand is the body of the alarm transition endpoints. All
// fields are optional except mode on arm.
type alarmCommand struct {
	Mode   string `json:"mode,omitempty"`
	By     string `json:"by,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (cmd alarmCommand) actor() string {
	if cmd.By == "" {
		return "api"
	}
	return cmd.By
}

// handleGetAlarm returns the current snapshot with any due timer
// transitions applied first, so a poll never reports a stale exit or
// siren window.
func (s *Server) handleGetAlarm(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.machine.Snapshot(true), nil)
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	var cmd alarmCommand
	if !decodeOptionalBody(w, r, &cmd) {
		return
	}
	snap, err := s.machine.Arm(r.Context(), alarm.State(cmd.Mode), cmd.actor(), cmd.Reason)
	if err != nil {
		s.writeDomainError(w, "arm", err)
		return
	}
	writeData(w, http.StatusOK, snap, nil)
}

func (s *Server) handleDisarm(w http.ResponseWriter, r *http.Request) {
	var cmd alarmCommand
	if !decodeOptionalBody(w, r, &cmd) {
		return
	}
	snap, err := s.machine.Disarm(r.Context(), cmd.actor(), cmd.Reason)
	if err != nil {
		s.writeDomainError(w, "disarm", err)
		return
	}
	writeData(w, http.StatusOK, snap, nil)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var cmd alarmCommand
	if !decodeOptionalBody(w, r, &cmd) {
		return
	}
	snap, err := s.machine.Trigger(r.Context(), cmd.actor(), cmd.Reason)
	if err != nil {
		s.writeDomainError(w, "trigger", err)
		return
	}
	writeData(w, http.StatusOK, snap, nil)
}

func (s *Server) handleCancelArming(w http.ResponseWriter, r *http.Request) {
	var cmd alarmCommand
	if !decodeOptionalBody(w, r, &cmd) {
		return
	}
	snap, err := s.machine.CancelArming(r.Context(), cmd.actor(), cmd.Reason)
	if err != nil {
		s.writeDomainError(w, "cancel_arming", err)
		return
	}
	writeData(w, http.StatusOK, snap, nil)
}
