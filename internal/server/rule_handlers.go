package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/hearthside-labs/vigil/internal/actions"
	"github.com/hearthside-labs/vigil/internal/alarm"
	"github.com/hearthside-labs/vigil/internal/engine"
	"github.com/hearthside-labs/vigil/internal/rules"
)

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.ruleStore.List()
	if err != nil {
		s.writeDomainError(w, "list_rules", err)
		return
	}
	writeData(w, http.StatusOK, list, map[string]any{"count": len(list)})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.ruleStore.Get(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, "get_rule", err)
		return
	}
	writeData(w, http.StatusOK, rule, nil)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if !decodeBody(w, r, &rule) {
		return
	}
	// POST always creates; ids are assigned by the store.
	rule.ID = ""
	if rule.ModifiedByRole == "" {
		rule.ModifiedByRole = "admin"
	}
	if err := s.ruleStore.Save(&rule, actions.ValidateAction); err != nil {
		s.writeDomainError(w, "create_rule", err)
		return
	}
	s.dispatcher.InvalidateIndex()
	writeData(w, http.StatusCreated, rule, nil)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.ruleStore.Get(id)
	if err != nil {
		s.writeDomainError(w, "update_rule", err)
		return
	}
	var rule rules.Rule
	if !decodeBody(w, r, &rule) {
		return
	}
	rule.ID = id
	rule.CreatedAt = existing.CreatedAt
	rule.CreatedBy = existing.CreatedBy
	if rule.ModifiedByRole == "" {
		rule.ModifiedByRole = existing.ModifiedByRole
	}
	if err := s.ruleStore.Save(&rule, actions.ValidateAction); err != nil {
		s.writeDomainError(w, "update_rule", err)
		return
	}
	s.dispatcher.InvalidateIndex()
	writeData(w, http.StatusOK, rule, nil)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ruleStore.Delete(id); err != nil {
		s.writeDomainError(w, "delete_rule", err)
		return
	}
	if err := s.runtime.DeleteForRule(id); err != nil {
		s.log.Warn("delete rule runtime", zap.String("rule_id", id), zap.Error(err))
	}
	s.dispatcher.InvalidateIndex()
	writeData(w, http.StatusOK, map[string]string{"deleted": id}, nil)
}

// simulateRequest is the dry-run body: hypothetical entity states plus
// optional overrides for hold timers and the alarm state.
type simulateRequest struct {
	EntityStates     map[string]string `json:"entity_states"`
	AssumeForSeconds *int              `json:"assume_for_seconds,omitempty"`
	AlarmState       *string           `json:"alarm_state,omitempty"`
}

func (s *Server) handleSimulateRules(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	list, err := s.ruleStore.List()
	if err != nil {
		s.writeDomainError(w, "simulate_rules", err)
		return
	}
	sim := engine.SimulationRequest{
		Rules:            list,
		States:           req.EntityStates,
		AssumeForSeconds: req.AssumeForSeconds,
	}
	if req.AlarmState != nil {
		st := alarm.State(*req.AlarmState)
		sim.AlarmState = &st
	}
	results := s.engine.Simulate(r.Context(), sim)
	writeData(w, http.StatusOK, results, map[string]any{"count": len(results)})
}

func (s *Server) handleRuleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.ruleStore.Get(id); err != nil {
		s.writeDomainError(w, "rule_logs", err)
		return
	}
	limit := queryInt(r, "limit", 50)
	entries, err := s.ruleLog.ListForRule(id, limit)
	if err != nil {
		s.writeDomainError(w, "rule_logs", err)
		return
	}
	writeData(w, http.StatusOK, entries, map[string]any{"count": len(entries)})
}

func (s *Server) handleListSuspended(w http.ResponseWriter, r *http.Request) {
	list, err := s.dispatcher.SuspendedRules()
	if err != nil {
		s.writeDomainError(w, "list_suspended", err)
		return
	}
	writeData(w, http.StatusOK, list, map[string]any{"count": len(list)})
}

func (s *Server) handleClearSuspension(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.dispatcher.ClearSuspension(id); err != nil {
		s.writeDomainError(w, "clear_suspension", err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"cleared": id}, nil)
}
