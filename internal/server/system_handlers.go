package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hearthside-labs/vigil/internal/alarm"
	"github.com/hearthside-labs/vigil/internal/dispatch"
	"github.com/hearthside-labs/vigil/internal/events"
	"github.com/hearthside-labs/vigil/internal/settings"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"version": Version, "commit": Commit, "date": Date,
	})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.entities.List(q.Get("domain"), q.Get("source"))
	if err != nil {
		s.writeDomainError(w, "list_entities", err)
		return
	}
	writeData(w, http.StatusOK, list, map[string]any{"count": len(list)})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	ent, err := s.entities.Get(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, "get_entity", err)
		return
	}
	writeData(w, http.StatusOK, ent, nil)
}

func (s *Server) handleListDetections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.detections.List(q.Get("camera"), q.Get("label"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeDomainError(w, "list_detections", err)
		return
	}
	writeData(w, http.StatusOK, list, map[string]any{"count": len(list)})
}

func (s *Server) handleDispatcherStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.dispatcher.Status(), nil)
}

func (s *Server) handleDispatcherConfig(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.dispatcher.Config(), nil)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	doc, err := s.settings.Document()
	if err != nil {
		s.writeDomainError(w, "get_settings", err)
		return
	}
	writeData(w, http.StatusOK, doc, nil)
}

// handlePutSettings merges the request body over the stored document,
// so absent fields keep their persisted values. Dispatcher knobs are
// re-applied to the live dispatcher in the same request.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	doc, err := s.settings.Document()
	if err != nil {
		s.writeDomainError(w, "put_settings", err)
		return
	}
	if !decodeBody(w, r, &doc) {
		return
	}
	if err := s.settings.Save(doc); err != nil {
		s.writeDomainError(w, "put_settings", err)
		return
	}
	s.dispatcher.ApplyConfig(dispatch.ConfigFrom(doc.Dispatcher))
	s.bus.Publish(events.Event{
		Type:    events.SettingsUpdated,
		Summary: "settings updated",
	})
	writeData(w, http.StatusOK, doc, nil)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	list, err := s.settings.ListProfiles()
	if err != nil {
		s.writeDomainError(w, "list_profiles", err)
		return
	}
	writeData(w, http.StatusOK, list, map[string]any{"count": len(list)})
}

func (s *Server) handleActivateProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	prior, _ := s.settings.ActiveProfile()
	if err := s.settings.ActivateProfile(id); err != nil {
		s.writeDomainError(w, "activate_profile", err)
		return
	}
	profile, err := s.settings.GetProfile(id)
	if err != nil {
		s.writeDomainError(w, "activate_profile", err)
		return
	}

	s.bus.Publish(events.Event{
		Type:    events.SettingsProfileChanged,
		Subject: profile.ID,
		Summary: "profile " + profile.Name + " activated",
	})

	// Push the new effective timings to alarm stream watchers right
	// away instead of waiting for the next transition.
	if timingsChanged(prior, profile) {
		snap := s.machine.Current()
		snap.ProfileID = profile.ID
		snap.Timings = alarm.Timings{
			ExitDelaySeconds:  profile.ExitDelay,
			EntryDelaySeconds: profile.EntryDelay,
			SirenSeconds:      profile.SirenTime,
		}
		s.bus.Publish(events.Event{
			Type:    events.AlarmStateCommitted,
			Subject: string(snap.State),
			Summary: "effective alarm settings changed",
			Detail:  snap,
		})
	}
	writeData(w, http.StatusOK, profile, nil)
}

func timingsChanged(prior, next *settings.Profile) bool {
	if prior == nil {
		return true
	}
	return prior.ExitDelay != next.ExitDelay ||
		prior.EntryDelay != next.EntryDelay ||
		prior.SirenTime != next.SirenTime
}
