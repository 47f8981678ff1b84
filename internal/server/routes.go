package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + version + metrics
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Alarm
	mux.HandleFunc("GET /api/v1/alarm", s.handleGetAlarm)
	mux.HandleFunc("POST /api/v1/alarm/arm", s.handleArm)
	mux.HandleFunc("POST /api/v1/alarm/disarm", s.handleDisarm)
	mux.HandleFunc("POST /api/v1/alarm/trigger", s.handleTrigger)
	mux.HandleFunc("POST /api/v1/alarm/cancel-arming", s.handleCancelArming)

	// Entities + detections
	mux.HandleFunc("GET /api/v1/entities", s.handleListEntities)
	mux.HandleFunc("GET /api/v1/entities/{id}", s.handleGetEntity)
	mux.HandleFunc("GET /api/v1/detections", s.handleListDetections)

	// Rules
	mux.HandleFunc("GET /api/v1/rules", s.handleListRules)
	mux.HandleFunc("POST /api/v1/rules", s.handleCreateRule)
	mux.HandleFunc("POST /api/v1/rules/simulate", s.handleSimulateRules)
	mux.HandleFunc("GET /api/v1/rules/suspended", s.handleListSuspended)
	mux.HandleFunc("GET /api/v1/rules/{id}", s.handleGetRule)
	mux.HandleFunc("PUT /api/v1/rules/{id}", s.handleUpdateRule)
	mux.HandleFunc("DELETE /api/v1/rules/{id}", s.handleDeleteRule)
	mux.HandleFunc("GET /api/v1/rules/{id}/logs", s.handleRuleLogs)
	mux.HandleFunc("POST /api/v1/rules/{id}/suspension/clear", s.handleClearSuspension)

	// Dispatcher
	mux.HandleFunc("GET /api/v1/dispatcher/status", s.handleDispatcherStatus)
	mux.HandleFunc("GET /api/v1/dispatcher/config", s.handleDispatcherConfig)

	// Settings + profiles
	mux.HandleFunc("GET /api/v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/v1/settings", s.handlePutSettings)
	mux.HandleFunc("GET /api/v1/profiles", s.handleListProfiles)
	mux.HandleFunc("POST /api/v1/profiles/{id}/activate", s.handleActivateProfile)

	// Client websocket
	mux.HandleFunc("GET /api/v1/ws", s.hub.HandleWS)
}
