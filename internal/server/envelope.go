package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/hearthside-labs/vigil/internal/alarm"
	"github.com/hearthside-labs/vigil/internal/entity"
	"github.com/hearthside-labs/vigil/internal/rules"
	"github.com/hearthside-labs/vigil/internal/settings"
)

// maxBodyBytes caps POST/PUT request bodies (1 MiB).
const maxBodyBytes int64 = 1 << 20

// errorBody is the error half of the response envelope.
type errorBody struct {
	Status    int               `json:"status"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Gateway   string            `json:"gateway,omitempty"`
	Operation string            `json:"operation,omitempty"`
}

// writeData writes a success envelope. meta is optional list metadata.
func writeData(w http.ResponseWriter, status int, data any, meta map[string]any) {
	body := map[string]any{"data": data}
	if len(meta) > 0 {
		body["meta"] = meta
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes an error envelope carrying just a status and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeErrorBody(w, errorBody{Status: status, Message: message})
}

func writeErrorBody(w http.ResponseWriter, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(body.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}

// writeDomainError maps store and state machine errors onto HTTP
// statuses: validation failures to 400, missing rows to 404, alarm
// transition conflicts to 409, everything else to 500.
func (s *Server) writeDomainError(w http.ResponseWriter, operation string, err error) {
	var verr *rules.ValidationError
	switch {
	case errors.As(err, &verr):
		writeErrorBody(w, errorBody{
			Status:    http.StatusBadRequest,
			Message:   verr.Error(),
			Details:   verr.Details(),
			Operation: operation,
		})
	case errors.Is(err, alarm.ErrInvalidMode):
		writeErrorBody(w, errorBody{Status: http.StatusBadRequest, Message: err.Error(), Operation: operation})
	case errors.Is(err, alarm.ErrConflict):
		writeErrorBody(w, errorBody{Status: http.StatusConflict, Message: err.Error(), Operation: operation})
	case errors.Is(err, sql.ErrNoRows), entity.IsNotFound(err), settings.IsNotFound(err):
		writeErrorBody(w, errorBody{Status: http.StatusNotFound, Message: err.Error(), Operation: operation})
	default:
		s.log.Error("request failed", zap.String("operation", operation), zap.Error(err))
		writeErrorBody(w, errorBody{Status: http.StatusInternalServerError, Message: err.Error(), Operation: operation})
	}
}

// decodeBody parses a JSON request body into v, answering 400 itself
// when the body does not parse.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeOptionalBody is decodeBody for endpoints where an empty body
// is a valid request.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
	return false
}

// queryInt reads an integer query parameter, falling back to def when
// absent or unusable.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
