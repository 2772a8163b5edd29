// Package httpapi hosts the daemon's HTTP surface: health, the realtime
// websocket endpoint, and the agent hook ingress.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"pilothouse/server/internal/fault"
	"pilothouse/server/internal/waitdetect"
)

// HookSink receives agent lifecycle hooks; the concrete implementation
// is the waiting-state detector.
type HookSink interface {
	HandleHookEvent(ev waitdetect.HookEvent) error
}

// TelemetryWatcher starts context monitoring for a session's transcript.
type TelemetryWatcher interface {
	Watch(sessionID, path string) error
}

type Deps struct {
	Hooks     HookSink
	Telemetry TelemetryWatcher
	WSHandler http.HandlerFunc
	APIKey    string
	Logger    *slog.Logger
}

type Server struct {
	deps Deps
	mux  *http.ServeMux
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if deps.WSHandler != nil {
		s.mux.HandleFunc("/ws", s.authed(deps.WSHandler))
	}
	s.mux.HandleFunc("/internal/hooks/agent", s.authed(s.handleAgentHook))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// authed enforces the bearer token when an API key is configured.
// Health stays open either way.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	if s.deps.APIKey == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.APIKey)) != 1 {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]any{"status": "ok"})
}

type agentHookPayload struct {
	SessionID      string `json:"session_id"`
	Event          string `json:"event"`
	Reason         string `json:"reason,omitempty"`
	TranscriptPath string `json:"transcript_path,omitempty"`
}

func (s *Server) handleAgentHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "POST required")
		return
	}
	var payload agentHookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "PARSE_ERROR", "malformed hook payload")
		return
	}

	if err := s.deps.Hooks.HandleHookEvent(waitdetect.HookEvent{
		SessionID:      payload.SessionID,
		Event:          payload.Event,
		Reason:         payload.Reason,
		TranscriptPath: payload.TranscriptPath,
	}); err != nil {
		respondFault(w, err)
		return
	}

	// A transcript path doubles as the telemetry source for context
	// monitoring.
	if payload.TranscriptPath != "" && s.deps.Telemetry != nil {
		if err := s.deps.Telemetry.Watch(payload.SessionID, payload.TranscriptPath); err != nil {
			s.deps.Logger.Warn("transcript watch failed",
				"session_id", payload.SessionID, "path", payload.TranscriptPath, "err", err)
		}
	}
	respondOK(w, map[string]any{"accepted": true})
}

// StatusFor maps fault kinds onto HTTP status codes at the boundary.
func StatusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Conflict:
		return http.StatusConflict
	case fault.Invariant, fault.Validation:
		return http.StatusBadRequest
	case fault.Timeout:
		return http.StatusGatewayTimeout
	case fault.Cancelled:
		return 499
	case fault.External:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondFault(w http.ResponseWriter, err error) {
	respondError(w, StatusFor(err), strings.ToUpper(fault.KindOf(err).String()), err.Error())
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func respondError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": map[string]any{"code": errCode, "message": msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
