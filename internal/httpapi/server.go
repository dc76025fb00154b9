// Package httpapi exposes the webhook surface: tracker-pushed events come
// in here and are handed to the orchestrator. Endpoints are authenticated
// by a shared secret compared in constant time.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/jirabot/jirabot/internal/orchestrator"
	"github.com/jirabot/jirabot/internal/tracker"
	"github.com/jirabot/jirabot/internal/types"
)

// SecretHeader carries the shared webhook secret.
const SecretHeader = "x-webhook-secret"

const maxBodyBytes = 1 << 20

// Server routes webhook requests to the orchestrator.
type Server struct {
	orch   *orchestrator.Orchestrator
	secret string
	jql    string
	log    *slog.Logger
	mux    *http.ServeMux
}

// New builds the webhook server. sweepJQL is the query used by the
// hygiene endpoint when the request does not supply one. An empty secret
// disables authentication; only do that in development.
func New(orch *orchestrator.Orchestrator, secret, sweepJQL string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{orch: orch, secret: secret, jql: sweepJQL, log: log, mux: http.NewServeMux()}
	if secret == "" {
		log.Warn("webhook secret is empty; endpoints are unauthenticated")
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/v1/l1-triage-bot", s.authed(s.handleTriage))
	s.mux.HandleFunc("POST /api/v1/admin-validator", s.authed(s.handleAdminValidator))
	s.mux.HandleFunc("POST /api/v1/hygiene", s.authed(s.handleHygiene))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// authed wraps a handler with the constant-time shared-secret check.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.secret != "" {
			got := r.Header.Get(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
				s.log.Warn("webhook rejected: bad secret", "path", r.URL.Path, "remote", r.RemoteAddr)
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid webhook secret"})
				return
			}
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// triageRequest is the l1-triage-bot payload: the raw issue as the
// tracker webhook delivers it.
type triageRequest struct {
	Issue  json.RawMessage `json:"issue"`
	DryRun bool            `json:"dry_run"`
}

func (s *Server) handleTriage(w http.ResponseWriter, r *http.Request) {
	var req triageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON: " + err.Error()})
		return
	}
	if len(req.Issue) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing issue payload"})
		return
	}
	ticket, err := tracker.ParseIssue(req.Issue)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	result, action, err := s.orch.TriageTicket(r.Context(), &ticket, req.DryRun)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.log.Info("webhook triage handled", "ticket", ticket.Key, "parsed", result.Parsed())
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"ticket": ticket.Key,
		"result": result,
		"action": action,
	})
}

// adminValidatorRequest asks whether a proposed custom field should exist.
type adminValidatorRequest struct {
	TicketKey string          `json:"ticket_key"`
	Summary   string          `json:"summary"`
	Field     types.FieldSpec `json:"field"`
	DryRun    bool            `json:"dry_run"`
}

func (s *Server) handleAdminValidator(w http.ResponseWriter, r *http.Request) {
	var req adminValidatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.TicketKey == "" || req.Field.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "ticket_key and field.name are required"})
		return
	}

	ticket := types.Ticket{Key: req.TicketKey, Summary: req.Summary, Status: "Open"}
	result, action, err := s.orch.ValidateFieldRequest(r.Context(), &ticket, req.Field, req.DryRun)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
		"action": action,
	})
}

// hygieneRequest triggers a sweep. Mode defaults to hygiene.
type hygieneRequest struct {
	JQL    string     `json:"jql"`
	Mode   types.Mode `json:"mode"`
	DryRun bool       `json:"dry_run"`
}

func (s *Server) handleHygiene(w http.ResponseWriter, r *http.Request) {
	var req hygieneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Mode == "" {
		req.Mode = types.ModeHygiene
	}
	if !req.Mode.IsValid() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid mode: " + string(req.Mode)})
		return
	}
	jql := req.JQL
	if jql == "" {
		jql = s.jql
	}

	run, err := s.orch.Run(r.Context(), req.Mode, req.DryRun, tracker.Query{JQL: jql})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "run": run})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "run": run})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
