package human

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arcflow-run/conductor/internal/config"
	"github.com/arcflow-run/conductor/internal/eventbus"
)

// Server is the Human Interface's HTTP surface: a chi router exposing
// the read-only query API under GET and the control commands under
// POST, optionally behind JWT auth.
type Server struct {
	iface  *Interface
	cfg    config.HumanConfig
	router chi.Router
	http   *http.Server
}

// NewServer builds the router. validator may be nil, in which case the
// server runs unauthenticated (suitable for a trusted local deployment).
func NewServer(iface *Interface, cfg config.HumanConfig, validator *JWTValidator) *Server {
	s := &Server{iface: iface, cfg: cfg}
	s.router = s.buildRouter(validator)
	return s
}

func (s *Server) buildRouter(validator *JWTValidator) chi.Router {
	r := chi.NewRouter()

	if validator != nil {
		r.Use(Middleware(validator, []string{"/health"}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/lists/{id}", s.handleListStatus)
	r.Get("/tasks/{id}", s.handleTaskStatus)
	r.Get("/tasks/{id}/acceptance", s.handleAcceptanceResults)
	r.Get("/timeline", s.handleTimeline)
	r.Get("/locks", s.handleLockTable)
	r.Get("/decisions", s.handlePendingDecisions)
	r.Get("/conflicts", s.handleRecentConflicts)
	r.Get("/runs/{id}/transcript", s.handleTranscript)
	r.Get("/runs/{id}/diff", s.handleRunDiff)

	r.Post("/runs/{id}/pause", s.handlePause)
	r.Post("/runs/{id}/resume", s.handleResume)
	r.Post("/runs/{id}/rollback", s.handleRollback)
	r.Post("/lists/{id}/pause", s.handlePauseList)
	r.Post("/tasks/{id}/skip", s.handleSkip)
	r.Post("/tasks/{id}/reset", s.handleReset)
	r.Post("/tasks/{id}/cancel", s.handleCancel)
	r.Post("/locks/{path}/force-unlock", s.handleForceUnlock)
	r.Post("/decisions/{id}", s.handleDecide)

	return r
}

// Start runs the HTTP server until Shutdown closes it.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown() error {
	if s.http == nil {
		return nil
	}
	return s.http.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.iface.Status(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListStatus(w http.ResponseWriter, r *http.Request) {
	l, err := s.iface.ListStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, l.Snapshot())
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	tk, err := s.iface.TaskStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tk.Snapshot())
}

func (s *Server) handleAcceptanceResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.iface.AcceptanceResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var types []eventbus.Type
	if v := r.URL.Query().Get("type"); v != "" {
		types = []eventbus.Type{eventbus.Type(v)}
	}
	var sources []string
	if v := r.URL.Query().Get("source"); v != "" {
		sources = []string{v}
	}
	events, err := s.iface.Timeline(r.Context(), time.Time{}, time.Time{}, sources, types, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleLockTable(w http.ResponseWriter, r *http.Request) {
	locks, err := s.iface.LockTable(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, locks)
}

func (s *Server) handlePendingDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.iface.PendingDecisions(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) handleRecentConflicts(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	events, err := s.iface.RecentConflicts(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	turns, err := s.iface.Transcript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, turns)
}

func (s *Server) handleRunDiff(w http.ResponseWriter, r *http.Request) {
	base := r.URL.Query().Get("base")
	if base == "" {
		base = "main"
	}
	diff, err := s.iface.RunDiff(r.Context(), chi.URLParam(r, "id"), base)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(diff))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.iface.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pause_requested"})
}

func (s *Server) handlePauseList(w http.ResponseWriter, r *http.Request) {
	if err := s.iface.PauseList(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pause_requested"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.iface.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resume_requested"})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	if err := s.iface.Skip(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.iface.ResetToPending(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.iface.CancelTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleForceUnlock(w http.ResponseWriter, r *http.Request) {
	if err := s.iface.ForceUnlock(r.Context(), chi.URLParam(r, "path")); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if err := s.iface.RollbackRun(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

type decideRequest struct {
	Choice string `json:"choice"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.iface.Decide(r.Context(), chi.URLParam(r, "id"), req.Choice); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
