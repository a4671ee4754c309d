package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"taskflow/pkg/changefeed"
	"taskflow/pkg/eventlog"
	"taskflow/pkg/proof"
	"taskflow/pkg/reassign"
	"taskflow/pkg/task"
	"taskflow/pkg/verification"
	"taskflow/pkg/workflow"
)

// CallerHeader carries the authenticated employee id.
const CallerHeader = "X-Employee-ID"

// Deps wires a Server. Hub, Proofs and Journal may be nil; the routes that
// need them then answer 503.
type Deps struct {
	Controller *workflow.Controller
	Tasks      task.Store
	Requests   verification.Store
	Records    reassign.RecordStore
	Journal    eventlog.Journal
	Hub        *changefeed.Hub
	Proofs     proof.Uploader
	ProofDir   string // served under /proofs/ when set
}

// Server is the HTTP API server.
type Server struct {
	ctl      *workflow.Controller
	tasks    task.Store
	requests verification.Store
	records  reassign.RecordStore
	journal  eventlog.Journal
	hub      *changefeed.Hub
	proofs   proof.Uploader
	mux      *http.ServeMux
}

// New creates a new Server.
func New(d Deps) *Server {
	s := &Server{
		ctl:      d.Controller,
		tasks:    d.Tasks,
		requests: d.Requests,
		records:  d.Records,
		journal:  d.Journal,
		hub:      d.Hub,
		proofs:   d.Proofs,
		mux:      http.NewServeMux(),
	}
	s.routes(d.ProofDir)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes(proofDir string) {
	// Tasks
	s.mux.HandleFunc("GET /api/tasks", s.handleTaskList)
	s.mux.HandleFunc("POST /api/tasks", s.handleTaskCreate)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskGet)
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.handleTaskDelete)
	s.mux.HandleFunc("POST /api/tasks/{id}/start", s.handleTaskStart)
	s.mux.HandleFunc("POST /api/tasks/{id}/proof", s.handleTaskProof)
	s.mux.HandleFunc("POST /api/tasks/{id}/complete", s.handleTaskComplete)
	s.mux.HandleFunc("POST /api/tasks/{id}/active", s.handleTaskActive)
	s.mux.HandleFunc("POST /api/tasks/{id}/verification", s.handleTaskRequestVerification)
	s.mux.HandleFunc("POST /api/tasks/{id}/review", s.handleTaskReview)
	s.mux.HandleFunc("GET /api/tasks/{id}/history", s.handleTaskHistory)
	s.mux.HandleFunc("GET /api/tasks/{id}/reassignments", s.handleTaskReassignments)

	// Verification ledger
	s.mux.HandleFunc("GET /api/verifications", s.handleVerificationList)
	s.mux.HandleFunc("POST /api/verifications/{id}/dispose", s.handleVerificationDispose)

	// Journal and change feed
	s.mux.HandleFunc("GET /api/journal", s.handleJournalList)
	s.mux.HandleFunc("GET /api/changes/stream", s.handleChangeStream)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	if proofDir != "" {
		s.mux.Handle("GET /proofs/", http.StripPrefix("/proofs/", http.FileServer(http.Dir(proofDir))))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

type statusCount struct {
	key   string
	count func() (int, error)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]any{}
	counts := []statusCount{
		{"tasks", func() (int, error) { return s.tasks.Count(ctx) }},
		{"pending_tasks", func() (int, error) { return s.tasks.CountByStatus(ctx, task.StatusPending) }},
		{"in_progress_tasks", func() (int, error) { return s.tasks.CountByStatus(ctx, task.StatusInProgress) }},
		{"completed_tasks", func() (int, error) { return s.tasks.CountByStatus(ctx, task.StatusCompleted) }},
		{"pending_verifications", func() (int, error) { return s.requests.PendingCount(ctx) }},
	}
	if s.journal != nil {
		counts = append(counts, statusCount{"events", func() (int, error) { return s.journal.Count(ctx) }})
	}
	for _, c := range counts {
		n, err := c.count()
		if err != nil {
			log.Printf("status: count %s: %v", c.key, err)
			writeError(w, 500, "failed to count "+strings.ReplaceAll(c.key, "_", " "))
			return
		}
		out[c.key] = n
	}
	if s.hub != nil {
		out["change_subscribers"] = s.hub.Subscribers()
	}
	writeJSON(w, 200, out)
}

// caller returns the acting employee id, writing a 401 when absent.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(CallerHeader))
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing "+CallerHeader+" header")
		return "", false
	}
	return id, true
}

type errorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	TaskID     string `json:"task_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Transition string `json:"transition,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	kind := "invalid_input"
	switch status {
	case http.StatusUnauthorized:
		kind = "unauthenticated"
	case http.StatusNotFound:
		kind = "not_found"
	case http.StatusServiceUnavailable:
		kind = "unavailable"
	}
	if status >= 500 && status != http.StatusServiceUnavailable {
		kind = "internal"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

// writeFailure maps a Controller error to its status code.
func writeFailure(w http.ResponseWriter, err error) {
	kind := workflow.KindOf(err)
	resp := errorResponse{Error: err.Error(), Kind: workflow.KindName(kind)}
	var werr *workflow.Error
	if errors.As(err, &werr) {
		resp.TaskID = werr.TaskID
		resp.RequestID = werr.RequestID
		resp.Transition = werr.Transition
		resp.Reason = werr.Reason
	}
	status := statusFor(kind)
	if status >= 500 {
		log.Printf("api: %v", err)
	}
	writeJSON(w, status, resp)
}

func statusFor(kind error) int {
	switch kind {
	case workflow.ErrInvalidInput, workflow.ErrMissingReason, workflow.ErrMissingProof:
		return http.StatusBadRequest
	case workflow.ErrNotAssignee, workflow.ErrNotAuthorized:
		return http.StatusForbidden
	case workflow.ErrNotFound:
		return http.StatusNotFound
	case workflow.ErrInvalidTransition, workflow.ErrTaskInactive:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
