package api

import (
	"errors"
	"net/http"
	"strings"

	"taskflow/pkg/proof"
	"taskflow/pkg/task"
	"taskflow/pkg/workflow"
)

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{
		AssignedTo:   q.Get("assigned_to"),
		AssignedBy:   q.Get("assigned_by"),
		DepartmentID: q.Get("department_id"),
		ParentID:     q.Get("parent_id"),
		Limit:        queryInt(r, "limit", 50),
	}
	if status := q.Get("status"); status != "" {
		st, err := task.ParseStatus(status)
		if err != nil {
			writeError(w, 400, err.Error())
			return
		}
		f.Status = st
	}
	tasks, err := s.ctl.Tasks(r.Context(), f)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.ctl.Task(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	callerID, ok := caller(w, r)
	if !ok {
		return
	}
	var in workflow.NewTask
	if !decodeJSON(w, r, &in) {
		return
	}
	t, err := s.ctl.CreateTask(r.Context(), callerID, in)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, 201, t)
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	callerID, ok := caller(w, r)
	if !ok {
		return
	}
	if err := s.ctl.DeleteTask(r.Context(), r.PathValue("id"), callerID); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	callerID, ok := caller(w, r)
	if !ok {
		return
	}
	t, err := s.ctl.Start(r.Context(), r.PathValue("id"), callerID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, 200, t)
}

// handleTaskProof stores a photo and returns its reference. The body is
// either the raw image or a multipart form with a "photo" file.
func (s *Server) handleTaskProof(w http.ResponseWriter, r *http.Request) {
	callerID, ok := caller(w, r)
	if !ok {
		return
	}
	if s.proofs == nil {
		writeError(w, http.StatusServiceUnavailable, "proof storage is not configured")
		return
	}
	id := r.PathValue("id")
	t, err := s.ctl.Task(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if t.AssignedTo != callerID {
		writeFailure(w, &workflow.Error{Kind: workflow.ErrNotAssignee, TaskID: id, Transition: "proof"})
		return
	}

	body, contentType := r.Body, r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/") {
		file, hdr, err := r.FormFile("photo")
		if err != nil {
			writeError(w, 400, "photo: "+err.Error())
			return
		}
		defer file.Close()
		body, contentType = file, hdr.Header.Get("Content-Type")
	}
	ref, err := s.proofs.Upload(r.Context(), id, body, contentType)
	if err != nil {
		switch {
		case errors.Is(err, proof.ErrUnsupportedType):
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
		case errors.Is(err, proof.ErrTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		default:
			writeError(w, 500, err.Error())
		}
		return
	}
	writeJSON(w, 201, map[string]string{"proof": ref})
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	callerID, ok := caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Proof string `json:"proof"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	t, err := s.ctl.Complete(r.Context(), r.PathValue("id"), callerID, body.Proof)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskActive(w http.ResponseWriter, r *http.Request) {
	callerID, ok := caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Active *bool `json:"active"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Active == nil {
		writeError(w, 400, "active is required")
		return
	}
	t, err := s.ctl.SetActive(r.Context(), r.PathValue("id"), callerID, *body.Active)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskRequestVerification(w http.ResponseWriter, r *http.Request) {
	callerID, ok := caller(w, r)
	if !ok {
		return
	}
	req, err := s.ctl.RequestVerification(r.Context(), r.PathValue("id"), callerID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, 201, req)
}

func (s *Server) handleTaskReview(w http.ResponseWriter, r *http.Request) {
	callerID, ok := caller(w, r)
	if !ok {
		return
	}
	decision, reason, ok := readDecision(w, r)
	if !ok {
		return
	}
	d, err := s.ctl.ReviewTask(r.Context(), r.PathValue("id"), callerID, decision, reason)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, 200, d)
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal is not configured")
		return
	}
	events, err := s.journal.ByTask(r.Context(), r.PathValue("id"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, events)
}

func (s *Server) handleTaskReassignments(w http.ResponseWriter, r *http.Request) {
	records, err := s.records.ByTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, records)
}

func readDecision(w http.ResponseWriter, r *http.Request) (workflow.Decision, string, bool) {
	var body struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if !decodeJSON(w, r, &body) {
		return "", "", false
	}
	d, err := workflow.ParseDecision(body.Decision)
	if err != nil {
		writeError(w, 400, err.Error())
		return "", "", false
	}
	return d, body.Reason, true
}
