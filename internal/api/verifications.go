package api

import (
	"net/http"

	"taskflow/pkg/verification"
)

func (s *Server) handleVerificationList(w http.ResponseWriter, r *http.Request) {
	callerID, ok := caller(w, r)
	if !ok {
		return
	}
	reqs, err := s.ctl.VerificationRequests(r.Context(), callerID, r.URL.Query().Get("status"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if reqs == nil {
		reqs = []verification.Request{}
	}
	writeJSON(w, 200, reqs)
}

func (s *Server) handleVerificationDispose(w http.ResponseWriter, r *http.Request) {
	callerID, ok := caller(w, r)
	if !ok {
		return
	}
	decision, reason, ok := readDecision(w, r)
	if !ok {
		return
	}
	d, err := s.ctl.DisposeVerification(r.Context(), r.PathValue("id"), callerID, decision, reason)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, 200, d)
}
