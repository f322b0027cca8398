package server

import (
	"encoding/json"
	"net/http"

	"github.com/crochee/cim/internal/apierr"
)

// authorizeRequest is the wire shape of a policy check: the
// (subject, action, resource, context) tuple of §4.8.
type authorizeRequest struct {
	Subject  string                 `json:"subject"`
	Action   string                 `json:"action"`
	Resource string                 `json:"resource"`
	Context  map[string]interface{} `json:"context"`
}

type authorizeResponse struct {
	Allowed bool `json:"allowed"`
}

// handleAuthorizeCheck exposes package authz's resolver (§4.8) over HTTP:
// callers ask "may subject perform action on resource" and get back
// allowed=true, or the typed Forbidden error of §4.7's decision algorithm.
func (s *Server) handleAuthorizeCheck(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, apierr.BadRequest("invalid_body", "could not decode request body"))
		return
	}
	if req.Subject == "" || req.Action == "" || req.Resource == "" {
		apierr.WriteError(w, apierr.BadRequest("missing_field", "subject, action, and resource are required"))
		return
	}

	if err := s.authz.Authorize(r.Context(), req.Subject, req.Action, req.Resource, req.Context); err != nil {
		apierr.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(authorizeResponse{Allowed: true})
}
