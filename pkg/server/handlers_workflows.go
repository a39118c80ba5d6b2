package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/changegate/changegate/pkg/approval"
	"github.com/changegate/changegate/pkg/change"
)

// decisionRequest is the approve/reject body. The approver and roles come
// from the authenticated actor.
type decisionRequest struct {
	Stage    approval.Stage `json:"stage"`
	Comments string         `json:"comments,omitempty"`
}

// workflowResponse pairs the workflow with the change it gates, so one call
// shows both the decision record and any state transition it caused.
type workflowResponse struct {
	Workflow *approval.Workflow     `json:"workflow"`
	Change   *change.SecurityChange `json:"change,omitempty"`
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.pipeline.Approvals().Get(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.withChange(r, wf))
}

func (s *Server) approveWorkflow(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, change.CodeValidation, "invalid request body: "+err.Error())
		return
	}

	actor := requestActor(r)
	outcome, err := s.pipeline.Approve(r.Context(), chi.URLParam(r, "workflowID"), req.Stage, actor.Principal, actor.Roles, req.Comments)
	if err != nil {
		s.writeWorkflowRejection(w, r, err)
		return
	}
	if outcome.Completed {
		s.invalidateChange(outcome.Workflow.ChangeID)
	}
	writeJSON(w, http.StatusOK, s.withChange(r, outcome.Workflow))
}

func (s *Server) rejectWorkflow(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, change.CodeValidation, "invalid request body: "+err.Error())
		return
	}

	actor := requestActor(r)
	wf, err := s.pipeline.Reject(r.Context(), chi.URLParam(r, "workflowID"), req.Stage, actor.Principal, actor.Roles, req.Comments)
	if err != nil {
		s.writeWorkflowRejection(w, r, err)
		return
	}
	s.invalidateChange(wf.ChangeID)
	writeJSON(w, http.StatusOK, s.withChange(r, wf))
}

// withChange attaches the gated change when it can still be loaded; a
// missing change never hides the workflow itself.
func (s *Server) withChange(r *http.Request, wf *approval.Workflow) workflowResponse {
	resp := workflowResponse{Workflow: wf}
	if c, err := s.pipeline.Registry().Get(r.Context(), wf.ChangeID); err == nil {
		resp.Change = c
	}
	return resp
}

// writeWorkflowRejection renders a rejected decision with the workflow's
// current, unchanged state.
func (s *Server) writeWorkflowRejection(w http.ResponseWriter, r *http.Request, err error) {
	var state any
	if wf, getErr := s.pipeline.Approvals().Get(r.Context(), chi.URLParam(r, "workflowID")); getErr == nil {
		state = wf
	}
	writeDomainError(w, err, state)
}
