package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/changegate/changegate/pkg/backup"
	"github.com/changegate/changegate/pkg/change"
	"github.com/changegate/changegate/pkg/rollback"
	"github.com/changegate/changegate/pkg/testrun"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// createChangeRequest is the submission body. CreatedBy always comes from
// the authenticated actor, never from the payload.
type createChangeRequest struct {
	Title                    string          `json:"title"`
	Description              string          `json:"description,omitempty"`
	Category                 change.Category `json:"category"`
	Priority                 change.Priority `json:"priority"`
	RiskLevel                change.RiskLevel `json:"riskLevel"`
	AffectedSystems          []string        `json:"affectedSystems"`
	AffectedServices         []string        `json:"affectedServices,omitempty"`
	Detail                   map[string]any  `json:"detail,omitempty"`
	TestingRequired          *bool           `json:"testingRequired,omitempty"`
	ApprovalRequired         *bool           `json:"approvalRequired,omitempty"`
	ScheduledAt              string          `json:"scheduledAt,omitempty"`
	EstimatedDurationMinutes int             `json:"estimatedDurationMinutes,omitempty"`
	RollbackPlan             string          `json:"rollbackPlan,omitempty"`
}

func (s *Server) createChange(w http.ResponseWriter, r *http.Request) {
	var req createChangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, change.CodeValidation, "invalid request body: "+err.Error())
		return
	}

	c := &change.SecurityChange{
		Title:                    req.Title,
		Description:              req.Description,
		Category:                 req.Category,
		Priority:                 req.Priority,
		RiskLevel:                req.RiskLevel,
		AffectedSystems:          req.AffectedSystems,
		AffectedServices:         req.AffectedServices,
		Detail:                   req.Detail,
		TestingRequired:          true,
		ApprovalRequired:         true,
		ScheduledAt:              req.ScheduledAt,
		EstimatedDurationMinutes: req.EstimatedDurationMinutes,
		RollbackPlan:             req.RollbackPlan,
	}
	if req.TestingRequired != nil {
		c.TestingRequired = *req.TestingRequired
	}
	if req.ApprovalRequired != nil {
		c.ApprovalRequired = *req.ApprovalRequired
	}

	actor := requestActor(r)
	created, err := s.pipeline.SubmitChange(r.Context(), c, actor.Principal)
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	s.caches.InvalidateAll()
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := change.ListFilter{
		Status:    change.State(q.Get("status")),
		Category:  change.Category(q.Get("category")),
		System:    q.Get("system"),
		CreatedBy: q.Get("createdBy"),
	}

	list, err := s.pipeline.Registry().List(r.Context(), filter, parsePageSize(q.Get("pageSize")), q.Get("pageToken"))
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getChange(w http.ResponseWriter, r *http.Request) {
	c, err := s.pipeline.Registry().Get(r.Context(), chi.URLParam(r, "changeID"))
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// testRunResponse pairs the post-battery change with the run's results.
type testRunResponse struct {
	Change  *change.SecurityChange `json:"change"`
	Battery *testrun.BatteryResult `json:"battery"`
}

func (s *Server) runTests(w http.ResponseWriter, r *http.Request) {
	changeID := chi.URLParam(r, "changeID")
	c, battery, err := s.pipeline.RunTests(r.Context(), changeID)
	if err != nil {
		s.writeRejection(w, r, err, changeID)
		return
	}
	s.invalidateChange(changeID)
	writeJSON(w, http.StatusOK, testRunResponse{Change: c, Battery: battery})
}

func (s *Server) listTestResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.pipeline.Tests().Results(r.Context(), chi.URLParam(r, "changeID"))
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "totalSize": len(results)})
}

func (s *Server) deployChange(w http.ResponseWriter, r *http.Request) {
	changeID := chi.URLParam(r, "changeID")
	actor := requestActor(r)

	result, err := s.pipeline.Deploy(r.Context(), changeID, actor.Principal)
	if err != nil {
		s.invalidateChange(changeID) // deploy failures still move the change
		s.writeRejection(w, r, err, changeID)
		return
	}
	s.invalidateChange(changeID)
	writeJSON(w, http.StatusOK, result)
}

// rollbackResponse pairs the post-rollback change with the executed
// procedure and its per-step results.
type rollbackResponse struct {
	Change    *change.SecurityChange `json:"change"`
	Procedure *rollback.Procedure    `json:"procedure"`
}

func (s *Server) rollbackChange(w http.ResponseWriter, r *http.Request) {
	changeID := chi.URLParam(r, "changeID")
	actor := requestActor(r)

	proc, err := s.pipeline.Rollback(r.Context(), changeID, actor.Principal)
	if err != nil {
		s.invalidateChange(changeID)
		s.writeRejection(w, r, err, changeID)
		return
	}
	s.invalidateChange(changeID)

	c, err := s.pipeline.Registry().Get(r.Context(), changeID)
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rollbackResponse{Change: c, Procedure: proc})
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) cancelChange(w http.ResponseWriter, r *http.Request) {
	changeID := chi.URLParam(r, "changeID")
	actor := requestActor(r)

	var req cancelRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, change.CodeValidation, "invalid request body: "+err.Error())
			return
		}
	}

	c, err := s.pipeline.Cancel(r.Context(), changeID, actor.Principal, req.Reason)
	if err != nil {
		s.writeRejection(w, r, err, changeID)
		return
	}
	s.invalidateChange(changeID)
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) changeAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	trail, err := s.pipeline.Registry().History(r.Context(), chi.URLParam(r, "changeID"), parsePageSize(q.Get("pageSize")), q.Get("pageToken"))
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

func (s *Server) changeSnapshots(w http.ResponseWriter, r *http.Request) {
	records, err := s.snapshots.ListByChange(r.Context(), chi.URLParam(r, "changeID"))
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	items := make([]backup.Snapshot, 0, len(records))
	for i := range records {
		items = append(items, *records[i].ToAPI())
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": items, "totalSize": len(items)})
}

// writeRejection renders a domain error together with the change's current,
// unchanged state so callers can see exactly where the record stands.
func (s *Server) writeRejection(w http.ResponseWriter, r *http.Request, err error, changeID string) {
	var state any
	if c, getErr := s.pipeline.Registry().Get(r.Context(), changeID); getErr == nil {
		state = c
	}
	writeDomainError(w, err, state)
}

// invalidateChange drops the cached single-change entry and the list cache.
func (s *Server) invalidateChange(changeID string) {
	s.caches.InvalidateChange(apiPrefix, changeID)
}

func parsePageSize(raw string) int {
	if raw == "" {
		return defaultPageSize
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}
