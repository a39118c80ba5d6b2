package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/changegate/changegate/pkg/change"
	"github.com/changegate/changegate/pkg/emergency"
)

func (s *Server) declareEmergency(w http.ResponseWriter, r *http.Request) {
	var e emergency.EmergencyUpdate
	if err := decodeBody(r, &e); err != nil {
		writeError(w, http.StatusBadRequest, change.CodeValidation, "invalid request body: "+err.Error())
		return
	}

	actor := requestActor(r)
	created, err := s.responder.Create(r.Context(), &e, actor.Principal)
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	s.caches.InvalidateAll() // declaring creates a fast-tracked change too
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listEmergencies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.responder.List(r.Context(),
		emergency.Status(q.Get("status")), emergency.Type(q.Get("type")),
		parsePageSize(q.Get("pageSize")), q.Get("pageToken"))
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getEmergency(w http.ResponseWriter, r *http.Request) {
	e, err := s.responder.Get(r.Context(), chi.URLParam(r, "emergencyID"))
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) activateEmergency(w http.ResponseWriter, r *http.Request) {
	s.runEmergencyPhase(w, r, s.responder.Activate)
}

func (s *Server) containEmergency(w http.ResponseWriter, r *http.Request) {
	s.runEmergencyPhase(w, r, s.responder.ExecuteContainment)
}

func (s *Server) recoverEmergency(w http.ResponseWriter, r *http.Request) {
	s.runEmergencyPhase(w, r, s.responder.ExecuteRecovery)
}

// runEmergencyPhase executes one phase transition; out-of-order phase calls
// come back as invalid_transition with the emergency's current state.
func (s *Server) runEmergencyPhase(w http.ResponseWriter, r *http.Request, phase func(ctx context.Context, id, actor string) (*emergency.EmergencyUpdate, error)) {
	id := chi.URLParam(r, "emergencyID")
	actor := requestActor(r)

	e, err := phase(r.Context(), id, actor.Principal)
	if err != nil {
		var state any
		if cur, getErr := s.responder.Get(r.Context(), id); getErr == nil {
			state = cur
		}
		writeDomainError(w, err, state)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
