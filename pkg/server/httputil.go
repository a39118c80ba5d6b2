package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/changegate/changegate/pkg/change"
	"github.com/changegate/changegate/pkg/identity"
)

// statusFor maps taxonomy codes onto HTTP status codes.
var statusFor = map[string]int{
	change.CodeValidation:             http.StatusBadRequest,
	change.CodeInvalidTransition:      http.StatusConflict,
	change.CodeUnauthorizedApprover:   http.StatusForbidden,
	change.CodeStageMismatch:          http.StatusConflict,
	change.CodeNoBackupAvailable:      http.StatusConflict,
	change.CodeTestInfrastructure:     http.StatusBadGateway,
	change.CodeRollbackFailed:         http.StatusInternalServerError,
	change.CodeCancellationNotAllowed: http.StatusConflict,
	change.CodeNotFound:               http.StatusNotFound,
}

// errorBody is the JSON shape of every rejected operation. State carries the
// current, unchanged record so callers can tell "your request was invalid"
// apart from "the system did something and it didn't work".
type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
	State any    `json:"state,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeDomainError renders a domain error with its taxonomy code and the
// current unchanged state; unknown errors become a 500.
func writeDomainError(w http.ResponseWriter, err error, state any) {
	var coded change.Coded
	if errors.As(err, &coded) {
		status, ok := statusFor[coded.Code()]
		if !ok {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, errorBody{Code: coded.Code(), Error: coded.Error(), State: state})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Code: "internal", Error: err.Error()})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Error: message})
}

// requestActor returns the authenticated principal. The identity middleware
// plus RequireActor guarantee it exists on mutating routes.
func requestActor(r *http.Request) identity.Actor {
	actor, _ := identity.FromContext(r.Context())
	return actor
}

// decodeBody decodes a JSON request body into v, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
