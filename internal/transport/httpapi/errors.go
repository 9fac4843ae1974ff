package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/erasure"
	"github.com/dbsmedya/goforget/internal/lock"
	"github.com/dbsmedya/goforget/internal/thirdparty"
)

type errorBody struct {
	Error       string                     `json:"error"`
	Description string                     `json:"error_description,omitempty"`
	Fields      []erasure.FieldError       `json:"fields,omitempty"`
	ExistingID  string                     `json:"existing_request_id,omitempty"`
	Request     *compliance.ErasureRequest `json:"request,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a domain error to its HTTP status and response body.
// Internal errors carry no description.
func statusFor(err error) (int, errorBody) {
	var (
		verr     *erasure.ValidationError
		conflict *erasure.ConflictError
		hold     *erasure.LegalHoldError
		notFound *erasure.NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorBody{Error: "invalid_request", Description: err.Error(), Fields: verr.Fields}
	case errors.As(err, &conflict):
		return http.StatusConflict, errorBody{Error: "conflict", Description: err.Error(), ExistingID: conflict.ExistingID}
	case errors.As(err, &hold):
		return http.StatusLocked, errorBody{Error: "legal_hold", Description: hold.Reason}
	case errors.As(err, &notFound), errors.Is(err, compliance.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: "not_found", Description: err.Error()}
	case errors.Is(err, thirdparty.ErrNoEligibleRequest):
		return http.StatusNotFound, errorBody{Error: "not_found", Description: err.Error()}
	case errors.Is(err, erasure.ErrFinished), errors.Is(err, compliance.ErrInvalidTransition),
		errors.Is(err, lock.ErrLockHeld), errors.Is(err, compliance.ErrConflict):
		return http.StatusConflict, errorBody{Error: "conflict", Description: err.Error()}
	}
	return http.StatusInternalServerError, errorBody{Error: "internal_error"}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Errorw("Request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}
