package erasure

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dbsmedya/goforget/internal/retention"
)

// ErrFinished is returned when processing is requested for a request that
// already reached a terminal status.
var ErrFinished = errors.New("request already finished")

// FieldError is one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed submission input. Nothing is persisted
// when it is returned.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Field + ": " + f.Message
	}
	return "invalid erasure request: " + strings.Join(msgs, "; ")
}

// ConflictError reports that the subject already has an active request.
type ConflictError struct {
	ExistingID string
}

func (e *ConflictError) Error() string {
	if e.ExistingID == "" {
		return "an active erasure request already exists for this subject"
	}
	return fmt.Sprintf("an active erasure request already exists for this subject (request %s)", e.ExistingID)
}

// LegalHoldError reports that a retention policy blocked execution. The
// request has been moved to REJECTED when it is returned.
type LegalHoldError struct {
	RequestID string
	Reason    string
	Holds     []retention.Policy
}

func (e *LegalHoldError) Error() string {
	return fmt.Sprintf("request %s rejected: %s", e.RequestID, e.Reason)
}

// NotFoundError reports an unknown request id.
type NotFoundError struct {
	RequestID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("erasure request %s not found", e.RequestID)
}
