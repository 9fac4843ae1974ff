package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/erasure"
)

var validate = validator.New()

type notificationUpdate struct {
	Status compliance.NotificationStatus `json:"status" validate:"required,oneof=SENT ACKNOWLEDGED COMPLETED FAILED"`
	Detail string                        `json:"detail" validate:"max=1024"`
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &erasure.ValidationError{Fields: []erasure.FieldError{{Field: "body", Message: "invalid JSON: " + err.Error()}}}
	}
	return nil
}

func subjectParam(r *http.Request) string {
	s := chi.URLParam(r, "subject")
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in erasure.SubmitInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.app.SubmitErasure(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	f := compliance.ListFilter{Subject: r.URL.Query().Get("subject")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, &erasure.ValidationError{Fields: []erasure.FieldError{{Field: "limit", Message: "must be a positive integer"}}})
			return
		}
		f.Limit = n
	}
	list, err := s.app.ListRequests(r.Context(), CapabilityFrom(r.Context()), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.app.GetRequest(r.Context(), CapabilityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	out, err := s.app.ProcessErasure(r.Context(), chi.URLParam(r, "id"))
	var hold *erasure.LegalHoldError
	if errors.As(err, &hold) && out != nil {
		writeJSON(w, http.StatusLocked, errorBody{Error: "legal_hold", Description: hold.Reason, Request: out.Request})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRequestAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.app.AuditTrail(r.Context(), CapabilityFrom(r.Context()), "", chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleUpdateNotification(w http.ResponseWriter, r *http.Request) {
	var body notificationUpdate
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validate.Struct(body); err != nil {
		s.writeError(w, r, &erasure.ValidationError{Fields: []erasure.FieldError{{Field: "status", Message: "must be one of SENT, ACKNOWLEDGED, COMPLETED, FAILED"}}})
		return
	}
	n, err := s.app.UpdateNotification(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "processor"), body.Status, body.Detail)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.app.Status(r.Context(), CapabilityFrom(r.Context()), subjectParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	ins, err := s.app.InspectSubject(r.Context(), CapabilityFrom(r.Context()), subjectParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

func (s *Server) handleSubjectAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.app.AuditTrail(r.Context(), CapabilityFrom(r.Context()), subjectParam(r), "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var lookback time.Duration
	if v := r.URL.Query().Get("lookback_hours"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h <= 0 {
			s.writeError(w, r, &erasure.ValidationError{Fields: []erasure.FieldError{{Field: "lookback_hours", Message: "must be a positive integer"}}})
			return
		}
		lookback = time.Duration(h) * time.Hour
	}
	rep, err := s.app.Verify(r.Context(), CapabilityFrom(r.Context()), subjectParam(r), lookback)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	batch, err := s.app.Discover(r.Context(), subjectParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleCoordinate(w http.ResponseWriter, r *http.Request) {
	sum, err := s.app.CoordinateThirdParties(r.Context(), subjectParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap, err := s.app.DashboardSnapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
