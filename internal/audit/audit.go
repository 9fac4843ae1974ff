// Package audit writes the append-only erasure ledger.
//
// Each event carries a SHA-256 self-hash over its own id, type, subject and
// timestamp. Events are not chained to their predecessors.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/logger"
)

// Event is the caller supplied part of an audit record.
type Event struct {
	Type        compliance.EventType
	Subject     string
	RequestID   string
	OperationID string
	Description string
	Payload     map[string]interface{}
}

// WriteError reports that an event could not be made durable. The step that
// triggered it must be treated as failed.
type WriteError struct {
	Type     compliance.EventType
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit write of %s failed after %d attempt(s): %v", e.Type, e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Options tunes the retry behavior of Record.
type Options struct {
	Retries int           // extra attempts after the first
	Backoff time.Duration // wait before the first retry, doubled after each
}

// Writer appends audit events to the compliance store.
type Writer struct {
	store   compliance.Store
	clock   clock.Clock
	opts    Options
	logger  *logger.Logger
	observe func(compliance.EventType)
}

// NewWriter creates a writer. A nil clock uses the wall clock.
func NewWriter(store compliance.Store, clk clock.Clock, opts Options, log *logger.Logger) *Writer {
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = logger.NewDefault()
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Writer{store: store, clock: clk, opts: opts, logger: log}
}

// OnRecorded registers a callback invoked after every durable write.
func (w *Writer) OnRecorded(fn func(compliance.EventType)) {
	w.observe = fn
}

// Record stamps, hashes and appends an event. Transient failures are retried;
// the final failure is returned as a *WriteError.
//
// Inside a compliance.Store transaction a failed insert usually poisons the
// transaction, so callers there should let the error roll back the whole step.
func (w *Writer) Record(ctx context.Context, e Event) (*compliance.AuditEvent, error) {
	ev := &compliance.AuditEvent{
		ID:          uuid.NewString(),
		Type:        e.Type,
		Subject:     e.Subject,
		RequestID:   e.RequestID,
		OperationID: e.OperationID,
		Timestamp:   w.clock.Now().UTC(),
		Description: e.Description,
		Payload:     e.Payload,
	}
	ev.SelfHash = ComputeHash(ev)

	log := w.logger.WithRequest(e.RequestID).WithSubject(e.Subject)
	backoff := w.opts.Backoff
	var err error
	attempts := 0
	for attempts <= w.opts.Retries {
		attempts++
		if err = w.store.AppendAudit(ctx, ev); err == nil {
			if w.observe != nil {
				w.observe(ev.Type)
			}
			log.Debugw("Audit event recorded", "event_type", ev.Type, "event_id", ev.ID)
			return ev, nil
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		if attempts > w.opts.Retries {
			break
		}

		log.Warnf("Audit write failed (attempt %d/%d): %v", attempts, w.opts.Retries+1, err)
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return nil, &WriteError{Type: ev.Type, Attempts: attempts, Err: ctx.Err()}
			case <-w.clock.After(backoff):
				backoff *= 2
			}
		}
	}

	log.Errorw("Audit event could not be written", "event_type", ev.Type, "error", err)
	return nil, &WriteError{Type: ev.Type, Attempts: attempts, Err: err}
}

// ComputeHash returns the hex SHA-256 of id|type|subject|timestamp.
func ComputeHash(e *compliance.AuditEvent) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		e.ID,
		string(e.Type),
		e.Subject,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	}, "|")))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyHash reports whether the stored self-hash matches the event fields.
func VerifyHash(e *compliance.AuditEvent) bool {
	return e.SelfHash != "" && e.SelfHash == ComputeHash(e)
}

// Trail returns the subject's events oldest first.
func (w *Writer) Trail(ctx context.Context, subject string) ([]compliance.AuditEvent, error) {
	events, err := w.store.AuditTrail(ctx, compliance.AuditFilter{Subject: subject})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	return events, nil
}

// RequestTrail returns the events of one request oldest first.
func (w *Writer) RequestTrail(ctx context.Context, requestID string) ([]compliance.AuditEvent, error) {
	events, err := w.store.AuditTrail(ctx, compliance.AuditFilter{RequestID: requestID})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	return events, nil
}

// Tampered returns the events whose self-hash no longer matches.
func Tampered(events []compliance.AuditEvent) []compliance.AuditEvent {
	var out []compliance.AuditEvent
	for i := range events {
		if !VerifyHash(&events[i]) {
			out = append(out, events[i])
		}
	}
	return out
}
