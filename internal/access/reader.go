package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/datastore"
	"github.com/dbsmedya/goforget/internal/discovery"
	"github.com/dbsmedya/goforget/internal/logger"
	"github.com/dbsmedya/goforget/internal/types"
)

// inspectLimit caps the rows returned per container by Inspect.
const inspectLimit = 100

// Visibility is the row predicate: subjects whose erasure completed are
// hidden from callers without full privilege.
type Visibility struct {
	repo compliance.Store
}

// NewVisibility creates the predicate over the compliance store.
func NewVisibility(repo compliance.Store) *Visibility {
	return &Visibility{repo: repo}
}

// Visible reports whether the caller may see the subject.
func (v *Visibility) Visible(ctx context.Context, c Capability, subject string) (bool, error) {
	if c.Privileged() {
		return true, nil
	}
	_, err := v.repo.LatestRequest(ctx, subject, compliance.StatusCompleted)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, compliance.ErrNotFound):
		return true, nil
	}
	return false, fmt.Errorf("failed to check erasure state: %w", err)
}

// Record is one row of subject data as the caller may see it.
type Record struct {
	Location string            `json:"location"`
	Values   map[string]string `json:"values"`
}

// Inspection is the subject's data across the enrolled stores.
type Inspection struct {
	Subject string   `json:"subject"`
	Hidden  bool     `json:"hidden"`
	Records []Record `json:"records"`
}

// Reader is the guarded read path. Every read reachable by callers goes
// through it so that masking and visibility apply uniformly.
type Reader struct {
	stores     *datastore.Registry
	resolver   *discovery.Resolver
	visibility *Visibility
	logger     *logger.Logger
}

// NewReader creates a reader.
func NewReader(stores *datastore.Registry, resolver *discovery.Resolver, visibility *Visibility, log *logger.Logger) *Reader {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Reader{stores: stores, resolver: resolver, visibility: visibility, logger: log}
}

// Subject renders a subject identifier for the caller.
func (r *Reader) Subject(c Capability, subject string) string {
	return Mask(c, types.PIIEmailAddress, subject)
}

// Visible reports whether the caller may see the subject at all.
func (r *Reader) Visible(ctx context.Context, c Capability, subject string) (bool, error) {
	return r.visibility.Visible(ctx, c, subject)
}

// Inspect returns the subject's current rows at every candidate location,
// with PII columns masked for the caller.
func (r *Reader) Inspect(ctx context.Context, c Capability, subject string) (*Inspection, error) {
	out := &Inspection{Subject: r.Subject(c, subject), Records: []Record{}}
	ok, err := r.visibility.Visible(ctx, c, subject)
	if err != nil {
		return nil, err
	}
	if !ok {
		out.Hidden = true
		return out, nil
	}

	entries, err := r.resolver.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan catalog: %w", err)
	}

	type container struct {
		store, name string
		pii         map[string]types.PIIType
		email       []string
	}
	byKey := make(map[string]*container)
	var keys []string
	for _, e := range entries {
		key := e.Location.ContainerKey()
		ct, ok := byKey[key]
		if !ok {
			ct = &container{store: e.Location.Store, name: e.Location.Container, pii: make(map[string]types.PIIType)}
			byKey[key] = ct
			keys = append(keys, key)
		}
		ct.pii[e.Location.Column] = e.PIIType
		if e.PIIType == types.PIIEmailAddress {
			ct.email = append(ct.email, e.Location.Column)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		ct := byKey[key]
		match, ok := r.resolver.ContainerMatch(ct.store, ct.name, ct.email, subject)
		if !ok {
			continue
		}
		store, err := r.stores.Get(ct.store)
		if err != nil {
			continue
		}
		cols := make([]string, 0, len(ct.pii))
		for col := range ct.pii {
			cols = append(cols, col)
		}
		sort.Strings(cols)

		rows, err := store.Select(ctx, ct.name, cols, match, inspectLimit)
		if err != nil {
			r.logger.WithLocation(ct.store, ct.name, strings.Join(cols, ",")).Warnf("Inspection read failed: %v", err)
			continue
		}
		for _, row := range rows {
			rec := Record{Location: key, Values: make(map[string]string, len(row))}
			for col, v := range row {
				rec.Values[col] = Mask(c, ct.pii[col], types.ToString(v))
			}
			out.Records = append(out.Records, rec)
		}
	}
	return out, nil
}

// Requests filters and masks a request listing.
func (r *Reader) Requests(ctx context.Context, c Capability, reqs []compliance.ErasureRequest) ([]compliance.ErasureRequest, error) {
	if c.Privileged() {
		return reqs, nil
	}
	out := make([]compliance.ErasureRequest, 0, len(reqs))
	hidden := make(map[string]bool)
	for _, req := range reqs {
		h, seen := hidden[req.Subject]
		if !seen {
			ok, err := r.visibility.Visible(ctx, c, req.Subject)
			if err != nil {
				return nil, err
			}
			h = !ok
			hidden[req.Subject] = h
		}
		if h {
			continue
		}
		req.Subject = r.Subject(c, req.Subject)
		out = append(out, req)
	}
	return out, nil
}

// Events filters and masks an audit trail.
func (r *Reader) Events(ctx context.Context, c Capability, events []compliance.AuditEvent) ([]compliance.AuditEvent, error) {
	if c.Privileged() {
		return events, nil
	}
	out := make([]compliance.AuditEvent, 0, len(events))
	hidden := make(map[string]bool)
	for _, e := range events {
		h, seen := hidden[e.Subject]
		if !seen {
			ok, err := r.visibility.Visible(ctx, c, e.Subject)
			if err != nil {
				return nil, err
			}
			h = !ok
			hidden[e.Subject] = h
		}
		if h {
			continue
		}
		e.Subject = r.Subject(c, e.Subject)
		out = append(out, e)
	}
	return out, nil
}
