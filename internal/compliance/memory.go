package compliance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memTxKey struct{}

// MemoryStore implements Store in process. Transactions are serialized and
// rolled back by restoring a snapshot taken when they began.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data memData
}

type memData struct {
	requests      map[string]*ErasureRequest
	requestOrder  []string
	batches       []DiscoveryBatch
	operations    map[string]*Operation
	opOrder       []string
	audit         []AuditEvent
	notifications map[string]*Notification
	notifOrder    []string
}

// NewMemoryStore creates an empty in-memory compliance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: memData{
		requests:      make(map[string]*ErasureRequest),
		operations:    make(map[string]*Operation),
		notifications: make(map[string]*Notification),
	}}
}

func (d memData) clone() memData {
	c := memData{
		requests:      make(map[string]*ErasureRequest, len(d.requests)),
		requestOrder:  append([]string(nil), d.requestOrder...),
		batches:       append([]DiscoveryBatch(nil), d.batches...),
		operations:    make(map[string]*Operation, len(d.operations)),
		opOrder:       append([]string(nil), d.opOrder...),
		audit:         append([]AuditEvent(nil), d.audit...),
		notifications: make(map[string]*Notification, len(d.notifications)),
		notifOrder:    append([]string(nil), d.notifOrder...),
	}
	for k, v := range d.requests {
		c.requests[k] = v.Clone()
	}
	for k, v := range d.operations {
		op := *v
		c.operations[k] = &op
	}
	for k, v := range d.notifications {
		n := *v
		c.notifications[k] = &n
	}
	return c
}

func (m *MemoryStore) inTx(ctx context.Context) bool {
	return ctx.Value(memTxKey{}) == m
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.inTx(ctx) {
		return fn(ctx)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.data.clone()
	m.mu.RUnlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, m)); err != nil {
		m.mu.Lock()
		m.data = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// write runs fn under the write lock, serialized with open transactions.
func (m *MemoryStore) write(ctx context.Context, fn func(d *memData) error) error {
	if !m.inTx(ctx) {
		m.txMu.Lock()
		defer m.txMu.Unlock()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&m.data)
}

func (m *MemoryStore) CreateRequest(ctx context.Context, r *ErasureRequest) error {
	return m.write(ctx, func(d *memData) error {
		if _, exists := d.requests[r.ID]; exists {
			return fmt.Errorf("request %s already exists", r.ID)
		}
		if r.Status.Active() {
			for _, existing := range d.requests {
				if existing.Subject == r.Subject && existing.Status.Active() {
					return ErrConflict
				}
			}
		}
		d.requests[r.ID] = r.Clone()
		d.requestOrder = append(d.requestOrder, r.ID)
		return nil
	})
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*ErasureRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.data.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

// newestFirst returns request ids ordered by requested_at descending.
func (d *memData) newestFirst() []*ErasureRequest {
	out := make([]*ErasureRequest, 0, len(d.requestOrder))
	for _, id := range d.requestOrder {
		out = append(out, d.requests[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return out
}

func (m *MemoryStore) LatestRequest(_ context.Context, subject string, statuses ...RequestStatus) (*ErasureRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.data.newestFirst() {
		if r.Subject != subject {
			continue
		}
		if len(statuses) == 0 || containsStatus(statuses, r.Status) {
			return r.Clone(), nil
		}
	}
	return nil, fmt.Errorf("request for subject: %w", ErrNotFound)
}

func containsStatus(list []RequestStatus, s RequestStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ListRequests(_ context.Context, f ListFilter) ([]ErasureRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ErasureRequest
	for _, r := range m.data.newestFirst() {
		if f.Subject != "" && r.Subject != f.Subject {
			continue
		}
		if !f.Since.IsZero() && r.RequestedAt.Before(f.Since) {
			continue
		}
		out = append(out, *r.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) TransitionRequest(ctx context.Context, id string, from RequestStatus, u RequestUpdate) error {
	return m.write(ctx, func(d *memData) error {
		r, ok := d.requests[id]
		if !ok {
			return fmt.Errorf("request %s: %w", id, ErrNotFound)
		}
		if r.Status != from || !CanTransition(from, u.Status) {
			return fmt.Errorf("%w: request %s is %s, cannot move %s -> %s", ErrInvalidTransition, id, r.Status, from, u.Status)
		}
		u.apply(r)
		return nil
	})
}

func (m *MemoryStore) SaveBatch(ctx context.Context, b *DiscoveryBatch) error {
	return m.write(ctx, func(d *memData) error {
		c := *b
		c.Results = append([]DiscoveryResult(nil), b.Results...)
		d.batches = append(d.batches, c)
		return nil
	})
}

func (m *MemoryStore) LatestBatch(_ context.Context, requestID string) (*DiscoveryBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.data.batches) - 1; i >= 0; i-- {
		if m.data.batches[i].RequestID == requestID {
			b := m.data.batches[i]
			b.Results = append([]DiscoveryResult(nil), b.Results...)
			return &b, nil
		}
	}
	return nil, fmt.Errorf("discovery batch for request %s: %w", requestID, ErrNotFound)
}

func (m *MemoryStore) SubjectBatches(_ context.Context, subject string) ([]DiscoveryBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []DiscoveryBatch
	for _, b := range m.data.batches {
		if b.Subject == subject {
			b.Results = append([]DiscoveryResult(nil), b.Results...)
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateOperation(ctx context.Context, op *Operation) error {
	return m.write(ctx, func(d *memData) error {
		if _, exists := d.operations[op.ID]; exists {
			return fmt.Errorf("operation %s already exists", op.ID)
		}
		c := *op
		d.operations[op.ID] = &c
		d.opOrder = append(d.opOrder, op.ID)
		return nil
	})
}

func (m *MemoryStore) FinishOperation(ctx context.Context, id string, status OperationStatus, affected int64, detail string, at time.Time) error {
	return m.write(ctx, func(d *memData) error {
		op, ok := d.operations[id]
		if !ok {
			return fmt.Errorf("operation %s: %w", id, ErrNotFound)
		}
		if op.Status != OperationPending {
			return fmt.Errorf("%w: operation %s is already %s", ErrInvalidTransition, id, op.Status)
		}
		op.Status = status
		op.RecordsAffected = affected
		op.ErrorDetail = detail
		op.FinishedAt = &at
		return nil
	})
}

func (m *MemoryStore) Operations(_ context.Context, requestID string) ([]Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Operation
	for _, id := range m.data.opOrder {
		if op := m.data.operations[id]; op.RequestID == requestID {
			out = append(out, *op)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendAudit(ctx context.Context, e *AuditEvent) error {
	return m.write(ctx, func(d *memData) error {
		for _, existing := range d.audit {
			if existing.ID == e.ID {
				return fmt.Errorf("audit event %s already exists", e.ID)
			}
		}
		d.audit = append(d.audit, *e)
		return nil
	})
}

func (m *MemoryStore) AuditTrail(_ context.Context, f AuditFilter) ([]AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AuditEvent
	for _, e := range m.data.audit {
		if f.Subject != "" && e.Subject != f.Subject {
			continue
		}
		if f.RequestID != "" && e.RequestID != f.RequestID {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) UpsertNotification(ctx context.Context, n *Notification) (bool, error) {
	created := false
	err := m.write(ctx, func(d *memData) error {
		for _, id := range d.notifOrder {
			existing := d.notifications[id]
			if existing.RequestID == n.RequestID && existing.Processor == n.Processor {
				*n = *existing
				return nil
			}
		}
		c := *n
		d.notifications[n.ID] = &c
		d.notifOrder = append(d.notifOrder, n.ID)
		created = true
		return nil
	})
	return created, err
}

func (m *MemoryStore) UpdateNotification(ctx context.Context, n *Notification, from NotificationStatus) error {
	return m.write(ctx, func(d *memData) error {
		existing, ok := d.notifications[n.ID]
		if !ok {
			return fmt.Errorf("notification %s: %w", n.ID, ErrNotFound)
		}
		if existing.Status != from {
			return fmt.Errorf("%w: notification %s is %s, expected %s", ErrInvalidTransition, n.ID, existing.Status, from)
		}
		c := *n
		d.notifications[n.ID] = &c
		return nil
	})
}

func (m *MemoryStore) Notifications(_ context.Context, requestID string) ([]Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Notification
	for _, id := range m.data.notifOrder {
		if n := m.data.notifications[id]; n.RequestID == requestID {
			out = append(out, *n)
		}
	}
	return out, nil
}
