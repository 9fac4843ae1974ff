package thirdparty

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/dbsmedya/goforget/internal/audit"
	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/logger"
)

const anna = "anna.mueller@email.de"

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var processors = []string{"payment_gateway", "email_service", "analytics_vendor"}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Message
	fail map[string]bool
}

func (r *recordingNotifier) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[msg.Processor] {
		return errors.New("broker unavailable")
	}
	r.sent = append(r.sent, msg)
	return nil
}

type fakeProducer struct {
	records []*kgo.Record
	err     error
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var out kgo.ProduceResults
	for _, r := range rs {
		f.records = append(f.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func setup(t *testing.T, status compliance.RequestStatus, notifier Notifier) (*Coordinator, *compliance.MemoryStore, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(t0)
	repo := compliance.NewMemoryStore()
	require.NoError(t, repo.CreateRequest(context.Background(), &compliance.ErasureRequest{
		ID: "r1", Subject: anna, Ground: compliance.GroundObjection, Status: status, RequestedAt: t0,
	}))
	aw := audit.NewWriter(repo, clk, audit.Options{}, logger.NewNop())
	c, err := NewCoordinator(repo, aw, notifier, processors, clk, logger.NewNop(), nil)
	require.NoError(t, err)
	return c, repo, clk
}

func TestCanMove(t *testing.T) {
	tests := []struct {
		from, to compliance.NotificationStatus
		want     bool
	}{
		{compliance.NotificationPending, compliance.NotificationSent, true},
		{compliance.NotificationSent, compliance.NotificationAcknowledged, true},
		{compliance.NotificationAcknowledged, compliance.NotificationCompleted, true},
		{compliance.NotificationPending, compliance.NotificationFailed, true},
		{compliance.NotificationAcknowledged, compliance.NotificationFailed, true},
		{compliance.NotificationPending, compliance.NotificationAcknowledged, false},
		{compliance.NotificationSent, compliance.NotificationPending, false},
		{compliance.NotificationCompleted, compliance.NotificationFailed, false},
		{compliance.NotificationFailed, compliance.NotificationSent, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanMove(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCoordinate_CreatesAndDispatches(t *testing.T) {
	n := &recordingNotifier{}
	c, repo, _ := setup(t, compliance.StatusCompleted, n)
	ctx := context.Background()

	sum, err := c.Coordinate(ctx, anna)
	require.NoError(t, err)
	assert.Equal(t, "r1", sum.RequestID)
	assert.Equal(t, 3, sum.Created)
	assert.Equal(t, 3, sum.Dispatched)
	require.Len(t, sum.Notifications, 3)
	for _, no := range sum.Notifications {
		assert.Equal(t, compliance.NotificationSent, no.Status)
		require.NotNil(t, no.SentAt)
		assert.Equal(t, t0, *no.SentAt)
	}
	require.Len(t, n.sent, 3)
	assert.Equal(t, anna, n.sent[0].Subject)

	trail, err := repo.AuditTrail(ctx, compliance.AuditFilter{RequestID: "r1"})
	require.NoError(t, err)
	assert.Len(t, trail, 6)
}

func TestCoordinate_IsIdempotent(t *testing.T) {
	n := &recordingNotifier{}
	c, _, _ := setup(t, compliance.StatusInProgress, n)
	ctx := context.Background()

	_, err := c.Coordinate(ctx, anna)
	require.NoError(t, err)
	sum, err := c.Coordinate(ctx, anna)
	require.NoError(t, err)

	assert.Zero(t, sum.Created)
	assert.Equal(t, 3, sum.Existing)
	assert.Zero(t, sum.Dispatched)
	assert.Len(t, sum.Notifications, 3)
	assert.Len(t, n.sent, 3)
}

func TestCoordinate_FailedDispatchIsRetried(t *testing.T) {
	n := &recordingNotifier{fail: map[string]bool{"email_service": true}}
	c, _, _ := setup(t, compliance.StatusCompleted, n)
	ctx := context.Background()

	sum, err := c.Coordinate(ctx, anna)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Dispatched)
	assert.Equal(t, 1, sum.DispatchErrors)

	n.fail = nil
	sum, err = c.Coordinate(ctx, anna)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Dispatched)
	for _, no := range sum.Notifications {
		assert.Equal(t, compliance.NotificationSent, no.Status, no.Processor)
	}
}

func TestCoordinate_RequiresEligibleRequest(t *testing.T) {
	c, _, _ := setup(t, compliance.StatusSubmitted, &recordingNotifier{})

	_, err := c.Coordinate(context.Background(), anna)
	assert.ErrorIs(t, err, ErrNoEligibleRequest)
	_, err = c.Coordinate(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrNoEligibleRequest)
}

func TestUpdateStatus(t *testing.T) {
	c, _, clk := setup(t, compliance.StatusCompleted, &recordingNotifier{})
	ctx := context.Background()
	_, err := c.Coordinate(ctx, anna)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	n, err := c.UpdateStatus(ctx, "r1", "payment_gateway", compliance.NotificationAcknowledged, "")
	require.NoError(t, err)
	require.NotNil(t, n.AcknowledgedAt)
	assert.Equal(t, t0.Add(time.Hour), *n.AcknowledgedAt)

	n, err = c.UpdateStatus(ctx, "r1", "payment_gateway", compliance.NotificationCompleted, "erased 4 records")
	require.NoError(t, err)
	assert.NotNil(t, n.CompletedAt)
	assert.Equal(t, "erased 4 records", n.Detail)

	_, err = c.UpdateStatus(ctx, "r1", "payment_gateway", compliance.NotificationFailed, "")
	assert.ErrorIs(t, err, compliance.ErrInvalidTransition)

	_, err = c.UpdateStatus(ctx, "r1", "email_service", compliance.NotificationCompleted, "")
	assert.ErrorIs(t, err, compliance.ErrInvalidTransition)

	n, err = c.UpdateStatus(ctx, "r1", "email_service", compliance.NotificationFailed, "processor unreachable")
	require.NoError(t, err)
	assert.Equal(t, compliance.NotificationFailed, n.Status)

	_, err = c.UpdateStatus(ctx, "r1", "unknown", compliance.NotificationSent, "")
	assert.ErrorIs(t, err, compliance.ErrNotFound)
	_, err = c.UpdateStatus(ctx, "missing", "payment_gateway", compliance.NotificationSent, "")
	assert.ErrorIs(t, err, compliance.ErrNotFound)
}

func TestKafkaNotifier(t *testing.T) {
	p := &fakeProducer{}
	k := &KafkaNotifier{client: p, topic: "erasure-notifications"}

	msg := Message{NotificationID: "n1", RequestID: "r1", Processor: "email_service", Subject: anna}
	require.NoError(t, k.Notify(context.Background(), msg))
	require.Len(t, p.records, 1)

	rec := p.records[0]
	assert.Equal(t, "erasure-notifications", rec.Topic)
	assert.Equal(t, []byte("r1"), rec.Key)
	var got Message
	require.NoError(t, json.Unmarshal(rec.Value, &got))
	assert.Equal(t, msg, got)

	p.err = errors.New("not leader for partition")
	err := k.Notify(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email_service")
}

func TestNewKafkaNotifier_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaNotifier(nil, "topic")
	assert.Error(t, err)
	_, err = NewKafkaNotifier([]string{"localhost:9092"}, "")
	assert.Error(t, err)
}
