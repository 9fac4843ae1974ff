package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncSubmitted()
		m.IncFinished("COMPLETED")
		m.ObserveOperation("DELETE", "SUCCESS", 3)
		m.ObserveDiscovery(time.Now(), 2)
		m.IncAudit("REQUEST_SUBMITTED")
		m.IncNotification("SENT")
		m.SetCompliance(1, 2, "AT_RISK", []string{"COMPLIANT", "AT_RISK"})
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncSubmitted()
	m.IncSubmitted()
	m.ObserveOperation("DELETE", "SUCCESS", 3)
	m.ObserveOperation("DELETE", "FAILED", 0)
	m.ObserveOperation("PSEUDONYMIZE", "SUCCESS", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("DELETE", "FAILED")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RecordsAffected.WithLabelValues("DELETE")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordsAffected.WithLabelValues("PSEUDONYMIZE")))
}

func TestSetCompliance(t *testing.T) {
	m := New(prometheus.NewRegistry())
	all := []string{"COMPLIANT", "AT_RISK", "NON_COMPLIANT"}

	m.SetCompliance(3, 1, "NON_COMPLIANT", all)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OverdueRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ComplianceStatus.WithLabelValues("NON_COMPLIANT")))

	m.SetCompliance(0, 0, "COMPLIANT", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ComplianceStatus.WithLabelValues("NON_COMPLIANT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ComplianceStatus.WithLabelValues("COMPLIANT")))
}
