package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.TransactionCreated()
	m.TransactionCreated()
	m.Outcome("participant", "committed")
	m.QuorumFailure("commit")
	m.LedgerEntries(3, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.created))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("participant", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quorumFailures.WithLabelValues("commit")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ledgerEntries.WithLabelValues("running")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.TransactionCreated()
	m.Resolve("rejected")
	m.CacheEntries(4)
}

func TestMetrics_Handler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.PrepareRetry()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "disttx_prepare_retries_total 1"))
}
