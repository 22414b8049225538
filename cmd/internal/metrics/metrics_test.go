package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithRegistry_NoConflicts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	for _, c := range []prometheus.Collector{
		m.TierOps, m.RestoreTotal, m.StateTransitions,
		m.Subscriptions, m.DuplicateSubscriptions, m.BroadcastDropped, m.BreakerState,
	} {
		err := reg.Register(c)
		var already prometheus.AlreadyRegisteredError
		assert.ErrorAs(t, err, &already)
	}
}

func TestTierOp(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.TierOp("redis", "write", "ok")
	m.TierOp("redis", "write", "ok")
	m.TierOp("badger", "read", "miss")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TierOps.WithLabelValues("redis", "write", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TierOps.WithLabelValues("badger", "read", "miss")))
}

func TestSubscriptionGauge(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.SubscriptionOpened()
	m.SubscriptionOpened()
	m.SubscriptionClosed()
	m.DuplicateSubscription()
	m.BroadcastNotFound()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Subscriptions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DuplicateSubscriptions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BroadcastDropped))
}

func TestRestoreAndTransitions(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.Transition("checking_remote")
	m.Restore("active")
	m.SetBreakerState("redis", 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateTransitions.WithLabelValues("checking_remote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RestoreTotal.WithLabelValues("active")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("redis")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.TierOp("memory", "write", "ok")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.True(t, strings.Contains(body, `kb_storage_tier_ops_total{op="write",result="ok",tier="memory"} 1`))
	assert.Contains(t, body, "go_goroutines")
}
