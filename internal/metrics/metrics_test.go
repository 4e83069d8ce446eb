package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestRecordLaunch(t *testing.T) {
	m := New()
	m.RecordLaunch("manager", ResultSuccess)
	m.RecordLaunch("storage-server", ResultSuccess)
	m.RecordLaunch("storage-server", ResultTimeout)

	body := scrape(t, m)
	assert.Contains(t, body, `minicluster_process_launches_total{result="success",role="manager"} 1`)
	assert.Contains(t, body, `minicluster_process_launches_total{result="timeout",role="storage-server"} 1`)

	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap.TotalLaunches)
	assert.Equal(t, uint64(1), snap.FailedLaunches)
}

func TestRunningAndCrashes(t *testing.T) {
	m := New()
	m.AddRunning("storage-server", 1)
	m.AddRunning("storage-server", 1)
	m.AddRunning("storage-server", -1)
	m.RecordCrash("storage-server")

	body := scrape(t, m)
	assert.Contains(t, body, `minicluster_processes_running{role="storage-server"} 1`)
	assert.Contains(t, body, `minicluster_process_crashes_total{role="storage-server"} 1`)
	assert.Equal(t, uint64(1), m.Snapshot().TotalCrashes)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordLaunch("manager", ResultFailed)
		m.RecordCrash("manager")
		m.AddRunning("manager", 1)
		m.ObserveStartup(time.Second)
		m.SetClusterState(3)
		m.RecordHTTPRequest(http.MethodGet, "/api/status", http.StatusOK)
	})
	assert.Zero(t, m.Snapshot().TotalLaunches)
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.RecordCrash("manager")
	assert.NotContains(t, scrape(t, b), "minicluster_process_crashes_total{")
}

func TestClusterStateAndStartup(t *testing.T) {
	m := New()
	m.SetClusterState(3)
	m.ObserveStartup(250 * time.Millisecond)
	m.RecordHTTPRequest(http.MethodGet, "/api/status", http.StatusOK)

	body := scrape(t, m)
	assert.Contains(t, body, "minicluster_cluster_state 3")
	assert.Contains(t, body, "minicluster_startup_seconds_count 1")
	assert.Contains(t, body, `minicluster_http_requests_total{method="GET",path="/api/status",status="200"} 1`)
}
