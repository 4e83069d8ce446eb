package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 起動結果ラベル
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
	ResultTimeout = "timeout"
)

// Metrics はプロセスとクラスタのメトリクスを収集する
//
// nilレシーバでも全メソッドが安全に呼べる。
type Metrics struct {
	registry *prometheus.Registry

	launches     *prometheus.CounterVec
	crashes      *prometheus.CounterVec
	running      *prometheus.GaugeVec
	startup      prometheus.Histogram
	clusterState prometheus.Gauge
	httpRequests *prometheus.CounterVec

	totalLaunches  atomic.Uint64
	failedLaunches atomic.Uint64
	totalCrashes   atomic.Uint64
	startTime      time.Time
}

// New は専用のレジストリにコレクタを登録したメトリクスを作成する
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry は指定したレジストリにコレクタを登録する
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		launches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minicluster_process_launches_total",
			Help: "Total process launches by role and result",
		}, []string{"role", "result"}),
		crashes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minicluster_process_crashes_total",
			Help: "Total unsolicited process exits by role",
		}, []string{"role"}),
		running: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "minicluster_processes_running",
			Help: "Number of running processes by role",
		}, []string{"role"}),
		startup: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "minicluster_startup_seconds",
			Help:    "Duration of successful cluster startups",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		clusterState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "minicluster_cluster_state",
			Help: "Current cluster state as its numeric code",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minicluster_http_requests_total",
			Help: "Total status API requests",
		}, []string{"method", "path", "status"}),
		startTime: time.Now(),
	}
}

// RecordLaunch はプロセス起動の結果を記録する
func (m *Metrics) RecordLaunch(role, result string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(role, result).Inc()
	m.totalLaunches.Add(1)
	if result != ResultSuccess {
		m.failedLaunches.Add(1)
	}
}

// RecordCrash は予期しないプロセス終了を記録する
func (m *Metrics) RecordCrash(role string) {
	if m == nil {
		return
	}
	m.crashes.WithLabelValues(role).Inc()
	m.totalCrashes.Add(1)
}

// AddRunning は稼働中プロセス数を増減する
func (m *Metrics) AddRunning(role string, delta int) {
	if m == nil {
		return
	}
	m.running.WithLabelValues(role).Add(float64(delta))
}

// ObserveStartup はクラスタ起動時間を記録する
func (m *Metrics) ObserveStartup(d time.Duration) {
	if m == nil {
		return
	}
	m.startup.Observe(d.Seconds())
}

// SetClusterState はクラスタ状態を記録する
func (m *Metrics) SetClusterState(code int) {
	if m == nil {
		return
	}
	m.clusterState.Set(float64(code))
}

// RecordHTTPRequest はAPIリクエストを記録する
func (m *Metrics) RecordHTTPRequest(method, path string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

// Registry はコレクタを登録したレジストリを返す
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は /metrics 用のハンドラを返す
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Snapshot はメトリクスのスナップショット
type Snapshot struct {
	TotalLaunches  uint64        `json:"total_launches"`
	FailedLaunches uint64        `json:"failed_launches"`
	TotalCrashes   uint64        `json:"total_crashes"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Snapshot は現在のメトリクスのスナップショットを返す
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		TotalLaunches:  m.totalLaunches.Load(),
		FailedLaunches: m.failedLaunches.Load(),
		TotalCrashes:   m.totalCrashes.Load(),
		Elapsed:        time.Since(m.startTime),
	}
}
