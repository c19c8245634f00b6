// Package xmetrics exposes Prometheus instrumentation for the Xtrieve
// engine and server.
//
// Grounded on NayanaChandrika99-DocReasoner's tree_db/internal/metrics/metrics.go
// (see DESIGN.md), repurposed from gRPC/document counters to dispatch
// opcodes, page cache behavior, lock contention, and transaction outcomes.
package xmetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector xtrieved exposes.
type Metrics struct {
	DispatchRequestsTotal   *prometheus.CounterVec
	DispatchRequestDuration *prometheus.HistogramVec
	DispatchInFlight        prometheus.Gauge

	PageCacheHits      prometheus.Counter
	PageCacheMisses    prometheus.Counter
	PageCacheEvictions prometheus.Counter

	LockWaitsTotal     prometheus.Counter
	LockGrantsTotal    prometheus.Counter
	LockDeadlocksTotal prometheus.Counter

	TxCommitsTotal prometheus.Counter
	TxAbortsTotal  prometheus.Counter

	OpenFilesGauge prometheus.Gauge
	ServerUptime   prometheus.Gauge
	startTime      time.Time
}

// New creates and registers every collector against the default registry.
func New() *Metrics {
	m := &Metrics{startTime: time.Now()}

	m.DispatchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtrieve_dispatch_requests_total",
		Help: "Total number of dispatched wire requests.",
	}, []string{"opcode", "status"})

	m.DispatchRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xtrieve_dispatch_request_duration_seconds",
		Help:    "Dispatch handler latency by opcode.",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"opcode"})

	m.DispatchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xtrieve_dispatch_requests_in_flight",
		Help: "Number of requests currently being dispatched.",
	})

	m.PageCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtrieve_page_cache_hits_total",
		Help: "Clean-page cache hits.",
	})
	m.PageCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtrieve_page_cache_misses_total",
		Help: "Clean-page cache misses requiring a disk read.",
	})
	m.PageCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtrieve_page_cache_evictions_total",
		Help: "Clean pages evicted from the LRU cache.",
	})

	m.LockWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtrieve_lock_waits_total",
		Help: "Lock requests that had to wait for a conflicting holder.",
	})
	m.LockGrantsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtrieve_lock_grants_total",
		Help: "Lock requests granted, immediately or after waiting.",
	})
	m.LockDeadlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtrieve_lock_deadlocks_total",
		Help: "Wait-for cycles detected and broken by aborting a waiter.",
	})

	m.TxCommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtrieve_tx_commits_total",
		Help: "Transactions ended successfully.",
	})
	m.TxAbortsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtrieve_tx_aborts_total",
		Help: "Transactions aborted, explicitly or implicitly.",
	})

	m.OpenFilesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xtrieve_open_files",
		Help: "Distinct data files currently open.",
	})
	m.ServerUptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xtrieve_server_uptime_seconds",
		Help: "Seconds since xtrieved started.",
	})

	go m.runUptimeLoop()
	return m
}

func (m *Metrics) runUptimeLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.ServerUptime.Set(time.Since(m.startTime).Seconds())
	}
}

// ObserveDispatch starts timing one dispatched request and returns a stop
// function that records its duration; the caller fills in the resulting
// status separately via RecordStatus since Handle does not know it yet
// when the timer starts.
func (m *Metrics) ObserveDispatch(opcode uint16) func() {
	m.DispatchInFlight.Inc()
	start := time.Now()
	op := strconv.Itoa(int(opcode))
	return func() {
		m.DispatchInFlight.Dec()
		m.DispatchRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// RecordStatus tallies one completed request's final status code.
func (m *Metrics) RecordStatus(opcode, status uint16) {
	m.DispatchRequestsTotal.WithLabelValues(strconv.Itoa(int(opcode)), strconv.Itoa(int(status))).Inc()
}

func (m *Metrics) RecordLockWait()     { m.LockWaitsTotal.Inc() }
func (m *Metrics) RecordLockGrant()    { m.LockGrantsTotal.Inc() }
func (m *Metrics) RecordDeadlock()     { m.LockDeadlocksTotal.Inc() }
func (m *Metrics) RecordTxCommit()     { m.TxCommitsTotal.Inc() }
func (m *Metrics) RecordTxAbort()      { m.TxAbortsTotal.Inc() }
func (m *Metrics) RecordPageCacheHit() { m.PageCacheHits.Inc() }
func (m *Metrics) RecordPageCacheMiss() { m.PageCacheMisses.Inc() }
func (m *Metrics) RecordPageCacheEviction() { m.PageCacheEvictions.Inc() }

// SetOpenFiles reports the current number of distinct open data files.
func (m *Metrics) SetOpenFiles(n int) { m.OpenFilesGauge.Set(float64(n)) }
