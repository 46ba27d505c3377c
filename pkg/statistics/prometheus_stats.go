package statistics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var durationBuckets = []float64{
	0.0001, // 100µs
	0.0005, // 500µs
	0.001,  // 1ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.5,    // 500ms
	1.0,    // 1s
	5.0,    // 5s
	10.0,   // 10s
}

var (
	qdbDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pinus_qdb_operation_duration_seconds",
		Help:    "Coordination store operation duration in seconds",
		Buckets: durationBuckets,
	}, []string{"op"})

	qdbErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinus_qdb_operation_errors_total",
		Help: "Coordination store operations that returned an error",
	}, []string{"op"})

	routesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinus_routes_total",
		Help: "Routing decisions by outcome",
	}, []string{"outcome"})

	idLeases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinus_id_block_leases_total",
		Help: "Id blocks leased from the coordination store",
	}, []string{"sequence"})

	idLeaseConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pinus_id_block_lease_conflicts_total",
		Help: "Id block leases that lost a compare-and-set race",
	})

	lockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pinus_lock_wait_seconds",
		Help:    "Time spent waiting for a distributed mutex",
		Buckets: durationBuckets,
	})

	lockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pinus_lock_timeouts_total",
		Help: "Distributed mutex acquisitions that timed out",
	})

	lifecycleState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pinus_lifecycle_state",
		Help: "Current lifecycle state of the cluster manager",
	})
)

// RecordQDBOperation observes one coordination store call.
func RecordQDBOperation(op string, d time.Duration, err error) {
	qdbDuration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		qdbErrors.WithLabelValues(op).Inc()
	}
}

func RecordRoute(err error) {
	if err != nil {
		routesTotal.WithLabelValues("error").Inc()
		return
	}
	routesTotal.WithLabelValues("ok").Inc()
}

func RecordIdLease(seq string) {
	idLeases.WithLabelValues(seq).Inc()
}

func RecordIdLeaseConflict() {
	idLeaseConflicts.Inc()
}

// RecordLockWait observes the time between acquire start and its outcome.
func RecordLockWait(d time.Duration, timedOut bool) {
	lockWait.Observe(d.Seconds())
	if timedOut {
		lockTimeouts.Inc()
	}
}

func RecordLifecycleState(state int32) {
	lifecycleState.Set(float64(state))
}
