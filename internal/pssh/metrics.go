package pssh

import "github.com/prometheus/client_golang/prometheus"

// Host error kinds used as metric labels.
const (
	errKindConnection = "connection"
	errKindTimeout    = "timeout"
	errKindOther      = "other"
)

var (
	execTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvs_pssh_exec_total",
			Help: "Total number of fan-out calls issued by execution pools.",
		},
		[]string{"pool"},
	)

	execDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cvs_pssh_exec_duration_seconds",
			Help:    "Wall-clock duration of fan-out calls, in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
		},
		[]string{"pool"},
	)

	hostErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvs_pssh_host_errors_total",
			Help: "Total number of per-host transport errors.",
		},
		[]string{"kind"},
	)

	prunedHosts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cvs_pssh_pruned_hosts_total",
			Help: "Total number of hosts removed from reachable sets.",
		},
	)
)

func init() {
	prometheus.MustRegister(execTotal)
	prometheus.MustRegister(execDuration)
	prometheus.MustRegister(hostErrors)
	prometheus.MustRegister(prunedHosts)

	for _, kind := range []string{errKindConnection, errKindTimeout, errKindOther} {
		hostErrors.WithLabelValues(kind)
	}
}
