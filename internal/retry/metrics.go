package retry

import "github.com/prometheus/client_golang/prometheus"

// Attempt outcomes used as metric labels.
const (
	outcomeSingle    = "single"
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeError     = "error"
)

var attemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cvs_retry_attempts_total",
		Help: "Total number of attempts made by retry-wrapped operations, by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(attemptsTotal)
}
