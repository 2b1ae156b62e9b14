package app

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/transfa/transfer-service/internal/domain"
)

var (
	transferOutcomeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "transfer_service",
			Subsystem: "transfer",
			Name:      "outcomes_total",
			Help:      "Counter of executed transfers by path and outcome kind.",
		}, []string{"path", "outcome"})

	transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "transfer_service",
			Subsystem: "transfer",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of transfer execution time, lock wait included.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 15),
		}, []string{"path"})

	drainResultCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "transfer_service",
			Subsystem: "drain",
			Name:      "transfers_total",
			Help:      "Counter of pending transfers handled by the drainer, by result.",
		}, []string{"result"})

	interestResultCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "transfer_service",
			Subsystem: "interest",
			Name:      "accounts_total",
			Help:      "Counter of accounts visited by the interest job, by result.",
		}, []string{"result"})
)

func init() {
	prometheus.MustRegister(transferOutcomeCounter)
	prometheus.MustRegister(transferDuration)
	prometheus.MustRegister(drainResultCounter)
	prometheus.MustRegister(interestResultCounter)
}

const (
	pathDirect = "direct"
	pathSync   = "sync"
	pathAsync  = "async"
)

// outcomeLabel is "success", the error kind, or "error".
func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	var te *domain.TransferError
	if errors.As(err, &te) {
		return string(te.Kind)
	}
	return "error"
}
