package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attager_policy_decisions_total",
		Help: "Policy decisions, by policy type, verdict and reason code.",
	}, []string{"policy_type", "verdict", "code"})

	verdictLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attager_policy_verdict_seconds",
		Help:    "Latency of verdict source calls.",
		Buckets: prometheus.DefBuckets,
	})
)
