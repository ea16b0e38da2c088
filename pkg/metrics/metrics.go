package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verifier_sessions_started_total",
		Help: "The total number of verification sessions started",
	}, []string{"network"})

	// SessionsFinished counts terminal sessions by outcome (verified, failed, cancelled)
	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verifier_sessions_finished_total",
		Help: "The total number of verification sessions that reached a terminal state",
	}, []string{"network", "outcome"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "verifier_active_sessions",
		Help: "The number of verification sessions currently polling",
	})

	Attempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verifier_attempts_total",
		Help: "The total number of verification checks by outcome",
	}, []string{"network", "outcome"})

	// AttemptsToVerify records which attempt confirmed a transaction
	AttemptsToVerify = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "verifier_attempts_to_verify",
		Help:    "Attempt number on which a transaction was verified",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	}, []string{"network"})

	VerificationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "verifier_verification_seconds",
		Help:    "Time from session start to verification",
		Buckets: prometheus.ExponentialBuckets(15, 2, 7), // 15s up to 16m
	}, []string{"network"})

	RemoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verifier_remote_requests_total",
		Help: "Requests sent to the wallet dashboard and the DNA proxy",
	}, []string{"api", "method"})

	RemoteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verifier_remote_errors_total",
		Help: "Total number of remote API errors by type",
	}, []string{"api", "error_type"})

	RemoteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "verifier_remote_request_seconds",
		Help:    "Latency of remote API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"api"})

	LookupCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "verifier_lookup_cache_hits_total",
		Help: "DNA lookups served from the cache",
	})

	// FlowResults tracks user flows by name and result
	FlowResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verifier_flow_results_total",
		Help: "Completed user flows by result",
	}, []string{"flow", "result"})
)
