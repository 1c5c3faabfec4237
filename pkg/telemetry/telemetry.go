// Package telemetry exposes Prometheus counters for the invocation pipeline
// and the downstream orchestrator, plus the /metrics handler.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AuthAttempts counts authentication attempts by outcome.
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ambassador",
		Name:      "auth_attempts_total",
		Help:      "Authentication attempts by outcome.",
	}, []string{"outcome"})

	// AuthzDecisions counts authorization decisions by outcome.
	AuthzDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ambassador",
		Name:      "authz_decisions_total",
		Help:      "Authorization decisions by outcome.",
	}, []string{"outcome"})

	// ToolInvocations counts tool invocations by status.
	ToolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ambassador",
		Name:      "tool_invocations_total",
		Help:      "Tool invocations by status.",
	}, []string{"status"})

	// ToolInvocationDuration observes invocation latency.
	ToolInvocationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ambassador",
		Name:      "tool_invocation_duration_seconds",
		Help:      "Latency of tool invocations end to end.",
		Buckets:   prometheus.DefBuckets,
	})

	// SessionTransitions counts session state machine transitions.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ambassador",
		Name:      "session_transitions_total",
		Help:      "Session lifecycle transitions by target state.",
	}, []string{"to"})

	// PoolSpawns counts per-user pool spawns by outcome.
	PoolSpawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ambassador",
		Name:      "pool_spawns_total",
		Help:      "Per-user tool-server spawns by outcome.",
	}, []string{"outcome"})

	// AuditDrops counts audit events dropped in buffered failure mode.
	AuditDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ambassador",
		Name:      "audit_dropped_events_total",
		Help:      "Audit events dropped under buffered failure mode.",
	})
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Handler serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
