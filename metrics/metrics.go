package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WAFRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitaview_waf_requests_total",
			Help: "Total number of requests inspected by the WAF",
		},
		[]string{"outcome"},
	)

	WAFRuleTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitaview_waf_rule_triggers_total",
			Help: "Total number of WAF rule matches",
		},
		[]string{"rule_id", "action"},
	)

	IDSEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitaview_ids_events_total",
			Help: "Total number of security events recorded by the IDS",
		},
		[]string{"type", "severity"},
	)

	IDSActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitaview_ids_actions_total",
			Help: "Total number of IDS response actions applied",
		},
		[]string{"action"},
	)

	IDSRiskScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vitaview_ids_risk_score",
			Help:    "Risk score assigned to analyzed requests",
			Buckets: []float64{0, 10, 25, 50, 80, 100, 150, 250},
		},
	)

	SessionValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitaview_session_validations_total",
			Help: "Total number of session validations by result",
		},
		[]string{"result"},
	)

	RBACDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitaview_rbac_decisions_total",
			Help: "Total number of RBAC permission decisions",
		},
		[]string{"resource", "allowed"},
	)

	RBACDecisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vitaview_rbac_decision_duration_seconds",
			Help:    "Time taken to evaluate an RBAC permission check",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		},
	)

	AuditRecordsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitaview_audit_records_written_total",
			Help: "Total number of audit records written",
		},
	)

	AuditRecordsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitaview_audit_records_dropped_total",
			Help: "Total number of audit records dropped because the buffer was full",
		},
	)

	RegexTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitaview_regex_timeouts_total",
			Help: "Total number of regex evaluations aborted by the match timeout",
		},
		[]string{"component", "pattern_hash"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitaview_cache_errors_total",
			Help: "Total number of cache errors",
		},
		[]string{"backend", "op"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitaview_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"backend"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitaview_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"backend"},
	)
)
