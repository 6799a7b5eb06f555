package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement core.
type Metrics struct {
	// --- Settlement transitions ---
	Transitions        *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	TransitionConflict *prometheus.CounterVec

	// --- Balance ledger ---
	LedgerMutations         *prometheus.CounterVec
	LedgerInsufficientFunds prometheus.Counter

	// --- Security heuristics ---
	SecurityDecisions *prometheus.CounterVec
	AuditWriteErrors  prometheus.Counter

	// --- Admin action tokens ---
	TokenIssued     *prometheus.CounterVec
	TokenRejections *prometheus.CounterVec

	// --- Expiry sweeper ---
	SweepRuns     prometheus.Counter
	SweepExpired  prometheus.Counter
	SweepFailures prometheus.Counter
	SweepDuration prometheus.Histogram

	// --- Notifications ---
	NotifyPublished      *prometheus.CounterVec
	NotifyPublishFailure *prometheus.CounterVec

	// --- HTTP API ---
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	RateQuotes      *prometheus.CounterVec
	RateQuoteErrors *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	txnBuckets := []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}

	return &Metrics{
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "saldo_settlement_transitions_total",
			Help: "State machine transitions by kind, action and outcome",
		}, []string{"kind", "action", "outcome"}),

		TransitionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saldo_settlement_transition_duration_seconds",
			Help:    "Duration of one settlement transaction (CAS + balance mutation)",
			Buckets: txnBuckets,
		}, []string{"kind", "action"}),

		TransitionConflict: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "saldo_settlement_transition_conflicts_total",
			Help: "CAS preconditions that did not match (benign replays, double clicks)",
		}, []string{"kind", "action"}),

		LedgerMutations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "saldo_ledger_mutations_total",
			Help: "Balance credits and debits applied",
		}, []string{"op"}),

		LedgerInsufficientFunds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "saldo_ledger_insufficient_funds_total",
			Help: "Debits refused because the balance would go negative",
		}),

		SecurityDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "saldo_security_decisions_total",
			Help: "Heuristic evaluations by transaction kind and decision",
		}, []string{"kind", "decision"}),

		AuditWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "saldo_security_audit_write_errors_total",
			Help: "Failed appends to the security audit log",
		}),

		TokenIssued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "saldo_admin_tokens_issued_total",
			Help: "Admin action tokens issued",
		}, []string{"action"}),

		TokenRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "saldo_admin_token_rejections_total",
			Help: "Token validations refused (expired, bad signature)",
		}, []string{"reason"}),

		SweepRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "saldo_sweep_runs_total",
			Help: "Expiry sweeper invocations",
		}),

		SweepExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "saldo_sweep_expired_total",
			Help: "Records force-transitioned to expired",
		}),

		SweepFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "saldo_sweep_failures_total",
			Help: "Sweep candidates that failed to transition",
		}),

		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "saldo_sweep_duration_seconds",
			Help:    "Duration of one full sweep pass",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		NotifyPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "saldo_notify_published_total",
			Help: "Notification events published",
		}, []string{"recipient", "kind"}),

		NotifyPublishFailure: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "saldo_notify_publish_failures_total",
			Help: "Notification publishes that failed (non-fatal, logged)",
		}, []string{"recipient", "kind"}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "saldo_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saldo_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"route"}),

		RateQuotes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "saldo_rate_quotes_total",
			Help: "Rate engine quotes served",
		}, []string{"mode", "direction"}),

		RateQuoteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "saldo_rate_quote_errors_total",
			Help: "Rate engine validation rejections",
		}, []string{"reason"}),
	}
}
