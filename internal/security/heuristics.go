package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/nayrfirmandes/Saldopedia-sub001/internal/config"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/observability"
)

// ErrBlocked is returned to callers whose request the heuristics refused.
// The message stays generic on purpose: heuristic internals are not revealed.
var ErrBlocked = errors.New("request cannot be processed right now")

// Kind is the transaction kind being gated.
type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDelay Verdict = "delay"
	VerdictBlock Verdict = "block"
)

// Signal is one transaction creation attempt.
type Signal struct {
	UserID            uuid.UUID
	Kind              Kind
	Amount            decimal.Decimal
	IPAddress         string
	SessionToken      string
	DeviceFingerprint string
}

// Decision is the graduated response: allow, delay (caller sleeps before
// proceeding), or block (request refused before any mutation).
type Decision struct {
	Allowed   bool
	Delay     time.Duration
	RiskLevel RiskLevel
	Reason    string
}

func (d Decision) Verdict() Verdict {
	switch {
	case !d.Allowed:
		return VerdictBlock
	case d.Delay > 0:
		return VerdictDelay
	default:
		return VerdictAllow
	}
}

// CounterStore tracks attempt counts inside fixed windows.
type CounterStore interface {
	// Incr increments key, starts the window on first increment, and returns
	// the count inside the current window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounters implements CounterStore on Redis INCR + EXPIRE NX.
type RedisCounters struct {
	rdb redis.UniversalClient
}

func NewRedisCounters(rdb redis.UniversalClient) *RedisCounters {
	return &RedisCounters{rdb: rdb}
}

func (r *RedisCounters) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Evaluator applies velocity and fingerprint heuristics to creation attempts.
// Every evaluation is appended to the audit log before the decision is
// returned; an audit failure refuses the request rather than losing the trail.
type Evaluator struct {
	cfg      config.SecurityConfig
	counters CounterStore
	audit    AuditSink
	log      zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewEvaluator(cfg config.SecurityConfig, counters CounterStore, audit AuditSink, metrics *observability.Metrics) *Evaluator {
	return &Evaluator{
		cfg:      cfg,
		counters: counters,
		audit:    audit,
		log:      observability.NewLogger("security"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Evaluate gates one creation attempt.
func (e *Evaluator) Evaluate(ctx context.Context, sig Signal) (Decision, error) {
	decision := e.decide(ctx, sig)

	entry := Entry{
		ID:                uuid.New(),
		UserID:            sig.UserID,
		Kind:              sig.Kind,
		Amount:            sig.Amount,
		IPAddress:         sig.IPAddress,
		SessionToken:      sig.SessionToken,
		DeviceFingerprint: sig.DeviceFingerprint,
		Decision:          decision.Verdict(),
		RiskLevel:         decision.RiskLevel,
		Reason:            decision.Reason,
		CreatedAt:         e.now(),
	}
	if err := e.audit.Append(ctx, entry); err != nil {
		if e.metrics != nil {
			e.metrics.AuditWriteErrors.Inc()
		}
		return Decision{}, fmt.Errorf("append audit entry: %w", err)
	}

	if e.metrics != nil {
		e.metrics.SecurityDecisions.WithLabelValues(string(sig.Kind), string(decision.Verdict())).Inc()
	}
	if !decision.Allowed || decision.Delay > 0 {
		e.log.Info().
			Str("user_id", sig.UserID.String()).
			Str("kind", string(sig.Kind)).
			Str("verdict", string(decision.Verdict())).
			Str("risk", string(decision.RiskLevel)).
			Str("reason", decision.Reason).
			Msg("security heuristic triggered")
	}

	return decision, nil
}

func (e *Evaluator) decide(ctx context.Context, sig Signal) Decision {
	userCount := e.incr(ctx, fmt.Sprintf("sec:user:%s:%s", sig.UserID, sig.Kind))
	ipCount := e.incr(ctx, fmt.Sprintf("sec:ip:%s", sig.IPAddress))

	var highValueCount int64
	if sig.Amount.GreaterThanOrEqual(e.cfg.HighValueAmount) {
		highValueCount = e.incr(ctx, fmt.Sprintf("sec:hv:%s", sig.UserID))
	}

	switch {
	case userCount >= e.cfg.BlockThreshold:
		return Decision{Allowed: false, RiskLevel: RiskHigh, Reason: "velocity_user"}
	case highValueCount >= e.cfg.DelayThreshold:
		// Repeated high-value attempts escalate one band early.
		return Decision{Allowed: false, RiskLevel: RiskHigh, Reason: "velocity_high_value"}
	case userCount >= e.cfg.DelayThreshold:
		return Decision{Allowed: true, Delay: e.cfg.Delay, RiskLevel: RiskMedium, Reason: "velocity_user"}
	case ipCount >= e.cfg.BlockThreshold:
		// A hot IP may be a NAT, so friction instead of refusal.
		return Decision{Allowed: true, Delay: e.cfg.Delay, RiskLevel: RiskMedium, Reason: "velocity_ip"}
	case sig.DeviceFingerprint == "" && sig.SessionToken != "":
		return Decision{Allowed: true, Delay: e.cfg.Delay, RiskLevel: RiskMedium, Reason: "fingerprint_missing"}
	default:
		return Decision{Allowed: true, RiskLevel: RiskLow}
	}
}

// incr fails open: a counter outage must not take transaction creation down
// with it. The audit trail still records the attempt.
func (e *Evaluator) incr(ctx context.Context, key string) int64 {
	n, err := e.counters.Incr(ctx, key, e.cfg.Window)
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("velocity counter unavailable")
		return 0
	}
	return n
}
