package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nayrfirmandes/Saldopedia-sub001/internal/config"
)

type fakeCounters struct {
	counts map[string]int64
	err    error
}

func (f *fakeCounters) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.counts == nil {
		f.counts = make(map[string]int64)
	}
	f.counts[key]++
	return f.counts[key], nil
}

type fakeAudit struct {
	entries []Entry
	err     error
}

func (f *fakeAudit) Append(_ context.Context, e Entry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

func testConfig() config.SecurityConfig {
	return config.SecurityConfig{
		Window:          10 * time.Minute,
		DelayThreshold:  3,
		BlockThreshold:  8,
		HighValueAmount: decimal.RequireFromString("10000000"),
		Delay:           time.Second,
	}
}

func signal(userID uuid.UUID) Signal {
	return Signal{
		UserID:            userID,
		Kind:              KindDeposit,
		Amount:            decimal.RequireFromString("100000"),
		IPAddress:         "203.0.113.7",
		SessionToken:      "sess-1",
		DeviceFingerprint: "fp-1",
	}
}

func TestEvaluateAllowsQuietUser(t *testing.T) {
	audit := &fakeAudit{}
	e := NewEvaluator(testConfig(), &fakeCounters{}, audit, nil)

	d, err := e.Evaluate(context.Background(), signal(uuid.New()))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed || d.Delay != 0 {
		t.Errorf("decision = %+v, want plain allow", d)
	}
	if d.RiskLevel != RiskLow {
		t.Errorf("risk = %s, want low", d.RiskLevel)
	}
}

func TestEvaluateDelaysThenBlocksOnUserVelocity(t *testing.T) {
	e := NewEvaluator(testConfig(), &fakeCounters{}, &fakeAudit{}, nil)
	ctx := context.Background()
	sig := signal(uuid.New())

	var verdicts []Verdict
	for i := 0; i < 8; i++ {
		d, err := e.Evaluate(ctx, sig)
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		verdicts = append(verdicts, d.Verdict())
	}

	// Attempts 1-2 allow, 3-7 delay, 8 blocks.
	want := []Verdict{
		VerdictAllow, VerdictAllow,
		VerdictDelay, VerdictDelay, VerdictDelay, VerdictDelay, VerdictDelay,
		VerdictBlock,
	}
	for i := range want {
		if verdicts[i] != want[i] {
			t.Errorf("attempt %d: verdict = %s, want %s", i+1, verdicts[i], want[i])
		}
	}
}

func TestEvaluateEscalatesHighValueEarly(t *testing.T) {
	e := NewEvaluator(testConfig(), &fakeCounters{}, &fakeAudit{}, nil)
	ctx := context.Background()
	sig := signal(uuid.New())
	sig.Amount = decimal.RequireFromString("50000000")

	var last Decision
	for i := 0; i < 3; i++ {
		var err error
		last, err = e.Evaluate(ctx, sig)
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	// The third high-value attempt blocks at the delay threshold.
	if last.Allowed {
		t.Errorf("third high-value attempt allowed, want block")
	}
	if last.Reason != "velocity_high_value" {
		t.Errorf("reason = %s, want velocity_high_value", last.Reason)
	}
}

func TestEvaluateDelaysMissingFingerprint(t *testing.T) {
	e := NewEvaluator(testConfig(), &fakeCounters{}, &fakeAudit{}, nil)
	sig := signal(uuid.New())
	sig.DeviceFingerprint = ""

	d, err := e.Evaluate(context.Background(), sig)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed || d.Delay == 0 {
		t.Errorf("decision = %+v, want delayed allow", d)
	}
	if d.Reason != "fingerprint_missing" {
		t.Errorf("reason = %s, want fingerprint_missing", d.Reason)
	}
}

func TestEvaluateFailsOpenOnCounterOutage(t *testing.T) {
	counters := &fakeCounters{err: errors.New("redis down")}
	e := NewEvaluator(testConfig(), counters, &fakeAudit{}, nil)

	d, err := e.Evaluate(context.Background(), signal(uuid.New()))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed {
		t.Errorf("counter outage blocked the request")
	}
}

func TestEvaluateFailsClosedOnAuditError(t *testing.T) {
	audit := &fakeAudit{err: errors.New("insert failed")}
	e := NewEvaluator(testConfig(), &fakeCounters{}, audit, nil)

	if _, err := e.Evaluate(context.Background(), signal(uuid.New())); err == nil {
		t.Fatal("audit failure did not refuse the request")
	}
}

func TestEvaluateAuditsEveryAttempt(t *testing.T) {
	audit := &fakeAudit{}
	e := NewEvaluator(testConfig(), &fakeCounters{}, audit, nil)
	ctx := context.Background()
	sig := signal(uuid.New())

	for i := 0; i < 10; i++ {
		e.Evaluate(ctx, sig)
	}
	if len(audit.entries) != 10 {
		t.Fatalf("audit entries = %d, want 10", len(audit.entries))
	}
	// Blocked attempts are audited too.
	last := audit.entries[len(audit.entries)-1]
	if last.Decision != VerdictBlock {
		t.Errorf("last decision = %s, want block", last.Decision)
	}
}
