package deposit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nayrfirmandes/Saldopedia-sub001/internal/config"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/ledger"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/notify"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/security"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/settlement"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/testutil"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/token"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testDepositConfig() config.DepositConfig {
	return config.DepositConfig{
		MinAmount:    d("50000"),
		MaxAmount:    d("100000000"),
		Fees:         map[string]decimal.Decimal{"bank_transfer": d("1500")},
		SurchargeMin: 100,
		SurchargeMax: 300,
		ProofWindow:  2 * time.Hour,
		DedupWindow:  10 * time.Minute,
		Channels:     map[string][]string{"bank_transfer": {"BCA-8831"}},
	}
}

type allowCounters struct{}

func (allowCounters) Incr(context.Context, string, time.Duration) (int64, error) { return 1, nil }

func newTestService(t *testing.T, db *sql.DB) *Service {
	t.Helper()

	secCfg := config.SecurityConfig{
		Window:          10 * time.Minute,
		DelayThreshold:  100,
		BlockThreshold:  200,
		HighValueAmount: d("999999999"),
	}
	evaluator := security.NewEvaluator(secCfg, allowCounters{}, security.NewAuditLog(db), nil)
	authority := token.NewAuthority([]byte("test-secret"), time.Hour)
	links := token.NewLinkBuilder("http://localhost:8080", authority)

	return NewService(db, testDepositConfig(), ledger.New(db, nil), evaluator, links, notify.Nop{}, nil).
		WithSurcharge(func() decimal.Decimal { return d("137") })
}

func TestCreateValidation(t *testing.T) {
	// Validation runs before any I/O, so no database is needed.
	s := &Service{cfg: testDepositConfig()}

	cases := []struct {
		name    string
		in      CreateInput
		wantErr error
	}{
		{"below minimum", CreateInput{Amount: d("49999"), Method: "bank_transfer", ChannelCode: "BCA-8831"}, ErrBelowMinimum},
		{"above maximum", CreateInput{Amount: d("100000001"), Method: "bank_transfer", ChannelCode: "BCA-8831"}, ErrAboveMaximum},
		{"unknown method", CreateInput{Amount: d("100000"), Method: "cash", ChannelCode: "BCA-8831"}, ErrInvalidChannel},
		{"unknown channel", CreateInput{Amount: d("100000"), Method: "bank_transfer", ChannelCode: "BCA-0000"}, ErrInvalidChannel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Create(context.Background(), tc.in)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestTerminalOutcomeMapping(t *testing.T) {
	cases := map[Status]settlement.Outcome{
		StatusCompleted: settlement.OutcomeAlreadyCompleted,
		StatusRejected:  settlement.OutcomeAlreadyRejected,
		StatusExpired:   settlement.OutcomeAlreadyExpired,
	}
	for status, want := range cases {
		if got := terminalOutcome(status); got != want {
			t.Errorf("terminalOutcome(%s) = %s, want %s", status, got, want)
		}
	}
}

func TestDepositLifecycle(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	s := newTestService(t, db)
	userID := testutil.CreateUser(t, db, d("0"))

	dep, err := s.Create(ctx, CreateInput{
		UserID: userID, Amount: d("500000"),
		Method: "bank_transfer", ChannelCode: "BCA-8831",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if dep.Status != StatusPendingProof {
		t.Fatalf("status = %s, want pending_proof", dep.Status)
	}
	if want := d("500000").Add(d("1500")).Add(d("137")); !dep.TotalExpected.Equal(want) {
		t.Errorf("total expected = %s, want %s", dep.TotalExpected, want)
	}

	// No balance effect before confirmation.
	if b := testutil.UserBalance(t, db, userID); !b.IsZero() {
		t.Errorf("balance after create = %s, want 0", b)
	}

	if err := s.SubmitProof(ctx, dep.ID, "transfer-ref-771"); err != nil {
		t.Fatalf("submit proof: %v", err)
	}

	outcome, err := s.Confirm(ctx, dep.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if outcome != settlement.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", outcome)
	}

	// Exactly the base amount is credited, never fee or surcharge.
	if b := testutil.UserBalance(t, db, userID); !b.Equal(d("500000")) {
		t.Errorf("balance after confirm = %s, want 500000", b)
	}

	got, err := s.Get(ctx, dep.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Errorf("status = %s, completedAt = %v", got.Status, got.CompletedAt)
	}
}

func TestConfirmIsIdempotent(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	s := newTestService(t, db)
	userID := testutil.CreateUser(t, db, d("0"))

	dep, err := s.Create(ctx, CreateInput{
		UserID: userID, Amount: d("200000"),
		Method: "bank_transfer", ChannelCode: "BCA-8831",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SubmitProof(ctx, dep.ID, "ref"); err != nil {
		t.Fatalf("submit proof: %v", err)
	}

	if outcome, err := s.Confirm(ctx, dep.ID); err != nil || outcome != settlement.OutcomeSuccess {
		t.Fatalf("first confirm: outcome=%s err=%v", outcome, err)
	}
	// Replay: benign outcome, no second credit.
	if outcome, err := s.Confirm(ctx, dep.ID); err != nil || outcome != settlement.OutcomeAlreadyCompleted {
		t.Fatalf("second confirm: outcome=%s err=%v", outcome, err)
	}
	if b := testutil.UserBalance(t, db, userID); !b.Equal(d("200000")) {
		t.Errorf("balance = %s, want 200000 (single credit)", b)
	}

	// A reject after completion reports the terminal state, no mutation.
	if outcome, err := s.Reject(ctx, dep.ID, "too late"); err != nil || outcome != settlement.OutcomeAlreadyCompleted {
		t.Fatalf("reject after confirm: outcome=%s err=%v", outcome, err)
	}
}

func TestConfirmAllowedFromPendingProof(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	s := newTestService(t, db)
	userID := testutil.CreateUser(t, db, d("0"))

	// Admin confirms against an out-of-band bank statement before the user
	// uploads proof.
	dep, err := s.Create(ctx, CreateInput{
		UserID: userID, Amount: d("300000"),
		Method: "bank_transfer", ChannelCode: "BCA-8831",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if outcome, err := s.Confirm(ctx, dep.ID); err != nil || outcome != settlement.OutcomeSuccess {
		t.Fatalf("confirm from pending_proof: outcome=%s err=%v", outcome, err)
	}
	if b := testutil.UserBalance(t, db, userID); !b.Equal(d("300000")) {
		t.Errorf("balance = %s, want 300000", b)
	}
}

func TestDuplicateInWindow(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	s := newTestService(t, db)
	userID := testutil.CreateUser(t, db, d("0"))

	in := CreateInput{
		UserID: userID, Amount: d("150000"),
		Method: "bank_transfer", ChannelCode: "BCA-8831",
	}
	if _, err := s.Create(ctx, in); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := s.Create(ctx, in); !errors.Is(err, ErrDuplicateInWindow) {
		t.Fatalf("second create: err = %v, want ErrDuplicateInWindow", err)
	}

	// A different amount is fine.
	in.Amount = d("150001")
	if _, err := s.Create(ctx, in); err != nil {
		t.Fatalf("different amount: %v", err)
	}
}

func TestLateProofExpires(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	s := newTestService(t, db)
	userID := testutil.CreateUser(t, db, d("0"))

	now := time.Now()
	s.WithClock(func() time.Time { return now })

	dep, err := s.Create(ctx, CreateInput{
		UserID: userID, Amount: d("100000"),
		Method: "bank_transfer", ChannelCode: "BCA-8831",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s.WithClock(func() time.Time { return now.Add(3 * time.Hour) })
	if err := s.SubmitProof(ctx, dep.ID, "ref"); !errors.Is(err, ErrExpired) {
		t.Fatalf("late proof: err = %v, want ErrExpired", err)
	}

	got, err := s.Get(ctx, dep.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}

func TestExpireIsIdempotent(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	s := newTestService(t, db)
	userID := testutil.CreateUser(t, db, d("0"))

	now := time.Now()
	s.WithClock(func() time.Time { return now })

	dep, err := s.Create(ctx, CreateInput{
		UserID: userID, Amount: d("100000"),
		Method: "bank_transfer", ChannelCode: "BCA-8831",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s.WithClock(func() time.Time { return now.Add(3 * time.Hour) })

	due, err := s.DueForExpiry(ctx, 10)
	if err != nil {
		t.Fatalf("due for expiry: %v", err)
	}
	if len(due) != 1 || due[0] != dep.ID {
		t.Fatalf("due = %v, want [%s]", due, dep.ID)
	}

	if ok, err := s.Expire(ctx, dep.ID); err != nil || !ok {
		t.Fatalf("first expire: ok=%v err=%v", ok, err)
	}
	if ok, err := s.Expire(ctx, dep.ID); err != nil || ok {
		t.Fatalf("second expire: ok=%v err=%v, want no-op", ok, err)
	}

	// An admin confirm after expiry reports the terminal state.
	if outcome, err := s.Confirm(ctx, dep.ID); err != nil || outcome != settlement.OutcomeAlreadyExpired {
		t.Fatalf("confirm after expire: outcome=%s err=%v", outcome, err)
	}
	if b := testutil.UserBalance(t, db, userID); !b.IsZero() {
		t.Errorf("balance = %s, want 0", b)
	}
}

func TestConfirmUnknownDeposit(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	s := newTestService(t, db)
	if _, err := s.Confirm(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
