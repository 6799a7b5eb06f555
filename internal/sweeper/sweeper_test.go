package sweeper

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nayrfirmandes/Saldopedia-sub001/internal/config"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/deposit"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/ledger"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/notify"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/security"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/testutil"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/token"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type allowCounters struct{}

func (allowCounters) Incr(context.Context, string, time.Duration) (int64, error) { return 1, nil }

func newDepositService(t *testing.T, db *sql.DB) *deposit.Service {
	t.Helper()

	depCfg := config.DepositConfig{
		MinAmount:    d("50000"),
		MaxAmount:    d("100000000"),
		Fees:         map[string]decimal.Decimal{"bank_transfer": d("1500")},
		SurchargeMin: 100,
		SurchargeMax: 300,
		ProofWindow:  2 * time.Hour,
		DedupWindow:  time.Minute,
		Channels:     map[string][]string{"bank_transfer": {"BCA-8831"}},
	}
	secCfg := config.SecurityConfig{
		Window:          10 * time.Minute,
		DelayThreshold:  100,
		BlockThreshold:  200,
		HighValueAmount: d("999999999"),
	}
	evaluator := security.NewEvaluator(secCfg, allowCounters{}, security.NewAuditLog(db), nil)
	authority := token.NewAuthority([]byte("test-secret"), time.Hour)
	links := token.NewLinkBuilder("http://localhost:8080", authority)

	return deposit.NewService(db, depCfg, ledger.New(db, nil), evaluator, links, notify.Nop{}, nil)
}

func TestSweepOnceExpiresOverdueOnly(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	deposits := newDepositService(t, db)
	userID := testutil.CreateUser(t, db, d("0"))

	now := time.Now()
	deposits.WithClock(func() time.Time { return now.Add(-3 * time.Hour) })
	overdue, err := deposits.Create(ctx, deposit.CreateInput{
		UserID: userID, Amount: d("100000"),
		Method: "bank_transfer", ChannelCode: "BCA-8831",
	})
	if err != nil {
		t.Fatalf("create overdue: %v", err)
	}

	deposits.WithClock(func() time.Time { return now })
	fresh, err := deposits.Create(ctx, deposit.CreateInput{
		UserID: userID, Amount: d("200000"),
		Method: "bank_transfer", ChannelCode: "BCA-8831",
	})
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	sw := New(deposits, config.SweepConfig{Interval: time.Minute, BatchSize: 100}, nil)
	res, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Processed != 1 || res.Succeeded != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v, want 1 processed, 1 succeeded", res)
	}

	if got, _ := deposits.Get(ctx, overdue.ID); got.Status != deposit.StatusExpired {
		t.Errorf("overdue status = %s, want expired", got.Status)
	}
	if got, _ := deposits.Get(ctx, fresh.ID); got.Status != deposit.StatusPendingProof {
		t.Errorf("fresh status = %s, want pending_proof", got.Status)
	}

	// Rerun: nothing left to do.
	res, err = sw.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if res.Processed != 0 {
		t.Errorf("second sweep processed = %d, want 0", res.Processed)
	}
}
