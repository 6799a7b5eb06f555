package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nayrfirmandes/Saldopedia-sub001/internal/testutil"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCreditDebit(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	l := New(db, nil)
	userID := testutil.CreateUser(t, db, d("0"))

	if b, err := l.Credit(ctx, userID, d("100000")); err != nil || !b.Equal(d("100000")) {
		t.Fatalf("credit: balance=%s err=%v", b, err)
	}
	if b, err := l.Debit(ctx, userID, d("30000")); err != nil || !b.Equal(d("70000")) {
		t.Fatalf("debit: balance=%s err=%v", b, err)
	}
	if b, err := l.Balance(ctx, userID); err != nil || !b.Equal(d("70000")) {
		t.Fatalf("balance: %s err=%v", b, err)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	l := New(db, nil)
	userID := testutil.CreateUser(t, db, d("100"))

	if _, err := l.Debit(ctx, userID, d("101")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	// Exact balance is spendable.
	if b, err := l.Debit(ctx, userID, d("100")); err != nil || !b.IsZero() {
		t.Fatalf("exact debit: balance=%s err=%v", b, err)
	}
}

func TestDebitUnknownUser(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	l := New(db, nil)
	if _, err := l.Debit(context.Background(), uuid.New(), d("100")); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
	if _, err := l.Credit(context.Background(), uuid.New(), d("100")); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("credit: err = %v, want ErrUserNotFound", err)
	}
}

func TestNonPositiveAmounts(t *testing.T) {
	l := New(nil, nil)
	ctx := context.Background()

	for _, amount := range []decimal.Decimal{decimal.Zero, d("-1")} {
		if _, err := l.CreditTx(ctx, nil, uuid.New(), amount); !errors.Is(err, ErrNonPositiveAmount) {
			t.Errorf("credit %s: err = %v, want ErrNonPositiveAmount", amount, err)
		}
		if _, err := l.DebitTx(ctx, nil, uuid.New(), amount); !errors.Is(err, ErrNonPositiveAmount) {
			t.Errorf("debit %s: err = %v, want ErrNonPositiveAmount", amount, err)
		}
	}
}

// Concurrent debits against a balance that can only cover some of them: the
// single-statement precondition guarantees no overdraft regardless of
// interleaving.
func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	l := New(db, nil)
	userID := testutil.CreateUser(t, db, d("500"))

	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, userID, d("100")); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 {
		t.Errorf("successful debits = %d, want exactly 5", succeeded)
	}
	if b := testutil.UserBalance(t, db, userID); !b.IsZero() {
		t.Errorf("final balance = %s, want 0", b)
	}
}
