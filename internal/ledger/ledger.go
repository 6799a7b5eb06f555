package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/nayrfirmandes/Saldopedia-sub001/internal/observability"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUserNotFound      = errors.New("user not found")
	ErrNonPositiveAmount = errors.New("amount must be positive")
)

// Ledger is the exclusive owner of the per-user balance. Every mutation is a
// single UPDATE whose balance check and write happen in one statement, so two
// concurrent debits can never both pass a stale check. The *Tx variants run
// inside a caller-owned transaction so a status CAS and the balance mutation
// commit together or not at all.
type Ledger struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *observability.Metrics
}

func New(db *sql.DB, metrics *observability.Metrics) *Ledger {
	return &Ledger{
		db:      db,
		log:     observability.NewLogger("ledger"),
		metrics: metrics,
	}
}

// CreditTx adds amount to the user's balance inside the caller's transaction
// and returns the new balance.
func (l *Ledger) CreditTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrNonPositiveAmount
	}

	var newBalance decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		UPDATE users SET balance = balance + $1 WHERE id = $2
		RETURNING balance
	`, amount, userID).Scan(&newBalance)
	if err == sql.ErrNoRows {
		return decimal.Zero, ErrUserNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit user %s: %w", userID, err)
	}

	if l.metrics != nil {
		l.metrics.LedgerMutations.WithLabelValues("credit").Inc()
	}
	l.log.Debug().
		Str("user_id", userID.String()).
		Str("amount", amount.String()).
		Str("new_balance", newBalance.String()).
		Msg("balance credited")

	return newBalance, nil
}

// DebitTx subtracts amount from the user's balance inside the caller's
// transaction. The balance precondition is part of the UPDATE itself: the
// debit fails closed when the result would go negative.
func (l *Ledger) DebitTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrNonPositiveAmount
	}

	var newBalance decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		UPDATE users SET balance = balance - $1
		WHERE id = $2 AND balance >= $1
		RETURNING balance
	`, amount, userID).Scan(&newBalance)
	if err == sql.ErrNoRows {
		// Zero rows means either no such user or the balance check failed.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID,
		).Scan(&exists); err != nil {
			return decimal.Zero, fmt.Errorf("debit user %s: %w", userID, err)
		}
		if !exists {
			return decimal.Zero, ErrUserNotFound
		}
		if l.metrics != nil {
			l.metrics.LedgerInsufficientFunds.Inc()
		}
		return decimal.Zero, ErrInsufficientFunds
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("debit user %s: %w", userID, err)
	}

	if l.metrics != nil {
		l.metrics.LedgerMutations.WithLabelValues("debit").Inc()
	}
	l.log.Debug().
		Str("user_id", userID.String()).
		Str("amount", amount.String()).
		Str("new_balance", newBalance.String()).
		Msg("balance debited")

	return newBalance, nil
}

// Credit runs CreditTx in its own transaction.
func (l *Ledger) Credit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	return l.inTx(ctx, func(tx *sql.Tx) (decimal.Decimal, error) {
		return l.CreditTx(ctx, tx, userID, amount)
	})
}

// Debit runs DebitTx in its own transaction.
func (l *Ledger) Debit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	return l.inTx(ctx, func(tx *sql.Tx) (decimal.Decimal, error) {
		return l.DebitTx(ctx, tx, userID, amount)
	})
}

// Balance returns the user's current balance.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := l.db.QueryRowContext(ctx,
		`SELECT balance FROM users WHERE id = $1`, userID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, ErrUserNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance user %s: %w", userID, err)
	}
	return balance, nil
}

func (l *Ledger) inTx(ctx context.Context, fn func(*sql.Tx) (decimal.Decimal, error)) (decimal.Decimal, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	newBalance, err := fn(tx)
	if err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit: %w", err)
	}
	return newBalance, nil
}
