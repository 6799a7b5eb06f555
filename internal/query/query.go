package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/nayrfirmandes/Saldopedia-sub001/internal/deposit"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/observability"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/withdrawal"
)

var ErrUserNotFound = errors.New("user not found")

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Service is the read side: balance lookups and settlement history listings.
// It never mutates state and runs outside the settlement transactions, so a
// listing taken mid-transition may briefly trail the writers.
type Service struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, log: observability.NewLogger("query")}
}

// BalanceView is one user's spendable balance.
type BalanceView struct {
	UserID  uuid.UUID       `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (*BalanceView, error) {
	var v BalanceView
	v.UserID = userID
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&v.Balance)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return &v, nil
}

// Page bounds one listing request. Zero values fall back to defaults.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) clamp() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Deposits lists one user's deposits, newest first.
func (s *Service) Deposits(ctx context.Context, userID uuid.UUID, page Page) ([]*deposit.Deposit, error) {
	page = page.clamp()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, fee, unique_surcharge, total_expected,
		       method, channel_code, status, proof_ref, admin_notes,
		       created_at, expires_at, completed_at
		FROM deposits
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list deposits: %w", err)
	}
	defer rows.Close()

	out := make([]*deposit.Deposit, 0, page.Limit)
	for rows.Next() {
		var (
			dep         deposit.Deposit
			status      string
			proofRef    sql.NullString
			adminNotes  sql.NullString
			completedAt sql.NullTime
		)
		err := rows.Scan(
			&dep.ID, &dep.UserID, &dep.Amount, &dep.Fee, &dep.UniqueSurcharge, &dep.TotalExpected,
			&dep.Method, &dep.ChannelCode, &status, &proofRef, &adminNotes,
			&dep.CreatedAt, &dep.ExpiresAt, &completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		dep.Status = deposit.Status(status)
		if proofRef.Valid {
			dep.ProofRef = &proofRef.String
		}
		if adminNotes.Valid {
			dep.AdminNotes = &adminNotes.String
		}
		if completedAt.Valid {
			t := completedAt.Time
			dep.CompletedAt = &t
		}
		out = append(out, &dep)
	}
	return out, rows.Err()
}

// Withdrawals lists one user's withdrawals, newest first.
func (s *Service) Withdrawals(ctx context.Context, userID uuid.UUID, page Page) ([]*withdrawal.Withdrawal, error) {
	page = page.clamp()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, fee, net_amount, method, channel_code,
		       destination_account, status, admin_notes, created_at, completed_at
		FROM withdrawals
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	defer rows.Close()

	out := make([]*withdrawal.Withdrawal, 0, page.Limit)
	for rows.Next() {
		var (
			w           withdrawal.Withdrawal
			status      string
			adminNotes  sql.NullString
			completedAt sql.NullTime
		)
		err := rows.Scan(
			&w.ID, &w.UserID, &w.Amount, &w.Fee, &w.NetAmount, &w.Method, &w.ChannelCode,
			&w.DestinationAccount, &status, &adminNotes, &w.CreatedAt, &completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		w.Status = withdrawal.Status(status)
		if adminNotes.Valid {
			w.AdminNotes = &adminNotes.String
		}
		if completedAt.Valid {
			t := completedAt.Time
			w.CompletedAt = &t
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}
