package deposit

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrBelowMinimum      = errors.New("deposit amount below minimum")
	ErrAboveMaximum      = errors.New("deposit amount above maximum")
	ErrInvalidChannel    = errors.New("invalid payment channel")
	ErrDuplicateInWindow = errors.New("identical deposit created moments ago")
	ErrNotFound          = errors.New("deposit not found")
	ErrWrongState        = errors.New("deposit not in a state that accepts this action")
	ErrExpired           = errors.New("deposit expired")
)

// Status is the closed state enumeration of the deposit machine:
//
//	pending_proof → pending → completed | rejected | expired
//	pending_proof ───────────────────────┴───┴─────────┘
//
// Terminal states are permanent historical records.
type Status string

const (
	StatusPendingProof Status = "pending_proof"
	StatusPending      Status = "pending"
	StatusCompleted    Status = "completed"
	StatusRejected     Status = "rejected"
	StatusExpired      Status = "expired"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// settleable is the precondition set for admin confirm/reject and for expiry.
// Reused in every CAS WHERE clause.
const settleableStates = `('pending_proof', 'pending')`

// Deposit is one inbound settlement record. TotalExpected is what the user
// actually transfers: Amount + Fee + UniqueSurcharge, where the surcharge
// disambiguates otherwise-identical transfers in lieu of a bank reference.
// On completion exactly Amount is credited to the balance.
type Deposit struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	Amount          decimal.Decimal `json:"amount"`
	Fee             decimal.Decimal `json:"fee"`
	UniqueSurcharge decimal.Decimal `json:"unique_surcharge"`
	TotalExpected   decimal.Decimal `json:"total_expected"`
	Method          string          `json:"method"`
	ChannelCode     string          `json:"channel_code"`
	Status          Status          `json:"status"`
	ProofRef        *string         `json:"proof_ref,omitempty"`
	AdminNotes      *string         `json:"admin_notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}
