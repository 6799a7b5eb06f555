package withdrawal

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrBelowMinimum      = errors.New("withdrawal amount below minimum")
	ErrInvalidChannel    = errors.New("invalid payout channel")
	ErrDuplicateInWindow = errors.New("identical withdrawal created moments ago")
	ErrNotFound          = errors.New("withdrawal not found")
	ErrWrongState        = errors.New("withdrawal not in a state that accepts this action")
)

// Status is the closed state enumeration of the withdrawal machine:
//
//	pending → completed | rejected
//
// Funds are reserved by debiting the full amount at creation, so pending
// already means "money held"; rejection refunds it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// Withdrawal is one outbound settlement record. NetAmount = Amount − Fee is
// what gets paid out; the full Amount was debited at creation and is what a
// rejection refunds.
type Withdrawal struct {
	ID                 uuid.UUID       `json:"id"`
	UserID             uuid.UUID       `json:"user_id"`
	Amount             decimal.Decimal `json:"amount"`
	Fee                decimal.Decimal `json:"fee"`
	NetAmount          decimal.Decimal `json:"net_amount"`
	Method             string          `json:"method"`
	ChannelCode        string          `json:"channel_code"`
	DestinationAccount string          `json:"destination_account"`
	Status             Status          `json:"status"`
	AdminNotes         *string         `json:"admin_notes,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}
