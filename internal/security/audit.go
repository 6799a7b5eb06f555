package security

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Entry is one append-only audit record. Entries are never mutated or deleted
// by this subsystem.
type Entry struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	Kind              Kind
	Amount            decimal.Decimal
	IPAddress         string
	SessionToken      string
	DeviceFingerprint string
	Decision          Verdict
	RiskLevel         RiskLevel
	Reason            string
	CreatedAt         time.Time
}

// AuditSink appends audit entries.
type AuditSink interface {
	Append(ctx context.Context, entry Entry) error
}

// AuditLog appends entries to the security_audit table.
type AuditLog struct {
	db *sql.DB
}

func NewAuditLog(db *sql.DB) *AuditLog {
	return &AuditLog{db: db}
}

func (a *AuditLog) Append(ctx context.Context, entry Entry) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO security_audit
			(id, user_id, kind, amount, ip_address, session_token, device_fingerprint,
			 decision, risk_level, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		entry.ID, entry.UserID, string(entry.Kind), entry.Amount,
		entry.IPAddress, entry.SessionToken, entry.DeviceFingerprint,
		string(entry.Decision), string(entry.RiskLevel), entry.Reason,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}
