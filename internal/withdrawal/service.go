package withdrawal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/nayrfirmandes/Saldopedia-sub001/internal/config"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/ledger"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/notify"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/observability"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/security"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/settlement"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/token"
)

// Service owns withdrawal records. Creation pre-debits the full amount from
// the balance ledger in the same transaction that inserts the pending row;
// rejection refunds it the same way. Funds are therefore reserved the moment
// the user submits, at the cost of immobilizing them during admin review.
type Service struct {
	db       *sql.DB
	cfg      config.WithdrawalConfig
	ledger   *ledger.Ledger
	security *security.Evaluator
	links    *token.LinkBuilder
	notifier notify.Notifier
	log      zerolog.Logger
	metrics  *observability.Metrics

	now func() time.Time
}

func NewService(
	db *sql.DB,
	cfg config.WithdrawalConfig,
	ldg *ledger.Ledger,
	sec *security.Evaluator,
	links *token.LinkBuilder,
	notifier notify.Notifier,
	metrics *observability.Metrics,
) *Service {
	return &Service{
		db:       db,
		cfg:      cfg,
		ledger:   ldg,
		security: sec,
		links:    links,
		notifier: notifier,
		log:      observability.NewLogger("withdrawal"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Test use only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type CreateInput struct {
	UserID             uuid.UUID
	Amount             decimal.Decimal
	Method             string
	ChannelCode        string
	DestinationAccount string
	IPAddress          string
	SessionToken       string
	DeviceFingerprint  string
}

// CreateResult carries the new record plus the balance after the reservation
// debit.
type CreateResult struct {
	Withdrawal *Withdrawal
	NewBalance decimal.Decimal
}

// Fee returns the flat fee for one withdrawal amount; waived at or above the
// configured threshold.
func (s *Service) Fee(amount decimal.Decimal) decimal.Decimal {
	if amount.GreaterThanOrEqual(s.cfg.FeeWaiverThreshold) {
		return decimal.Zero
	}
	return s.cfg.FlatFee
}

// Create validates and gates the request, then atomically debits the full
// amount and inserts the pending row. If the debit fails no row is created.
func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if in.Amount.LessThan(s.cfg.MinAmount) {
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, in.Amount, s.cfg.MinAmount)
	}
	if !validChannel(s.cfg.Channels, in.Method, in.ChannelCode) {
		return nil, fmt.Errorf("%w: %s/%s", ErrInvalidChannel, in.Method, in.ChannelCode)
	}

	decision, err := s.security.Evaluate(ctx, security.Signal{
		UserID:            in.UserID,
		Kind:              security.KindWithdrawal,
		Amount:            in.Amount,
		IPAddress:         in.IPAddress,
		SessionToken:      in.SessionToken,
		DeviceFingerprint: in.DeviceFingerprint,
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, security.ErrBlocked
	}
	if decision.Delay > 0 {
		select {
		case <-time.After(decision.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	now := s.now()
	fee := s.Fee(in.Amount)
	w := &Withdrawal{
		ID:                 uuid.New(),
		UserID:             in.UserID,
		Amount:             in.Amount,
		Fee:                fee,
		NetAmount:          in.Amount.Sub(fee),
		Method:             in.Method,
		ChannelCode:        in.ChannelCode,
		DestinationAccount: in.DestinationAccount,
		Status:             StatusPending,
		CreatedAt:          now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var dup bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM withdrawals
			WHERE user_id = $1 AND amount = $2 AND destination_account = $3 AND created_at > $4
		)
	`, in.UserID, in.Amount, in.DestinationAccount, now.Add(-s.cfg.DedupWindow)).Scan(&dup)
	if err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	}
	if dup {
		return nil, ErrDuplicateInWindow
	}

	// Reserve funds: the debit and the row insert commit together, so an
	// insufficient balance leaves nothing behind.
	newBalance, err := s.ledger.DebitTx(ctx, tx, in.UserID, in.Amount)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO withdrawals
			(id, user_id, amount, fee, net_amount, method, channel_code,
			 destination_account, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		w.ID, w.UserID, w.Amount, w.Fee, w.NetAmount, w.Method, w.ChannelCode,
		w.DestinationAccount, string(w.Status), w.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert withdrawal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.count("create", "success")
	s.log.Info().
		Str("withdrawal_id", w.ID.String()).
		Str("user_id", w.UserID.String()).
		Str("amount", w.Amount.String()).
		Str("net_amount", w.NetAmount.String()).
		Msg("withdrawal created, funds reserved")

	s.notifier.Notify(ctx, notify.Event{
		Kind:      notify.KindWithdrawalCreated,
		Recipient: notify.RecipientUser,
		UserID:    w.UserID,
		RecordID:  w.ID,
		Payload: map[string]any{
			"amount":     w.Amount.String(),
			"fee":        w.Fee.String(),
			"net_amount": w.NetAmount.String(),
		},
	})
	s.notifier.Notify(ctx, notify.Event{
		Kind:      notify.KindWithdrawalCreated,
		Recipient: notify.RecipientAdmin,
		UserID:    w.UserID,
		RecordID:  w.ID,
		Payload: map[string]any{
			"amount":       w.Amount.String(),
			"net_amount":   w.NetAmount.String(),
			"destination":  w.DestinationAccount,
			"complete_url": s.links.WithdrawalCompleteURL(w.ID),
			"reject_url":   s.links.WithdrawalRejectURL(w.ID),
		},
	})

	return &CreateResult{Withdrawal: w, NewBalance: newBalance}, nil
}

// Complete marks the payout as done. No balance effect: the amount was
// already debited at creation. Idempotent under the CAS precondition.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (settlement.Outcome, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	w, err := s.lockWithdrawal(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if w.Status.Terminal() {
		s.countConflict("complete")
		return terminalOutcome(w.Status), nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE withdrawals SET status = $1, completed_at = $2
		WHERE id = $3 AND status = $4
	`, string(StatusCompleted), s.now(), id, string(StatusPending))
	if err != nil {
		return "", fmt.Errorf("complete withdrawal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.countConflict("complete")
		return s.currentOutcome(ctx, id)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	s.count("complete", "success")
	if s.metrics != nil {
		s.metrics.TransitionDuration.WithLabelValues("withdrawal", "complete").Observe(time.Since(start).Seconds())
	}
	s.log.Info().Str("withdrawal_id", id.String()).Msg("withdrawal completed")

	s.notifyStatus(ctx, w, notify.KindWithdrawalCompleted, nil)
	return settlement.OutcomeSuccess, nil
}

// Reject refunds the reservation: the status CAS and the credit of exactly
// Amount (not NetAmount) commit in the same transaction.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, notes string) (settlement.Outcome, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	w, err := s.lockWithdrawal(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if w.Status.Terminal() {
		s.countConflict("reject")
		return terminalOutcome(w.Status), nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE withdrawals SET status = $1, admin_notes = NULLIF($2, '')
		WHERE id = $3 AND status = $4
	`, string(StatusRejected), notes, id, string(StatusPending))
	if err != nil {
		return "", fmt.Errorf("reject withdrawal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.countConflict("reject")
		return s.currentOutcome(ctx, id)
	}

	newBalance, err := s.ledger.CreditTx(ctx, tx, w.UserID, w.Amount)
	if err != nil {
		return "", fmt.Errorf("refund on reject: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	s.count("reject", "success")
	if s.metrics != nil {
		s.metrics.TransitionDuration.WithLabelValues("withdrawal", "reject").Observe(time.Since(start).Seconds())
	}
	s.log.Info().
		Str("withdrawal_id", id.String()).
		Str("refunded", w.Amount.String()).
		Msg("withdrawal rejected, funds returned")

	s.notifyStatus(ctx, w, notify.KindWithdrawalRejected, map[string]any{
		"refunded":    w.Amount.String(),
		"new_balance": newBalance.String(),
	})
	return settlement.OutcomeSuccess, nil
}

// Get loads one withdrawal.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Withdrawal, error) {
	row := s.db.QueryRowContext(ctx, selectWithdrawal+` WHERE id = $1`, id)
	return scanWithdrawal(row)
}

const selectWithdrawal = `
	SELECT id, user_id, amount, fee, net_amount, method, channel_code,
	       destination_account, status, admin_notes, created_at, completed_at
	FROM withdrawals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWithdrawal(row rowScanner) (*Withdrawal, error) {
	var (
		w           Withdrawal
		status      string
		adminNotes  sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(
		&w.ID, &w.UserID, &w.Amount, &w.Fee, &w.NetAmount, &w.Method, &w.ChannelCode,
		&w.DestinationAccount, &status, &adminNotes, &w.CreatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan withdrawal: %w", err)
	}

	w.Status = Status(status)
	if adminNotes.Valid {
		w.AdminNotes = &adminNotes.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		w.CompletedAt = &t
	}
	return &w, nil
}

func (s *Service) lockWithdrawal(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*Withdrawal, error) {
	row := tx.QueryRowContext(ctx, selectWithdrawal+` WHERE id = $1 FOR UPDATE`, id)
	return scanWithdrawal(row)
}

func (s *Service) currentOutcome(ctx context.Context, id uuid.UUID) (settlement.Outcome, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return terminalOutcome(w.Status), nil
}

func terminalOutcome(status Status) settlement.Outcome {
	switch status {
	case StatusCompleted:
		return settlement.OutcomeAlreadyCompleted
	case StatusRejected:
		return settlement.OutcomeAlreadyRejected
	default:
		return settlement.OutcomeSuccess
	}
}

func (s *Service) notifyStatus(ctx context.Context, w *Withdrawal, kind string, extra map[string]any) {
	payload := map[string]any{
		"amount":     w.Amount.String(),
		"net_amount": w.NetAmount.String(),
		"method":     w.Method,
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.notifier.Notify(ctx, notify.Event{
		Kind:      kind,
		Recipient: notify.RecipientUser,
		UserID:    w.UserID,
		RecordID:  w.ID,
		Payload:   payload,
	})
}

func (s *Service) count(action, outcome string) {
	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues("withdrawal", action, outcome).Inc()
	}
}

func (s *Service) countConflict(action string) {
	if s.metrics != nil {
		s.metrics.TransitionConflict.WithLabelValues("withdrawal", action).Inc()
	}
}

func validChannel(channels map[string][]string, method, code string) bool {
	for _, c := range channels[method] {
		if c == code {
			return true
		}
	}
	return false
}
