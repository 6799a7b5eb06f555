package deposit

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
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

// Service owns deposit records and drives them through the settlement state
// machine. Every transition that also moves money runs the status CAS and the
// balance mutation in one database transaction.
type Service struct {
	db       *sql.DB
	cfg      config.DepositConfig
	ledger   *ledger.Ledger
	security *security.Evaluator
	links    *token.LinkBuilder
	notifier notify.Notifier
	log      zerolog.Logger
	metrics  *observability.Metrics

	now       func() time.Time
	surcharge func() decimal.Decimal
}

func NewService(
	db *sql.DB,
	cfg config.DepositConfig,
	ldg *ledger.Ledger,
	sec *security.Evaluator,
	links *token.LinkBuilder,
	notifier notify.Notifier,
	metrics *observability.Metrics,
) *Service {
	s := &Service{
		db:       db,
		cfg:      cfg,
		ledger:   ldg,
		security: sec,
		links:    links,
		notifier: notifier,
		log:      observability.NewLogger("deposit"),
		metrics:  metrics,
		now:      time.Now,
	}
	s.surcharge = func() decimal.Decimal {
		span := cfg.SurchargeMax - cfg.SurchargeMin + 1
		return decimal.NewFromInt(cfg.SurchargeMin + rand.Int63n(span))
	}
	return s
}

// WithClock overrides the time source. Test use only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithSurcharge overrides the surcharge generator. Test use only.
func (s *Service) WithSurcharge(fn func() decimal.Decimal) *Service {
	s.surcharge = fn
	return s
}

// CreateInput is one user-facing deposit request plus the request context the
// security heuristics evaluate.
type CreateInput struct {
	UserID            uuid.UUID
	Amount            decimal.Decimal
	Method            string
	ChannelCode       string
	IPAddress         string
	SessionToken      string
	DeviceFingerprint string
}

// Create validates, gates, and persists a new deposit in pending_proof, then
// sends the user payment instructions. No balance effect until confirmation.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Deposit, error) {
	if in.Amount.LessThan(s.cfg.MinAmount) {
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, in.Amount, s.cfg.MinAmount)
	}
	if in.Amount.GreaterThan(s.cfg.MaxAmount) {
		return nil, fmt.Errorf("%w: %s > %s", ErrAboveMaximum, in.Amount, s.cfg.MaxAmount)
	}
	if !validChannel(s.cfg.Channels, in.Method, in.ChannelCode) {
		return nil, fmt.Errorf("%w: %s/%s", ErrInvalidChannel, in.Method, in.ChannelCode)
	}

	decision, err := s.security.Evaluate(ctx, security.Signal{
		UserID:            in.UserID,
		Kind:              security.KindDeposit,
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
	dep := &Deposit{
		ID:              uuid.New(),
		UserID:          in.UserID,
		Amount:          in.Amount,
		Fee:             s.cfg.Fees[in.Method],
		UniqueSurcharge: s.surcharge(),
		Method:          in.Method,
		ChannelCode:     in.ChannelCode,
		Status:          StatusPendingProof,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.ProofWindow),
	}
	dep.TotalExpected = dep.Amount.Add(dep.Fee).Add(dep.UniqueSurcharge)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// De-duplication window: an identical amount+method by the same user is
	// almost always an accidental double submission.
	var dup bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM deposits
			WHERE user_id = $1 AND amount = $2 AND method = $3 AND created_at > $4
		)
	`, in.UserID, in.Amount, in.Method, now.Add(-s.cfg.DedupWindow)).Scan(&dup)
	if err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	}
	if dup {
		return nil, ErrDuplicateInWindow
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deposits
			(id, user_id, amount, fee, unique_surcharge, total_expected,
			 method, channel_code, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		dep.ID, dep.UserID, dep.Amount, dep.Fee, dep.UniqueSurcharge, dep.TotalExpected,
		dep.Method, dep.ChannelCode, string(dep.Status), dep.CreatedAt, dep.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert deposit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.count("create", "success")
	s.log.Info().
		Str("deposit_id", dep.ID.String()).
		Str("user_id", dep.UserID.String()).
		Str("total_expected", dep.TotalExpected.String()).
		Msg("deposit created")

	s.notifier.Notify(ctx, notify.Event{
		Kind:      notify.KindDepositCreated,
		Recipient: notify.RecipientUser,
		UserID:    dep.UserID,
		RecordID:  dep.ID,
		Payload: map[string]any{
			"amount":         dep.Amount.String(),
			"fee":            dep.Fee.String(),
			"total_expected": dep.TotalExpected.String(),
			"channel_code":   dep.ChannelCode,
			"expires_at":     dep.ExpiresAt,
		},
	})

	return dep, nil
}

// SubmitProof attaches payment evidence and moves the deposit to pending.
// Valid only from pending_proof and only before expiresAt; a late submission
// expires the record instead and is rejected.
func (s *Service) SubmitProof(ctx context.Context, id uuid.UUID, proofRef string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	dep, err := s.lockDeposit(ctx, tx, id)
	if err != nil {
		return err
	}

	if dep.Status != StatusPendingProof {
		return fmt.Errorf("%w: status %s", ErrWrongState, dep.Status)
	}

	now := s.now()
	if now.After(dep.ExpiresAt) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE deposits SET status = $1 WHERE id = $2 AND status = $3
		`, string(StatusExpired), id, string(StatusPendingProof)); err != nil {
			return fmt.Errorf("expire on late proof: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		s.count("expire", "success")
		s.notifyStatus(ctx, dep, notify.KindDepositExpired)
		return ErrExpired
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE deposits SET status = $1, proof_ref = $2
		WHERE id = $3 AND status = $4
	`, string(StatusPending), proofRef, id, string(StatusPendingProof))
	if err != nil {
		return fmt.Errorf("submit proof: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: status %s", ErrWrongState, dep.Status)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.count("submit_proof", "success")
	s.log.Info().Str("deposit_id", id.String()).Msg("proof submitted")

	s.notifyStatus(ctx, dep, notify.KindDepositProofSubmitted)
	s.notifier.Notify(ctx, notify.Event{
		Kind:      notify.KindDepositProofSubmitted,
		Recipient: notify.RecipientAdmin,
		UserID:    dep.UserID,
		RecordID:  dep.ID,
		Payload: map[string]any{
			"amount":         dep.Amount.String(),
			"total_expected": dep.TotalExpected.String(),
			"proof_ref":      proofRef,
			"confirm_url":    s.links.DepositConfirmURL(dep.ID),
			"reject_url":     s.links.DepositRejectURL(dep.ID),
		},
	})

	return nil
}

// Confirm settles the deposit: the status CAS and the balance credit of
// exactly Amount commit in the same transaction. A repeat confirmation is a
// benign no-op reporting the terminal state already reached.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (settlement.Outcome, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	dep, err := s.lockDeposit(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if dep.Status.Terminal() {
		s.countConflict("confirm")
		return terminalOutcome(dep.Status), nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE deposits SET status = $1, completed_at = $2
		WHERE id = $3 AND status IN `+settleableStates,
		string(StatusCompleted), s.now(), id)
	if err != nil {
		return "", fmt.Errorf("confirm deposit: %w", err)
	}
	// Zero rows affected means someone else already settled the record;
	// report that instead of failing.
	if n, _ := res.RowsAffected(); n == 0 {
		s.countConflict("confirm")
		return s.currentOutcome(ctx, id)
	}

	if _, err := s.ledger.CreditTx(ctx, tx, dep.UserID, dep.Amount); err != nil {
		return "", fmt.Errorf("credit on confirm: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	s.count("confirm", "success")
	if s.metrics != nil {
		s.metrics.TransitionDuration.WithLabelValues("deposit", "confirm").Observe(time.Since(start).Seconds())
	}
	s.log.Info().
		Str("deposit_id", id.String()).
		Str("credited", dep.Amount.String()).
		Msg("deposit confirmed")

	s.notifyStatus(ctx, dep, notify.KindDepositCompleted)
	return settlement.OutcomeSuccess, nil
}

// Reject closes the deposit without balance effect: nothing was credited yet.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, notes string) (settlement.Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	dep, err := s.lockDeposit(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if dep.Status.Terminal() {
		s.countConflict("reject")
		return terminalOutcome(dep.Status), nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE deposits SET status = $1, admin_notes = NULLIF($2, '')
		WHERE id = $3 AND status IN `+settleableStates,
		string(StatusRejected), notes, id)
	if err != nil {
		return "", fmt.Errorf("reject deposit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.countConflict("reject")
		return s.currentOutcome(ctx, id)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	s.count("reject", "success")
	s.log.Info().Str("deposit_id", id.String()).Msg("deposit rejected")

	s.notifyStatus(ctx, dep, notify.KindDepositRejected)
	return settlement.OutcomeSuccess, nil
}

// DueForExpiry lists deposits the sweeper should force-expire.
func (s *Service) DueForExpiry(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM deposits
		WHERE status IN `+settleableStates+` AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due deposits: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Expire force-transitions one stale deposit. The whole precondition lives in
// the UPDATE, so re-running the sweeper over the same record is a no-op.
// Returns true when this call performed the transition.
func (s *Service) Expire(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deposits SET status = $1
		WHERE id = $2 AND status IN `+settleableStates+` AND expires_at < $3
	`, string(StatusExpired), id, s.now())
	if err != nil {
		return false, fmt.Errorf("expire deposit: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	s.count("expire", "success")
	s.log.Info().Str("deposit_id", id.String()).Msg("deposit expired")

	if dep, err := s.Get(ctx, id); err == nil {
		s.notifyStatus(ctx, dep, notify.KindDepositExpired)
	}
	return true, nil
}

// Get loads one deposit.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Deposit, error) {
	row := s.db.QueryRowContext(ctx, selectDeposit+` WHERE id = $1`, id)
	return scanDeposit(row)
}

const selectDeposit = `
	SELECT id, user_id, amount, fee, unique_surcharge, total_expected,
	       method, channel_code, status, proof_ref, admin_notes,
	       created_at, expires_at, completed_at
	FROM deposits`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeposit(row rowScanner) (*Deposit, error) {
	var (
		dep         Deposit
		status      string
		proofRef    sql.NullString
		adminNotes  sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(
		&dep.ID, &dep.UserID, &dep.Amount, &dep.Fee, &dep.UniqueSurcharge, &dep.TotalExpected,
		&dep.Method, &dep.ChannelCode, &status, &proofRef, &adminNotes,
		&dep.CreatedAt, &dep.ExpiresAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan deposit: %w", err)
	}

	dep.Status = Status(status)
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
	return &dep, nil
}

func (s *Service) lockDeposit(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*Deposit, error) {
	row := tx.QueryRowContext(ctx, selectDeposit+` WHERE id = $1 FOR UPDATE`, id)
	return scanDeposit(row)
}

func (s *Service) currentOutcome(ctx context.Context, id uuid.UUID) (settlement.Outcome, error) {
	dep, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return terminalOutcome(dep.Status), nil
}

func terminalOutcome(status Status) settlement.Outcome {
	switch status {
	case StatusCompleted:
		return settlement.OutcomeAlreadyCompleted
	case StatusRejected:
		return settlement.OutcomeAlreadyRejected
	case StatusExpired:
		return settlement.OutcomeAlreadyExpired
	default:
		return settlement.OutcomeSuccess
	}
}

func (s *Service) notifyStatus(ctx context.Context, dep *Deposit, kind string) {
	s.notifier.Notify(ctx, notify.Event{
		Kind:      kind,
		Recipient: notify.RecipientUser,
		UserID:    dep.UserID,
		RecordID:  dep.ID,
		Payload: map[string]any{
			"amount": dep.Amount.String(),
			"method": dep.Method,
		},
	})
}

func (s *Service) count(action, outcome string) {
	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues("deposit", action, outcome).Inc()
	}
}

func (s *Service) countConflict(action string) {
	if s.metrics != nil {
		s.metrics.TransitionConflict.WithLabelValues("deposit", action).Inc()
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
