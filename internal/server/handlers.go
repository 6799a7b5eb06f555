package server

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nayrfirmandes/Saldopedia-sub001/internal/deposit"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/ledger"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/query"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/rates"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/security"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/settlement"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/token"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/withdrawal"
)

type createDepositRequest struct {
	UserID      string `json:"user_id" validate:"required,uuid4"`
	Amount      string `json:"amount" validate:"required"`
	Method      string `json:"method" validate:"required,oneof=bank_transfer paypal skrill"`
	ChannelCode string `json:"channel_code" validate:"required"`
}

func (s *Server) createDeposit(c *fiber.Ctx) error {
	var req createDepositRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	userID, amount, err := parseUserAmount(req.UserID, req.Amount)
	if err != nil {
		return err
	}

	dep, err := s.deposits.Create(c.Context(), deposit.CreateInput{
		UserID:            userID,
		Amount:            amount,
		Method:            req.Method,
		ChannelCode:       req.ChannelCode,
		IPAddress:         c.IP(),
		SessionToken:      c.Get("X-Session-Token"),
		DeviceFingerprint: c.Get("X-Device-Fingerprint"),
	})
	if err != nil {
		return mapDomainError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(dep)
}

type submitProofRequest struct {
	ProofRef string `json:"proof_ref" validate:"required,max=512"`
}

func (s *Server) submitProof(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req submitProofRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	if err := s.deposits.SubmitProof(c.Context(), id, req.ProofRef); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"accepted": true})
}

type createWithdrawalRequest struct {
	UserID             string `json:"user_id" validate:"required,uuid4"`
	Amount             string `json:"amount" validate:"required"`
	Method             string `json:"method" validate:"required,oneof=bank_transfer paypal skrill"`
	ChannelCode        string `json:"channel_code" validate:"required"`
	DestinationAccount string `json:"destination_account" validate:"required,max=128"`
}

func (s *Server) createWithdrawal(c *fiber.Ctx) error {
	var req createWithdrawalRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	userID, amount, err := parseUserAmount(req.UserID, req.Amount)
	if err != nil {
		return err
	}

	res, err := s.withdrawals.Create(c.Context(), withdrawal.CreateInput{
		UserID:             userID,
		Amount:             amount,
		Method:             req.Method,
		ChannelCode:        req.ChannelCode,
		DestinationAccount: req.DestinationAccount,
		IPAddress:          c.IP(),
		SessionToken:       c.Get("X-Session-Token"),
		DeviceFingerprint:  c.Get("X-Device-Fingerprint"),
	})
	if err != nil {
		return mapDomainError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"withdrawal":  res.Withdrawal,
		"new_balance": res.NewBalance,
	})
}

// requireAdmin gates the admin group on the verifier. A valid action token
// alone is not enough: eligibility and role are separate checks.
func (s *Server) requireAdmin(c *fiber.Ctx) error {
	credential := c.Get("X-Admin-Secret")
	if credential == "" {
		credential = strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	}
	if !s.admin.IsAdmin(credential) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"outcome": settlement.OutcomeForbidden,
		})
	}
	return c.Next()
}

// checkToken validates the signed action token from the query string. nil
// return means authorized; otherwise the response has been written.
func (s *Server) checkToken(c *fiber.Ctx, id uuid.UUID, action token.Action) error {
	err := s.tokens.Validate(id, action, c.Query("token"))
	if err == nil {
		return nil
	}

	reason := "invalid"
	if errors.Is(err, token.ErrTokenExpired) {
		reason = "expired"
	}
	if s.metrics != nil {
		s.metrics.TokenRejections.WithLabelValues(reason).Inc()
	}
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"outcome": settlement.OutcomeInvalidToken,
		"reason":  reason,
	})
}

func (s *Server) confirmDeposit(c *fiber.Ctx) error {
	return s.adminAction(c, token.ActionDepositConfirm, func(id uuid.UUID) (settlement.Outcome, error) {
		return s.deposits.Confirm(c.Context(), id)
	})
}

func (s *Server) rejectDeposit(c *fiber.Ctx) error {
	return s.adminAction(c, token.ActionDepositReject, func(id uuid.UUID) (settlement.Outcome, error) {
		return s.deposits.Reject(c.Context(), id, c.Query("notes"))
	})
}

func (s *Server) completeWithdrawal(c *fiber.Ctx) error {
	return s.adminAction(c, token.ActionWithdrawalComplete, func(id uuid.UUID) (settlement.Outcome, error) {
		return s.withdrawals.Complete(c.Context(), id)
	})
}

func (s *Server) rejectWithdrawal(c *fiber.Ctx) error {
	return s.adminAction(c, token.ActionWithdrawalReject, func(id uuid.UUID) (settlement.Outcome, error) {
		return s.withdrawals.Reject(c.Context(), id, c.Query("notes"))
	})
}

func (s *Server) adminAction(c *fiber.Ctx, action token.Action, fn func(uuid.UUID) (settlement.Outcome, error)) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := s.checkToken(c, id, action); err != nil {
		return err
	}

	outcome, err := fn(id)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"outcome": outcome})
}

func (s *Server) triggerSweep(c *fiber.Ctx) error {
	if subtle.ConstantTimeCompare([]byte(c.Get("X-Sweep-Secret")), []byte(s.cfg.SweepSecret)) != 1 {
		return fiber.NewError(fiber.StatusForbidden, "forbidden")
	}
	res, err := s.sweep.SweepOnce(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "sweep failed")
	}
	return c.JSON(res)
}

func (s *Server) userBalance(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := s.queries.Balance(c.Context(), id)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(v)
}

func (s *Server) userDeposits(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := s.queries.Deposits(c.Context(), id, pageFrom(c))
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"deposits": out})
}

func (s *Server) userWithdrawals(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := s.queries.Withdrawals(c.Context(), id, pageFrom(c))
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"withdrawals": out})
}

func (s *Server) rateQuote(c *fiber.Ctx) error {
	asset := c.Query("asset")
	dir := rates.Direction(c.Query("direction", string(rates.Sell)))
	if dir != rates.Sell && dir != rates.Buy {
		return fiber.NewError(fiber.StatusBadRequest, "direction must be sell or buy")
	}
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil || !amount.IsPositive() {
		return fiber.NewError(fiber.StatusBadRequest, "amount must be a positive decimal")
	}
	spot := decimal.Zero
	if v := c.Query("spot"); v != "" {
		if spot, err = decimal.NewFromString(v); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "spot must be a decimal")
		}
	}

	q, err := s.rates.Quote(asset, dir, amount, spot)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RateQuoteErrors.WithLabelValues(quoteErrorReason(err)).Inc()
		}
		return mapDomainError(err)
	}
	if s.metrics != nil {
		s.metrics.RateQuotes.WithLabelValues(string(q.Mode), string(q.Direction)).Inc()
	}
	return c.JSON(q)
}

func quoteErrorReason(err error) string {
	switch {
	case errors.Is(err, rates.ErrUnknownAsset):
		return "unknown_asset"
	case errors.Is(err, rates.ErrBelowMinimum):
		return "below_minimum"
	case errors.Is(err, rates.ErrAboveMaximum):
		return "above_maximum"
	case errors.Is(err, rates.ErrMissingSpot):
		return "missing_spot"
	default:
		return "other"
	}
}

func parseID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func parseUserAmount(userID, amount string) (uuid.UUID, decimal.Decimal, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, decimal.Zero, fiber.NewError(fiber.StatusBadRequest, "invalid user_id")
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil || !amt.IsPositive() {
		return uuid.Nil, decimal.Zero, fiber.NewError(fiber.StatusBadRequest, "amount must be a positive decimal")
	}
	return uid, amt, nil
}

func pageFrom(c *fiber.Ctx) query.Page {
	return query.Page{
		Limit:  c.QueryInt("limit"),
		Offset: c.QueryInt("offset"),
	}
}

// mapDomainError translates sentinel errors from the domain packages into
// HTTP statuses. Unknown errors surface as 500 through the fiber error
// handler without leaking internals.
func mapDomainError(err error) error {
	switch {
	case errors.Is(err, deposit.ErrNotFound),
		errors.Is(err, withdrawal.ErrNotFound),
		errors.Is(err, query.ErrUserNotFound),
		errors.Is(err, ledger.ErrUserNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())

	case errors.Is(err, deposit.ErrBelowMinimum),
		errors.Is(err, deposit.ErrAboveMaximum),
		errors.Is(err, deposit.ErrInvalidChannel),
		errors.Is(err, withdrawal.ErrBelowMinimum),
		errors.Is(err, withdrawal.ErrInvalidChannel),
		errors.Is(err, rates.ErrBelowMinimum),
		errors.Is(err, rates.ErrAboveMaximum),
		errors.Is(err, rates.ErrUnknownAsset),
		errors.Is(err, rates.ErrMissingSpot):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())

	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())

	case errors.Is(err, deposit.ErrDuplicateInWindow),
		errors.Is(err, withdrawal.ErrDuplicateInWindow),
		errors.Is(err, deposit.ErrWrongState),
		errors.Is(err, withdrawal.ErrWrongState):
		return fiber.NewError(fiber.StatusConflict, err.Error())

	case errors.Is(err, deposit.ErrExpired):
		return fiber.NewError(fiber.StatusGone, err.Error())

	case errors.Is(err, security.ErrBlocked):
		// Deliberately generic; heuristic internals stay hidden.
		return fiber.NewError(fiber.StatusForbidden, err.Error())

	default:
		return err
	}
}
