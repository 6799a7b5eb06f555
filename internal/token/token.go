package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Action names the admin operation a token authorizes. A token is bound to
// exactly one record and one action.
type Action string

const (
	ActionDepositConfirm     Action = "deposit.confirm"
	ActionDepositReject      Action = "deposit.reject"
	ActionWithdrawalComplete Action = "withdrawal.complete"
	ActionWithdrawalReject   Action = "withdrawal.reject"
)

// Authority issues and validates single-use-by-construction admin action
// tokens: an HMAC-SHA256 signature over {recordID, action, expiry}. Validation
// is stateless — no database lookup — so a link can be checked at click-time
// even if the admin's session has lapsed. Possession of a valid token grants
// eligibility only; the role check and the state machine's CAS precondition
// still apply.
type Authority struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthority(secret []byte, ttl time.Duration) *Authority {
	return &Authority{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Test use only.
func (a *Authority) WithClock(now func() time.Time) *Authority {
	a.now = now
	return a
}

// Issue creates a token for one record and action, expiring after the
// authority's TTL. Format: "<expiryUnix>.<base64url(signature)>".
func (a *Authority) Issue(recordID uuid.UUID, action Action) string {
	expiry := a.now().Add(a.ttl).Unix()
	sig := a.sign(recordID, action, expiry)
	return fmt.Sprintf("%d.%s", expiry, base64.RawURLEncoding.EncodeToString(sig))
}

// Validate checks a token against the record and action it claims to
// authorize. Returns ErrTokenExpired past the embedded expiry and
// ErrTokenInvalid for anything malformed or tampered with.
func (a *Authority) Validate(recordID uuid.UUID, action Action, tok string) error {
	dot := strings.IndexByte(tok, '.')
	if dot <= 0 || dot == len(tok)-1 {
		return ErrTokenInvalid
	}

	expiry, err := strconv.ParseInt(tok[:dot], 10, 64)
	if err != nil {
		return ErrTokenInvalid
	}

	got, err := base64.RawURLEncoding.DecodeString(tok[dot+1:])
	if err != nil {
		return ErrTokenInvalid
	}

	want := a.sign(recordID, action, expiry)
	if !hmac.Equal(got, want) {
		return ErrTokenInvalid
	}

	// Signature first, expiry second: a tampered expiry fails as invalid,
	// not expired.
	if a.now().Unix() > expiry {
		return ErrTokenExpired
	}

	return nil
}

func (a *Authority) sign(recordID uuid.UUID, action Action, expiry int64) []byte {
	mac := hmac.New(sha256.New, a.secret)
	fmt.Fprintf(mac, "%s|%s|%d", recordID, action, expiry)
	return mac.Sum(nil)
}
