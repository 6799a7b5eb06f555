package token

import (
	"fmt"

	"github.com/google/uuid"
)

// LinkBuilder renders the admin action URLs embedded in notification emails.
// Each URL carries a token from the Authority; following it still requires an
// authenticated admin role.
type LinkBuilder struct {
	baseURL   string
	authority *Authority
}

func NewLinkBuilder(baseURL string, authority *Authority) *LinkBuilder {
	return &LinkBuilder{baseURL: baseURL, authority: authority}
}

func (b *LinkBuilder) DepositConfirmURL(id uuid.UUID) string {
	return b.url("deposits", id, "confirm", ActionDepositConfirm)
}

func (b *LinkBuilder) DepositRejectURL(id uuid.UUID) string {
	return b.url("deposits", id, "reject", ActionDepositReject)
}

func (b *LinkBuilder) WithdrawalCompleteURL(id uuid.UUID) string {
	return b.url("withdrawals", id, "complete", ActionWithdrawalComplete)
}

func (b *LinkBuilder) WithdrawalRejectURL(id uuid.UUID) string {
	return b.url("withdrawals", id, "reject", ActionWithdrawalReject)
}

func (b *LinkBuilder) url(resource string, id uuid.UUID, verb string, action Action) string {
	return fmt.Sprintf("%s/v1/admin/%s/%s/%s?token=%s",
		b.baseURL, resource, id, verb, b.authority.Issue(id, action))
}
