package server

import "crypto/subtle"

// AdminVerifier decides whether a request credential carries the admin role.
// Session issuance lives outside this subsystem; this is the seam it plugs
// into.
type AdminVerifier interface {
	IsAdmin(credential string) bool
}

// SecretVerifier grants the admin role to holders of a shared secret.
type SecretVerifier struct {
	secret []byte
}

func NewSecretVerifier(secret string) *SecretVerifier {
	return &SecretVerifier{secret: []byte(secret)}
}

func (v *SecretVerifier) IsAdmin(credential string) bool {
	return subtle.ConstantTimeCompare([]byte(credential), v.secret) == 1
}
