// Package settlement holds the vocabulary shared by both settlement state
// machines and the admin action endpoints.
package settlement

// Outcome is the result of an admin action on a settlement record. A CAS miss
// on an already-terminal record is a benign outcome, not an error: an admin
// double-click or a replayed email link reports what already happened.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeAlreadyCompleted Outcome = "alreadyCompleted"
	OutcomeAlreadyRejected  Outcome = "alreadyRejected"
	OutcomeAlreadyExpired   Outcome = "alreadyExpired"
	OutcomeInvalidToken     Outcome = "invalidToken"
	OutcomeForbidden        Outcome = "forbidden"
)
