// Package dispatch implements the bulk outbound-message run: recipient
// resolution, verification-code issuance, throttled one-at-a-time
// sending, and the batch state machine with its confirmation
// checkpoints.
package dispatch

import "github.com/mobiliza/disparo/internal/models"

// Strategy selects the recipient set for a run. It is a closed set of
// variants; the API layer decodes operator input into exactly one of
// them, so unknown selections fail at the boundary instead of deep in
// the send loop.
type Strategy interface {
	isStrategy()
}

// AllOfKind targets every active, addressable record of one kind.
type AllOfKind struct {
	Kind models.RecipientKind
}

// SingleByID targets exactly one record. An unresolvable id is a hard
// error; dispatch cannot proceed when a specific target was requested.
type SingleByID struct {
	Kind models.RecipientKind
	ID   string
}

// ByEvent targets all registrants of one event.
type ByEvent struct {
	EventID string
}

// NotYetNotified targets records that have never been sent the
// verification flow.
type NotYetNotified struct {
	Kind models.RecipientKind
}

// AwaitingConfirmation targets records that were sent the verification
// flow but have not confirmed.
type AwaitingConfirmation struct {
	Kind models.RecipientKind
}

// SubordinateTreeOf targets the unverified records transitively
// reachable from a coordinator in the referral hierarchy.
type SubordinateTreeOf struct {
	CoordinatorID string
}

func (AllOfKind) isStrategy()            {}
func (SingleByID) isStrategy()           {}
func (ByEvent) isStrategy()              {}
func (NotYetNotified) isStrategy()       {}
func (AwaitingConfirmation) isStrategy() {}
func (SubordinateTreeOf) isStrategy()    {}

// StrategyName returns the wire name of a strategy, used in logs and
// the API.
func StrategyName(s Strategy) string {
	switch s.(type) {
	case AllOfKind:
		return "all"
	case SingleByID:
		return "single"
	case ByEvent:
		return "by_event"
	case NotYetNotified:
		return "not_yet_notified"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case SubordinateTreeOf:
		return "subordinate_tree"
	}
	return "unknown"
}

// VerificationFlow reports whether the strategy belongs to the family
// whose purpose is getting recipients to confirm via a coded link.
// These runs mint codes and force the verification template over the
// operator's choice.
func VerificationFlow(s Strategy) bool {
	switch s.(type) {
	case NotYetNotified, AwaitingConfirmation, SubordinateTreeOf:
		return true
	}
	return false
}

// TargetsReferral reports whether the run targets recipients that
// carry affiliate sign-up links.
func TargetsReferral(s Strategy) bool {
	switch v := s.(type) {
	case AllOfKind:
		return v.Kind == models.KindLeader
	case SingleByID:
		return v.Kind == models.KindLeader
	case NotYetNotified:
		return v.Kind == models.KindLeader
	case AwaitingConfirmation:
		return v.Kind == models.KindLeader
	case SubordinateTreeOf:
		return true
	}
	return false
}
