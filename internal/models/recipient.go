package models

import "time"

// RecipientKind identifies which population a recipient belongs to.
type RecipientKind string

const (
	KindContact RecipientKind = "contact"
	KindLeader  RecipientKind = "leader"
)

// Valid reports whether the kind is one of the known populations.
func (k RecipientKind) Valid() bool {
	switch k {
	case KindContact, KindLeader:
		return true
	}
	return false
}

// Recipient is an addressable target of a dispatch run. It is resolved
// per run from the data store and never written back as a whole; only
// verification_code and notified_at are updated through the store.
// Address is the delivery target (phone preferred); Email is carried
// separately for template variables.
type Recipient struct {
	ID               string        `json:"id"`
	Kind             RecipientKind `json:"kind"`
	Name             string        `json:"name"`
	Address          string        `json:"address"`
	Email            string        `json:"email,omitempty"`
	VerificationCode string        `json:"verification_code,omitempty"`
	AffiliateToken   string        `json:"affiliate_token,omitempty"`
	Notified         bool          `json:"notified"`
	Verified         bool          `json:"verified"`
}

// Addressable reports whether the recipient can receive a message.
func (r *Recipient) Addressable() bool {
	return r.Address != ""
}

// Event carries the fields injected into event-scoped messages.
type Event struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	StartsAt time.Time `json:"starts_at"`
	Location string    `json:"location"`
	Status   string    `json:"status"` // draft, published, archived
}

// Template is a message template identified by its key. The dispatcher
// only passes the key and variable map through to the delivery
// gateway; the body is stored for the console to preview.
type Template struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	Variables string    `json:"variables"` // JSON array of variable names
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
