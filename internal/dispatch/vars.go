package dispatch

import "github.com/mobiliza/disparo/internal/models"

// VarBuilder builds the per-recipient variable map handed to the
// delivery gateway. Base fields always; affiliate, event and
// verification fields depending on the run.
type VarBuilder struct {
	BaseURL string
	Event   *models.Event
}

// Build returns the variable map for one recipient. code is the
// verification code when the run is a verification flow, empty
// otherwise.
func (b *VarBuilder) Build(rec *models.Recipient, s Strategy, code string) map[string]string {
	vars := map[string]string{
		"name": rec.Name,
	}
	// Address may be a phone number; the email variable carries the
	// actual email or nothing.
	if rec.Email != "" {
		vars["email"] = rec.Email
	}

	if rec.AffiliateToken != "" && TargetsReferral(s) {
		vars["link_afiliado"] = b.BaseURL + "/cadastro/" + rec.AffiliateToken
	}

	if b.Event != nil {
		vars["evento_nome"] = b.Event.Name
		vars["evento_local"] = b.Event.Location
		if !b.Event.StartsAt.IsZero() {
			vars["evento_data"] = b.Event.StartsAt.Format("02/01/2006")
			vars["evento_hora"] = b.Event.StartsAt.Format("15:04")
		}
	}

	if code != "" {
		vars["link_verificacao"] = b.BaseURL + "/verificar/" + code
	}

	return vars
}
