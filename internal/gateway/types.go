package gateway

// SendRequest is the request body for POST /api/v1/send/template.
// The gateway renders the template identified by TemplateKey with the
// variable map; this service never assembles message bodies itself.
type SendRequest struct {
	To          string            `json:"to"`
	TemplateKey string            `json:"template_key"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// SendResponse is the gateway's acknowledgement of a send.
type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ErrorResponse is the gateway's error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
