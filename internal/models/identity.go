package models

// Authenticated caller, rebuilt from a verified token on every request
type Identity struct {
	Subject       string                 `json:"userId"`
	Email         string                 `json:"email,omitempty"`
	EmailVerified bool                   `json:"emailVerified"`
	RawClaims     map[string]interface{} `json:"-"`
}
