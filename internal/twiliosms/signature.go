package twiliosms

import (
	"net/url"

	twilioclient "github.com/twilio/twilio-go/client"
)

// SignatureValidator checks the X-Twilio-Signature header on webhooks.
type SignatureValidator struct {
	validator twilioclient.RequestValidator
}

// NewSignatureValidator creates a validator for the account's auth token.
func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{validator: twilioclient.NewRequestValidator(authToken)}
}

// Validate reports whether signature matches the full callback URL and the
// posted form parameters.
func (v *SignatureValidator) Validate(callbackURL string, form url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for k, vals := range form {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	return v.validator.Validate(callbackURL, params, signature)
}
