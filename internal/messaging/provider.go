// Package messaging sends patient-facing SMS through interchangeable carrier
// providers with consent enforcement, sticky sender selection, and
// error-classified failover.
package messaging

import "context"

// SendStatus is the normalized outcome a provider reports.
type SendStatus string

const (
	// StatusSent means the provider accepted the message.
	StatusSent SendStatus = "sent"
	// StatusTransientFail means a retry against the same provider may succeed.
	StatusTransientFail SendStatus = "transient_fail"
	// StatusFailoverFail means the sender side is at fault and another
	// provider may succeed.
	StatusFailoverFail SendStatus = "permanent_fail_failover"
	// StatusRecipientFail means the recipient side is at fault; no provider
	// will do better.
	StatusRecipientFail SendStatus = "permanent_fail_recipient"
)

// SendResult is what a provider returns for one attempt.
type SendResult struct {
	Status            SendStatus
	ProviderMessageID string
	// ProviderCode is the raw carrier/provider error code, untranslated.
	ProviderCode string
}

// Provider is the carrier capability. Adding a provider means implementing
// this and nothing else.
type Provider interface {
	Name() string
	Send(ctx context.Context, from, to, body string) SendResult
}

// Normalized error codes. Classification is the dispatcher's job; providers
// only report SendStatus plus the raw code.
const (
	ErrCodeNumberBlocked    = "NUMBER_BLOCKED"
	ErrCodeCarrierViolation = "CARRIER_VIOLATION"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeProviderError    = "PROVIDER_ERROR"
	ErrCodeNetworkError     = "NETWORK_ERROR"
	ErrCodeInvalidNumber    = "INVALID_NUMBER"
	ErrCodeInvalidContent   = "INVALID_CONTENT"
	ErrCodeUndeliverable    = "UNDELIVERABLE"
	ErrCodeConsentMissing   = "CONSENT_MISSING"
)

// FailoverEligible reports whether a normalized code justifies switching
// providers. Recipient-side failures never do; retrying costs money and
// cannot succeed.
func FailoverEligible(code string) bool {
	switch code {
	case ErrCodeNumberBlocked, ErrCodeCarrierViolation, ErrCodeRateLimited,
		ErrCodeProviderError, ErrCodeNetworkError:
		return true
	default:
		return false
	}
}
