package auth

import "fmt"

// ConfigurationError reports a provider that cannot start an OAuth flow,
// usually a missing client id.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %s is not configured: %s", e.Provider, e.Reason)
}

// CsrfMismatchError reports a callback whose state parameter does not match
// the pending attempt. The callback must be rejected before any network
// call is made.
type CsrfMismatchError struct {
	Provider string
}

func (e *CsrfMismatchError) Error() string {
	return fmt.Sprintf("state parameter mismatch on %s callback", e.Provider)
}

// SessionExpiredError reports a callback that arrived after the pending
// attempt expired, or a callback with no pending attempt at all.
type SessionExpiredError struct {
	Provider string
}

func (e *SessionExpiredError) Error() string {
	if e.Provider == "" {
		return "no pending authentication attempt"
	}
	return fmt.Sprintf("authentication attempt for %s expired", e.Provider)
}

// ProviderDeniedError reports that the user rejected the authorization
// request at the provider.
type ProviderDeniedError struct {
	Provider string
	Code     string
}

func (e *ProviderDeniedError) Error() string {
	return fmt.Sprintf("provider %s denied authorization: %s", e.Provider, e.Code)
}

// MissingParametersError reports a callback without the required query
// parameters.
type MissingParametersError struct {
	Missing []string
}

func (e *MissingParametersError) Error() string {
	return fmt.Sprintf("callback missing parameters: %v", e.Missing)
}
