// Package auth owns the Atlassian OAuth credential lifecycle: the initial
// code exchange, proactive and reactive refresh, and the HTTP callback
// endpoints. Every capability that talks to Jira/Confluence goes through
// Manager.EnsureValid to obtain a token that is valid at the moment of use.
package auth

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated is returned when a principal has no usable credential.
// Capabilities turn it into a "please log in" tool result.
var ErrNotAuthenticated = errors.New("not authenticated with Atlassian")

// ExchangeError signals a failed OAuth authorization-code exchange.
// The user can retry by opening the login link again.
type ExchangeError struct {
	// Detail is a bounded, secret-free description from the provider.
	Detail string
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("oauth code exchange failed: %s", e.Detail)
	}
	return fmt.Sprintf("oauth code exchange failed: %v", e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// RefreshError signals a failed token refresh. The stale credential is left
// in place; the user must re-authenticate if the refresh token is revoked.
type RefreshError struct {
	PrincipalID int64
	Detail      string
	Err         error
}

func (e *RefreshError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("token refresh failed for principal %d: %s", e.PrincipalID, e.Detail)
	}
	return fmt.Sprintf("token refresh failed for principal %d: %v", e.PrincipalID, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }
