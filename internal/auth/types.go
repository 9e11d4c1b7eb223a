package auth

import (
	"time"

	"marksync/internal/provider"
)

// Identity is the authenticated user plus the token that proves it. It is
// persisted as a single sealed vault record so a restart can restore the
// session without a new browser round trip.
type Identity struct {
	Provider        string                `json:"provider"`
	Token           *provider.Token       `json:"token"`
	User            *provider.UserProfile `json:"user"`
	AuthenticatedAt time.Time             `json:"authenticatedAt"`
}

// AuthResult is delivered to callback handlers when a flow finishes.
type AuthResult struct {
	Success  bool      `json:"success"`
	Identity *Identity `json:"identity,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// pendingAttempt is the in-flight authorization attempt. At most one exists
// at a time; starting a new login discards the previous one.
type pendingAttempt struct {
	provider  string
	pkce      *PKCEChallenge
	startedAt time.Time
	expiresAt time.Time
}

func (p *pendingAttempt) expired(now time.Time) bool {
	return now.After(p.expiresAt)
}
