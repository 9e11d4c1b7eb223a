// Package provider normalizes OAuth endpoints, token exchange, user-info
// fetch and repository operations across heterogeneous Git hosts behind one
// Adapter interface. Host quirks (auth header scheme, token-exchange
// credentials, path templates) are isolated inside each implementation.
package provider

import "context"

// Adapter is the uniform capability set a Git host must expose.
// Implementations are safe for concurrent use.
type Adapter interface {
	// Name returns the provider id ("github", "gitlab", "bitbucket", "generic").
	Name() string

	// AuthorizationURL builds the browser redirect target for the PKCE flow.
	AuthorizationURL(cfg Config, codeChallenge, state string) (string, error)

	// ExchangeCode trades an authorization code (plus PKCE verifier) for a
	// token. Non-2xx responses yield *TokenExchangeError.
	ExchangeCode(ctx context.Context, cfg Config, code, codeVerifier string) (*Token, error)

	// FetchUser returns the normalized profile of the token's owner.
	FetchUser(ctx context.Context, accessToken string) (*UserProfile, error)

	// ListRepositories lists repositories visible to the token.
	ListRepositories(ctx context.Context, accessToken string, opts ListOptions) ([]RepoSummary, error)

	// CreateRepository creates a repository owned by the token's user.
	CreateRepository(ctx context.Context, accessToken string, spec RepoSpec) (*RepoSummary, error)

	// GetFileContent fetches one file from a repository.
	GetFileContent(ctx context.Context, accessToken string, ref FileRef) (*FileContent, error)

	// UpdateFile creates or replaces one file in a repository.
	UpdateFile(ctx context.Context, accessToken string, update FileUpdate) (*FileContent, error)

	// ListBranches lists the repository's branch heads.
	ListBranches(ctx context.Context, accessToken, owner, repo string) ([]Branch, error)
}
