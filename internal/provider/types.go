package provider

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config holds the OAuth client settings for one Git host. For the generic
// adapter the endpoint fields select the self-hosted forge; the named hosts
// ignore them.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// Self-hosted forge endpoints (generic adapter only).
	BaseURL       string
	AuthorizePath string
	TokenPath     string
	APIPath       string
}

// IsConfigured reports whether the provider can start an OAuth flow.
func (c Config) IsConfigured() bool {
	return c.ClientID != ""
}

// Token is the normalized result of a successful code exchange.
type Token struct {
	AccessToken  string `json:"accessToken"`
	TokenType    string `json:"tokenType"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int    `json:"expiresIn,omitempty"`
}

// UserProfile is the provider-neutral view of an authenticated user.
type UserProfile struct {
	ID         string          `json:"id"`
	Username   string          `json:"username"`
	Name       string          `json:"name"`
	Email      string          `json:"email,omitempty"`
	AvatarURL  string          `json:"avatarUrl,omitempty"`
	ProfileURL string          `json:"profileUrl,omitempty"`
	Provider   string          `json:"provider"`
	Raw        json.RawMessage `json:"-"`
}

// RepoSummary normalizes repository listings across hosts.
type RepoSummary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	FullName      string    `json:"fullName"`
	Owner         string    `json:"owner"`
	Description   string    `json:"description,omitempty"`
	Private       bool      `json:"private"`
	DefaultBranch string    `json:"defaultBranch"`
	URL           string    `json:"url,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// RepoSpec describes a repository to create.
type RepoSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Private     bool   `json:"private"`
	AutoInit    bool   `json:"autoInit"`
}

// ListOptions paginates repository listings.
type ListOptions struct {
	Page    int
	PerPage int
}

// FileRef addresses a file in a remote repository.
type FileRef struct {
	Owner string
	Repo  string
	Path  string
	Ref   string
}

// FileContent is a fetched or freshly written remote file. SHA is the
// host's optimistic-concurrency handle where the host provides one.
type FileContent struct {
	Path    string
	SHA     string
	Content []byte
	Size    int
}

// FileUpdate writes content to a remote repository path. SHA must carry the
// previously observed handle when replacing an existing file on hosts that
// enforce optimistic concurrency.
type FileUpdate struct {
	Owner   string
	Repo    string
	Path    string
	Branch  string
	Message string
	Content []byte
	SHA     string
}

// Branch is one repository branch head.
type Branch struct {
	Name   string `json:"name"`
	Commit string `json:"commit"`
}

// TokenExchangeError reports a failed authorization-code exchange.
type TokenExchangeError struct {
	Status          int
	ProviderMessage string
}

func (e *TokenExchangeError) Error() string {
	if e.ProviderMessage != "" {
		return fmt.Sprintf("token exchange failed (%d): %s", e.Status, e.ProviderMessage)
	}
	return fmt.Sprintf("token exchange failed (%d)", e.Status)
}

// UserInfoFetchError reports a failed user-profile fetch after authentication.
type UserInfoFetchError struct {
	Provider string
	Err      error
}

func (e *UserInfoFetchError) Error() string {
	return fmt.Sprintf("fetching %s user info: %v", e.Provider, e.Err)
}

func (e *UserInfoFetchError) Unwrap() error {
	return e.Err
}
