package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marksync/internal/provider"
)

const (
	githubDeviceCodeURL  = "https://github.com/login/device/code"
	githubDeviceTokenURL = "https://github.com/login/oauth/access_token"

	defaultPollInterval = 5 * time.Second
)

// DeviceAuthorization is one started device flow: the code the user types
// plus the polling parameters the provider dictated.
type DeviceAuthorization struct {
	Provider        string    `json:"provider"`
	DeviceCode      string    `json:"-"`
	UserCode        string    `json:"userCode"`
	VerificationURI string    `json:"verificationUri"`
	ExpiresAt       time.Time `json:"expiresAt"`
	Interval        time.Duration
}

// DeviceFlow implements the OAuth device grant for hosts that support it
// (GitHub). It is the fallback when no browser can reach the loopback
// callback server.
type DeviceFlow struct {
	session *Session
	client  *http.Client

	overrideCodeURL  string
	overrideTokenURL string
}

func NewDeviceFlow(session *Session) *DeviceFlow {
	return &DeviceFlow{
		session: session,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Start requests a device/user code pair. Only GitHub is supported.
func (d *DeviceFlow) Start(ctx context.Context, providerName string) (*DeviceAuthorization, error) {
	if providerName != "github" {
		return nil, &ConfigurationError{Provider: providerName, Reason: "device flow not supported"}
	}

	d.session.mu.Lock()
	cfg, ok := d.session.configs[providerName]
	d.session.mu.Unlock()
	if !ok || !cfg.IsConfigured() {
		return nil, &ConfigurationError{Provider: providerName, Reason: "missing client id"}
	}

	form := url.Values{}
	form.Set("client_id", cfg.ClientID)
	if len(cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(cfg.Scopes, " "))
	}

	body, err := d.postForm(ctx, d.codeURL(), form)
	if err != nil {
		return nil, err
	}

	var payload struct {
		DeviceCode      string `json:"device_code"`
		UserCode        string `json:"user_code"`
		VerificationURI string `json:"verification_uri"`
		ExpiresIn       int    `json:"expires_in"`
		Interval        int    `json:"interval"`
		Error           string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse device code response: %w", err)
	}
	if payload.Error != "" || payload.DeviceCode == "" {
		return nil, fmt.Errorf("device code request rejected: %s", payload.Error)
	}

	interval := time.Duration(payload.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}

	auth := &DeviceAuthorization{
		Provider:        providerName,
		DeviceCode:      payload.DeviceCode,
		UserCode:        payload.UserCode,
		VerificationURI: payload.VerificationURI,
		ExpiresAt:       d.session.now().Add(time.Duration(payload.ExpiresIn) * time.Second),
		Interval:        interval,
	}

	log.Printf("[AUTH] Device flow started: enter %s at %s", auth.UserCode, auth.VerificationURI)
	return auth, nil
}

// Wait polls the token endpoint until the user approves, the code expires
// or the context is cancelled. On approval the identity is sealed and
// observers fire exactly as in the callback flow.
func (d *DeviceFlow) Wait(ctx context.Context, auth *DeviceAuthorization) (*Identity, error) {
	d.session.mu.Lock()
	cfg := d.session.configs[auth.Provider]
	adapter := d.session.adapters[auth.Provider]
	d.session.mu.Unlock()
	if adapter == nil {
		return nil, &ConfigurationError{Provider: auth.Provider, Reason: "unknown provider"}
	}

	interval := auth.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	for {
		if d.session.now().After(auth.ExpiresAt) {
			return nil, &SessionExpiredError{Provider: auth.Provider}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		form := url.Values{}
		form.Set("client_id", cfg.ClientID)
		form.Set("device_code", auth.DeviceCode)
		form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")

		body, err := d.postForm(ctx, d.tokenURL(), form)
		if err != nil {
			return nil, err
		}

		var payload struct {
			AccessToken string `json:"access_token"`
			TokenType   string `json:"token_type"`
			Scope       string `json:"scope"`
			Error       string `json:"error"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("failed to parse device token response: %w", err)
		}

		switch payload.Error {
		case "":
			if payload.AccessToken == "" {
				return nil, fmt.Errorf("device token response carried no access token")
			}
			return d.finish(ctx, adapter, auth.Provider, &provider.Token{
				AccessToken: payload.AccessToken,
				TokenType:   payload.TokenType,
				Scope:       payload.Scope,
			})
		case "authorization_pending":
			continue
		case "slow_down":
			interval += 5 * time.Second
			continue
		case "expired_token":
			return nil, &SessionExpiredError{Provider: auth.Provider}
		case "access_denied":
			return nil, &ProviderDeniedError{Provider: auth.Provider, Code: payload.Error}
		default:
			return nil, fmt.Errorf("device flow failed: %s", payload.Error)
		}
	}
}

func (d *DeviceFlow) finish(ctx context.Context, adapter provider.Adapter, providerName string, token *provider.Token) (*Identity, error) {
	user, err := adapter.FetchUser(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}

	identity := &Identity{
		Provider:        providerName,
		Token:           token,
		User:            user,
		AuthenticatedAt: d.session.now(),
	}
	if err := d.session.setIdentity(identity); err != nil {
		return nil, err
	}

	log.Printf("[AUTH] Device flow authenticated as %s", user.Username)
	return identity, nil
}

func (d *DeviceFlow) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device flow request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (d *DeviceFlow) codeURL() string {
	if d.overrideCodeURL != "" {
		return d.overrideCodeURL
	}
	return githubDeviceCodeURL
}

func (d *DeviceFlow) tokenURL() string {
	if d.overrideTokenURL != "" {
		return d.overrideTokenURL
	}
	return githubDeviceTokenURL
}
