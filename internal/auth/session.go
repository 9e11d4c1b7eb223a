package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"marksync/internal/provider"
	"marksync/internal/security"
	"marksync/internal/vault"
)

const (
	// Vault record holding the sealed identity.
	identityRecord = "auth_identity"

	// How long a started login waits for its callback.
	attemptTTL = 5 * time.Minute
)

// Session owns the OAuth state machine: it starts authorization attempts,
// validates callbacks, seals the resulting identity into the vault and
// fans out auth-state changes to observers. At most one attempt is pending
// at a time; a new Login discards the previous attempt and every callback,
// valid or not, consumes it.
type Session struct {
	mu        sync.Mutex
	vault     *vault.Vault
	adapters  map[string]provider.Adapter
	configs   map[string]provider.Config
	pending   *pendingAttempt
	identity  *Identity
	observers map[int]func(*Identity)
	nextObs   int
	sanitizer *security.LogSanitizer

	now func() time.Time
}

func NewSession(v *vault.Vault) *Session {
	return &Session{
		vault:     v,
		adapters:  make(map[string]provider.Adapter),
		configs:   make(map[string]provider.Config),
		observers: make(map[int]func(*Identity)),
		sanitizer: security.NewLogSanitizer(),
		now:       time.Now,
	}
}

// RegisterProvider makes a Git host available for login.
func (s *Session) RegisterProvider(name string, adapter provider.Adapter, cfg provider.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[name] = adapter
	s.configs[name] = cfg
}

// AdapterFor returns the registered adapter for a provider name, or nil.
func (s *Session) AdapterFor(name string) provider.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapters[name]
}

// Providers lists the registered provider names that are ready for login.
func (s *Session) Providers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.adapters))
	for name := range s.adapters {
		if s.configs[name].IsConfigured() {
			names = append(names, name)
		}
	}
	return names
}

// Login starts an authorization attempt and returns the browser URL. Any
// previously pending attempt is discarded; its callback can no longer
// complete.
func (s *Session) Login(providerName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	adapter, ok := s.adapters[providerName]
	if !ok {
		return "", &ConfigurationError{Provider: providerName, Reason: "unknown provider"}
	}
	cfg := s.configs[providerName]
	if !cfg.IsConfigured() {
		return "", &ConfigurationError{Provider: providerName, Reason: "missing client id"}
	}

	pkce, err := GeneratePKCE()
	if err != nil {
		return "", fmt.Errorf("failed to generate PKCE: %w", err)
	}

	authURL, err := adapter.AuthorizationURL(cfg, pkce.CodeChallenge, pkce.State)
	if err != nil {
		return "", err
	}

	started := s.now()
	s.pending = &pendingAttempt{
		provider:  providerName,
		pkce:      pkce,
		startedAt: started,
		expiresAt: started.Add(attemptTTL),
	}

	log.Printf("[AUTH] Started %s login attempt", providerName)
	return authURL, nil
}

// HandleCallback finishes the pending attempt with the provider's redirect
// parameters. The state parameter is validated before any network call.
// Whatever the outcome, the pending attempt is consumed so a replayed
// callback cannot complete later.
func (s *Session) HandleCallback(ctx context.Context, params url.Values) (*Identity, error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if errCode := params.Get("error"); errCode != "" {
		providerName := ""
		if pending != nil {
			providerName = pending.provider
		}
		return nil, &ProviderDeniedError{Provider: providerName, Code: errCode}
	}

	state := params.Get("state")
	code := params.Get("code")
	var missing []string
	if state == "" {
		missing = append(missing, "state")
	}
	if code == "" {
		missing = append(missing, "code")
	}
	if len(missing) > 0 {
		return nil, &MissingParametersError{Missing: missing}
	}

	if pending == nil {
		return nil, &SessionExpiredError{}
	}
	if state != pending.pkce.State {
		log.Printf("[AUTH] Rejected %s callback: state mismatch", pending.provider)
		return nil, &CsrfMismatchError{Provider: pending.provider}
	}
	if pending.expired(s.now()) {
		return nil, &SessionExpiredError{Provider: pending.provider}
	}

	s.mu.Lock()
	adapter := s.adapters[pending.provider]
	cfg := s.configs[pending.provider]
	s.mu.Unlock()

	token, err := adapter.ExchangeCode(ctx, cfg, code, pending.pkce.CodeVerifier)
	if err != nil {
		log.Printf("[AUTH] Token exchange failed: %s", s.sanitizer.Sanitize(err.Error()))
		return nil, err
	}

	user, err := adapter.FetchUser(ctx, token.AccessToken)
	if err != nil {
		log.Printf("[AUTH] User fetch failed: %s", s.sanitizer.Sanitize(err.Error()))
		return nil, err
	}

	identity := &Identity{
		Provider:        pending.provider,
		Token:           token,
		User:            user,
		AuthenticatedAt: s.now(),
	}
	if err := s.setIdentity(identity); err != nil {
		return nil, err
	}

	log.Printf("[AUTH] Authenticated as %s via %s", user.Username, pending.provider)
	return identity, nil
}

// Logout clears the current identity, its sealed record and any pending
// login attempt. A logout with no active identity discards the attempt
// but notifies nobody.
func (s *Session) Logout() error {
	s.mu.Lock()
	wasAuthenticated := s.identity != nil
	s.pending = nil
	s.mu.Unlock()
	if !wasAuthenticated {
		return nil
	}

	if err := s.setIdentity(nil); err != nil {
		return err
	}
	log.Println("[AUTH] Logged out")
	return nil
}

// CurrentIdentity returns the active identity, or nil when unauthenticated.
func (s *Session) CurrentIdentity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// AccessToken returns the active access token, or "" when unauthenticated.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil || s.identity.Token == nil {
		return ""
	}
	return s.identity.Token.AccessToken
}

// LoadPersisted restores a sealed identity from a previous run. The token
// is re-validated against the provider before the identity is adopted; any
// failure (missing key, tampered record, schema drift, expired or revoked
// token) clears the record and leaves the session unauthenticated.
func (s *Session) LoadPersisted(ctx context.Context) error {
	raw, err := s.vault.LoadRecord(identityRecord)
	if err != nil {
		if !errors.Is(err, vault.ErrNoRecord) {
			s.vault.DeleteRecord(identityRecord)
			log.Printf("[AUTH] Discarded unreadable identity record: %v", err)
		}
		return nil
	}

	var identity Identity
	if err := json.Unmarshal(raw, &identity); err != nil || identity.Provider == "" || identity.Token == nil || identity.User == nil {
		s.vault.DeleteRecord(identityRecord)
		log.Println("[AUTH] Discarded malformed identity record")
		return nil
	}

	adapter := s.AdapterFor(identity.Provider)
	if adapter == nil {
		s.vault.DeleteRecord(identityRecord)
		log.Printf("[AUTH] Discarded identity for unregistered provider %s", identity.Provider)
		return nil
	}

	if identity.Token.ExpiresIn > 0 {
		expiresAt := identity.AuthenticatedAt.Add(time.Duration(identity.Token.ExpiresIn) * time.Second)
		if s.now().After(expiresAt) {
			s.vault.DeleteRecord(identityRecord)
			log.Println("[AUTH] Discarded expired identity record")
			return nil
		}
	}

	user, err := adapter.FetchUser(ctx, identity.Token.AccessToken)
	if err != nil {
		s.vault.DeleteRecord(identityRecord)
		log.Printf("[AUTH] Persisted token rejected, starting signed out: %s", s.sanitizer.Sanitize(err.Error()))
		return nil
	}
	identity.User = user

	s.mu.Lock()
	s.identity = &identity
	s.mu.Unlock()
	s.notify(&identity)

	log.Printf("[AUTH] Restored %s session for %s", identity.Provider, identity.User.Username)
	return nil
}

// OnAuthStateChanged registers an observer called once per auth change with
// the new identity (nil on logout). The returned id unregisters it.
func (s *Session) OnAuthStateChanged(fn func(*Identity)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextObs++
	s.observers[s.nextObs] = fn
	return s.nextObs
}

// OffAuthStateChanged removes a previously registered observer.
func (s *Session) OffAuthStateChanged(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, id)
}

// setIdentity swaps the active identity, keeps the sealed record in step
// and notifies observers exactly once.
func (s *Session) setIdentity(identity *Identity) error {
	if identity != nil {
		raw, err := json.Marshal(identity)
		if err != nil {
			return fmt.Errorf("failed to serialize identity: %w", err)
		}
		if err := s.vault.StoreRecord(identityRecord, raw); err != nil {
			return fmt.Errorf("failed to seal identity: %w", err)
		}
	} else {
		s.vault.DeleteRecord(identityRecord)
	}

	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()

	s.notify(identity)
	return nil
}

func (s *Session) notify(identity *Identity) {
	s.mu.Lock()
	observers := make([]func(*Identity), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	// Called outside the lock so an observer can call back into the session.
	for _, fn := range observers {
		fn(identity)
	}
}
