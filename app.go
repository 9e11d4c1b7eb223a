package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"marksync/internal/auth"
	"marksync/internal/config"
	"marksync/internal/gateway"
	"marksync/internal/ident"
	"marksync/internal/migration"
	"marksync/internal/provider"
	"marksync/internal/store"
	syncpkg "marksync/internal/sync"
	"marksync/internal/vault"
	"marksync/internal/watcher"
)

// App wires every service together and exposes the operations an editor
// surface drives: login, repository selection, push/pull and migration.
type App struct {
	store       *store.Service
	vault       *vault.Vault
	session     *auth.Session
	callback    *auth.CallbackServer
	deviceFlow  *auth.DeviceFlow
	coordinator *syncpkg.Coordinator
	migration   *migration.Manager
	watcher     *watcher.Service
	gateway     *gateway.Gateway

	authObserver int
	syncSurface  int
}

func NewApp() *App {
	return &App{}
}

// Startup builds the service graph and restores persisted state.
func (a *App) Startup(ctx context.Context) error {
	if err := config.EnsureDataDirs(); err != nil {
		return fmt.Errorf("failed to prepare data directories: %w", err)
	}

	st, err := store.NewService()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st

	a.vault = vault.New(config.KeyringService)
	a.session = auth.NewSession(a.vault)
	a.registerProviders()

	a.callback = auth.NewCallbackServer(a.session)
	a.deviceFlow = auth.NewDeviceFlow(a.session)
	a.coordinator = syncpkg.NewCoordinator(a.session, a.store)
	a.migration = migration.NewManager(a.store)

	a.gateway = gateway.New()
	if err := a.gateway.Start(0); err != nil {
		return err
	}
	a.authObserver = a.session.OnAuthStateChanged(a.gateway.AuthStateChanged)
	a.syncSurface = a.coordinator.RegisterSurface(a.gateway)

	w, err := watcher.NewService()
	if err != nil {
		return fmt.Errorf("failed to create workspace watcher: %w", err)
	}
	a.watcher = w
	a.watcher.OnChange(a.handleWorkspaceChange)
	if err := a.watcher.Watch(config.WorkspaceDir()); err != nil {
		log.Printf("[APP] Workspace watch unavailable: %v", err)
	}

	if err := a.session.LoadPersisted(ctx); err != nil {
		log.Printf("[APP] Could not restore session: %v", err)
	}
	if err := a.coordinator.LoadPersisted(); err != nil {
		log.Printf("[APP] Could not restore sync target: %v", err)
	}

	log.Println("[APP] Startup complete")
	return nil
}

// handleWorkspaceChange reconciles an on-disk edit with the matching
// document record before broadcasting the event.
func (a *App) handleWorkspaceChange(ev watcher.FileEvent) {
	if ev.Op == "write" || ev.Op == "create" {
		a.bumpModified(ev)
	}
	a.gateway.WorkspaceFileChanged(ev)
}

// bumpModified stamps LastModifiedAt on the document whose exported
// filename matches the changed path, so its status flips to out-of-sync.
func (a *App) bumpModified(ev watcher.FileEvent) {
	name := filepath.Base(ev.Path)
	docs, err := a.store.GetAllDocuments()
	if err != nil {
		log.Printf("[APP] Workspace change lookup failed: %v", err)
		return
	}
	for i := range docs {
		doc := &docs[i]
		if filepath.Base(doc.RemotePath) != name && ident.GenerateFilename(doc.Title) != name {
			continue
		}
		doc.LastModifiedAt = ev.Timestamp
		if err := a.store.SaveDocument(doc); err != nil {
			log.Printf("[APP] Could not stamp %s after workspace edit: %v", doc.ID, err)
			return
		}
		a.coordinator.NotifyAll(doc)
		return
	}
}

// Shutdown tears the services down in reverse order.
func (a *App) Shutdown(ctx context.Context) {
	if a.coordinator != nil && a.gateway != nil {
		a.coordinator.UnregisterSurface(a.syncSurface)
	}
	if a.session != nil {
		a.session.OffAuthStateChanged(a.authObserver)
	}
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.callback != nil {
		a.callback.Stop()
	}
	if a.gateway != nil {
		a.gateway.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	log.Println("[APP] Shutdown complete")
}

func (a *App) registerProviders() {
	providers, err := config.LoadProviders()
	if err != nil {
		log.Printf("[APP] Provider configuration error: %v", err)
		return
	}

	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/callback", config.DefaultCallbackPort)

	a.session.RegisterProvider("github", provider.NewGitHub(nil), provider.Config{
		ClientID:     providers.GitHubClientID,
		ClientSecret: providers.GitHubClientSecret,
		RedirectURI:  redirectURI,
	})
	a.session.RegisterProvider("gitlab", provider.NewGitLab(nil), provider.Config{
		ClientID:     providers.GitLabClientID,
		ClientSecret: providers.GitLabClientSecret,
		RedirectURI:  redirectURI,
	})
	a.session.RegisterProvider("bitbucket", provider.NewBitbucket(nil), provider.Config{
		ClientID:     providers.BitbucketClientID,
		ClientSecret: providers.BitbucketClientSecret,
		RedirectURI:  redirectURI,
	})

	if providers.GenericClientID != "" && providers.GenericBaseURL != "" {
		cfg := provider.Config{
			ClientID:     providers.GenericClientID,
			ClientSecret: providers.GenericClientSecret,
			RedirectURI:  redirectURI,
			BaseURL:      providers.GenericBaseURL,
		}
		generic, err := provider.NewGenericGit(nil, cfg)
		if err != nil {
			log.Printf("[APP] Generic provider misconfigured: %v", err)
			return
		}
		a.session.RegisterProvider("generic", generic, cfg)
	}
}

// === Auth ===

// BeginLogin starts the browser flow and returns the URL to open.
func (a *App) BeginLogin(providerName string) (string, error) {
	if _, err := a.callback.Start(func(result *auth.AuthResult) {
		if !result.Success {
			log.Printf("[APP] Login failed: %s", result.Error)
		}
	}); err != nil {
		return "", err
	}
	return a.session.Login(providerName)
}

// BeginDeviceLogin starts the device flow and polls in the background.
func (a *App) BeginDeviceLogin(ctx context.Context, providerName string) (*auth.DeviceAuthorization, error) {
	deviceAuth, err := a.deviceFlow.Start(ctx, providerName)
	if err != nil {
		return nil, err
	}
	go func() {
		if _, err := a.deviceFlow.Wait(ctx, deviceAuth); err != nil {
			log.Printf("[APP] Device flow failed: %v", err)
		}
	}()
	return deviceAuth, nil
}

// Logout ends the current session.
func (a *App) Logout() error {
	return a.session.Logout()
}

// CurrentUser returns the authenticated identity, or nil.
func (a *App) CurrentUser() *auth.Identity {
	return a.session.CurrentIdentity()
}

// === Repositories ===

// ListRepositories lists repositories visible to the current identity.
func (a *App) ListRepositories(ctx context.Context, page int) ([]provider.RepoSummary, error) {
	identity := a.session.CurrentIdentity()
	if identity == nil {
		return nil, syncpkg.ErrNotConfigured
	}
	adapter := a.session.AdapterFor(identity.Provider)
	return adapter.ListRepositories(ctx, identity.Token.AccessToken, provider.ListOptions{Page: page})
}

// SelectRepository sets the sync target.
func (a *App) SelectRepository(owner, repo, branch string) error {
	return a.coordinator.SetRepository(syncpkg.RepoTarget{Owner: owner, Repo: repo, Branch: branch})
}

// CreateRepository creates a repository and selects it as the sync target.
func (a *App) CreateRepository(ctx context.Context, spec provider.RepoSpec) (*provider.RepoSummary, error) {
	identity := a.session.CurrentIdentity()
	if identity == nil {
		return nil, syncpkg.ErrNotConfigured
	}
	adapter := a.session.AdapterFor(identity.Provider)
	summary, err := adapter.CreateRepository(ctx, identity.Token.AccessToken, spec)
	if err != nil {
		return nil, err
	}
	if err := a.coordinator.SetRepository(syncpkg.RepoTarget{
		Owner:  summary.Owner,
		Repo:   summary.Name,
		Branch: summary.DefaultBranch,
	}); err != nil {
		return nil, err
	}
	return summary, nil
}

// === Sync ===

// PushDocument pushes one document to the remote.
func (a *App) PushDocument(ctx context.Context, docID string) error {
	return a.coordinator.Push(ctx, docID)
}

// PullDocument replaces one document with the remote version.
func (a *App) PullDocument(ctx context.Context, docID string) error {
	return a.coordinator.Pull(ctx, docID)
}

// SyncAll pushes every out-of-sync document.
func (a *App) SyncAll(ctx context.Context) error {
	return a.coordinator.SyncAll(ctx)
}

// ResolveConflict settles a conflicted document.
func (a *App) ResolveConflict(ctx context.Context, docID string, keepLocal bool) error {
	return a.coordinator.ResolveConflict(ctx, docID, keepLocal)
}

// DocumentStatus reports the sync class, icon and tooltip of one document.
func (a *App) DocumentStatus(docID string) (syncpkg.StatusInfo, error) {
	doc, err := a.store.GetDocument(docID)
	if err != nil {
		return syncpkg.StatusInfo{}, err
	}
	return a.coordinator.StatusInfoFor(doc), nil
}

// === Migration ===

// MigrateLegacyDocuments converts legacy-id documents to GUIDs.
func (a *App) MigrateLegacyDocuments(ctx context.Context, opts migration.Options) (migration.Progress, error) {
	return a.migration.MigrateAll(ctx, opts)
}

// ListBackups lists migration backups, newest first.
func (a *App) ListBackups() ([]migration.BackupInfo, error) {
	return a.migration.ListBackups()
}

// RestoreBackup restores the document set from a backup.
func (a *App) RestoreBackup(id string) error {
	return a.migration.RestoreFromBackup(id)
}
