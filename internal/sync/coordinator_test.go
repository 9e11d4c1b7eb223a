package sync

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"marksync/internal/apierr"
	"marksync/internal/auth"
	"marksync/internal/ident"
	"marksync/internal/provider"
	"marksync/internal/store"
	"marksync/internal/vault"
)

type fakeAdapter struct {
	lastState string
	updateFn  func(provider.FileUpdate) (*provider.FileContent, error)
	getFn     func(provider.FileRef) (*provider.FileContent, error)
}

func (a *fakeAdapter) Name() string { return "github" }

func (a *fakeAdapter) AuthorizationURL(cfg provider.Config, codeChallenge, state string) (string, error) {
	a.lastState = state
	return "https://git.example.test/authorize?state=" + state, nil
}

func (a *fakeAdapter) ExchangeCode(ctx context.Context, cfg provider.Config, code, codeVerifier string) (*provider.Token, error) {
	return &provider.Token{AccessToken: "tok-1", TokenType: "bearer"}, nil
}

func (a *fakeAdapter) FetchUser(ctx context.Context, accessToken string) (*provider.UserProfile, error) {
	return &provider.UserProfile{ID: "1", Username: "alice", Provider: "github"}, nil
}

func (a *fakeAdapter) ListRepositories(ctx context.Context, accessToken string, opts provider.ListOptions) ([]provider.RepoSummary, error) {
	return nil, nil
}

func (a *fakeAdapter) CreateRepository(ctx context.Context, accessToken string, spec provider.RepoSpec) (*provider.RepoSummary, error) {
	return nil, nil
}

func (a *fakeAdapter) GetFileContent(ctx context.Context, accessToken string, ref provider.FileRef) (*provider.FileContent, error) {
	if a.getFn != nil {
		return a.getFn(ref)
	}
	return &provider.FileContent{Path: ref.Path, SHA: "remote-sha", Content: []byte("remote content")}, nil
}

func (a *fakeAdapter) UpdateFile(ctx context.Context, accessToken string, update provider.FileUpdate) (*provider.FileContent, error) {
	if a.updateFn != nil {
		return a.updateFn(update)
	}
	return &provider.FileContent{Path: update.Path, SHA: "pushed-sha"}, nil
}

func (a *fakeAdapter) ListBranches(ctx context.Context, accessToken, owner, repo string) ([]provider.Branch, error) {
	return nil, nil
}

type recordingSurface struct {
	docs     []*store.Document
	statuses []Status
}

func (r *recordingSurface) SyncStatusChanged(doc *store.Document, status Status) {
	r.docs = append(r.docs, doc)
	r.statuses = append(r.statuses, status)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeAdapter, *auth.Session, *store.Service) {
	t.Helper()
	keyring.MockInit()

	st, err := store.NewServiceAt(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	session := auth.NewSession(vault.New("test.sync." + strings.ReplaceAll(t.Name(), "/", ".")))
	adapter := &fakeAdapter{}
	session.RegisterProvider("github", adapter, provider.Config{ClientID: "client-1"})

	if _, err := session.Login("github"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	params := url.Values{}
	params.Set("state", adapter.lastState)
	params.Set("code", "C1")
	if _, err := session.HandleCallback(context.Background(), params); err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}

	c := NewCoordinator(session, st)
	if err := c.SetRepository(RepoTarget{Owner: "alice", Repo: "notes"}); err != nil {
		t.Fatalf("SetRepository failed: %v", err)
	}
	return c, adapter, session, st
}

func saveDoc(t *testing.T, st *store.Service, doc *store.Document) *store.Document {
	t.Helper()
	if err := st.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}
	return doc
}

func TestStatusTruncatesToWholeSeconds(t *testing.T) {
	syncedAt := time.Date(2026, 3, 14, 10, 30, 5, 0, time.UTC)

	cases := []struct {
		name     string
		modified time.Time
		want     Status
	}{
		{"modified before sync", syncedAt.Add(-time.Minute), StatusSynced},
		{"modified same instant", syncedAt, StatusSynced},
		{"modified 500ms later, same second", syncedAt.Add(500 * time.Millisecond), StatusSynced},
		{"modified 1500ms later, next second", syncedAt.Add(1500 * time.Millisecond), StatusOutOfSync},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := &store.Document{
				ID:             ident.GenerateGUID(),
				Title:          "Doc",
				RemotePath:     "doc.md",
				LastSyncedAt:   &syncedAt,
				LastModifiedAt: tc.modified,
			}
			if got := deriveStatus(doc, true, false); got != tc.want {
				t.Errorf("status = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStatusClasses(t *testing.T) {
	now := time.Now()
	doc := &store.Document{
		ID:             ident.GenerateGUID(),
		Title:          "Doc",
		LastModifiedAt: now,
	}

	if got := deriveStatus(doc, false, false); got != StatusNoSync {
		t.Errorf("disabled status = %q", got)
	}
	if got := deriveStatus(doc, true, false); got != StatusLocalOnly {
		t.Errorf("no remote path status = %q", got)
	}

	doc.RemotePath = "doc.md"
	if got := deriveStatus(doc, true, false); got != StatusSynced {
		t.Errorf("never-synced status = %q, want optimistic synced", got)
	}
	if got := deriveStatus(doc, true, true); got != StatusConflict {
		t.Errorf("conflicted status = %q", got)
	}
}

func TestStatusForRespectsSessionState(t *testing.T) {
	c, _, session, st := newTestCoordinator(t)

	doc := saveDoc(t, st, &store.Document{
		ID:             ident.GenerateGUID(),
		Title:          "Doc",
		RemotePath:     "doc.md",
		LastModifiedAt: time.Now(),
	})

	if got := c.StatusFor(doc); got != StatusSynced {
		t.Errorf("status = %q", got)
	}

	session.Logout()
	if got := c.StatusFor(doc); got != StatusNoSync {
		t.Errorf("status after logout = %q, want no-sync", got)
	}
}

func TestPushUpdatesDocument(t *testing.T) {
	c, adapter, _, st := newTestCoordinator(t)

	var pushed provider.FileUpdate
	adapter.updateFn = func(u provider.FileUpdate) (*provider.FileContent, error) {
		pushed = u
		return &provider.FileContent{Path: u.Path, SHA: "pushed-sha"}, nil
	}

	doc := saveDoc(t, st, &store.Document{
		ID:             ident.GenerateGUID(),
		Title:          "Trip Notes",
		Content:        "# Trip",
		LastModifiedAt: time.Now(),
	})

	if err := c.Push(context.Background(), doc.ID); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if pushed.Owner != "alice" || pushed.Repo != "notes" || pushed.Branch != "main" {
		t.Errorf("pushed to %s/%s@%s", pushed.Owner, pushed.Repo, pushed.Branch)
	}
	if pushed.Path == "" || !strings.HasSuffix(pushed.Path, ".md") {
		t.Errorf("remote path = %q", pushed.Path)
	}

	stored, err := st.GetDocument(doc.ID)
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if stored.RemoteSHA != "pushed-sha" || stored.LastSyncedAt == nil {
		t.Errorf("stored = %+v", stored)
	}
	if got := c.StatusFor(stored); got != StatusSynced {
		t.Errorf("status after push = %q", got)
	}
}

func TestPushConflictEntersConflictSet(t *testing.T) {
	c, adapter, _, st := newTestCoordinator(t)

	adapter.updateFn = func(provider.FileUpdate) (*provider.FileContent, error) {
		return nil, &apierr.ClassifiedError{Type: apierr.TypeConflict, Status: 409, IsConflict: true}
	}

	doc := saveDoc(t, st, &store.Document{
		ID:             ident.GenerateGUID(),
		Title:          "Contested",
		RemotePath:     "contested.md",
		RemoteSHA:      "stale",
		LastModifiedAt: time.Now(),
	})

	surface := &recordingSurface{}
	c.RegisterSurface(surface)

	if err := c.Push(context.Background(), doc.ID); err == nil {
		t.Fatal("expected conflict error")
	}
	if !c.HasConflict(doc.ID) {
		t.Error("document not in conflict set")
	}
	if got := c.StatusFor(doc); got != StatusConflict {
		t.Errorf("status = %q", got)
	}
	if len(surface.statuses) != 1 || surface.statuses[0] != StatusConflict {
		t.Errorf("surface notifications = %v", surface.statuses)
	}
}

func TestPushAuthRejectionEndsSession(t *testing.T) {
	c, adapter, session, st := newTestCoordinator(t)

	adapter.updateFn = func(provider.FileUpdate) (*provider.FileContent, error) {
		return nil, &apierr.ClassifiedError{Type: apierr.TypeUnauthorized, Status: 401, RequiresAuth: true}
	}

	doc := saveDoc(t, st, &store.Document{
		ID:             ident.GenerateGUID(),
		Title:          "Doc",
		RemotePath:     "doc.md",
		LastModifiedAt: time.Now(),
	})

	if err := c.Push(context.Background(), doc.ID); err == nil {
		t.Fatal("expected auth error")
	}
	if session.CurrentIdentity() != nil {
		t.Error("session survived a 401")
	}
}

func TestPullReplacesContent(t *testing.T) {
	c, adapter, _, st := newTestCoordinator(t)

	adapter.getFn = func(ref provider.FileRef) (*provider.FileContent, error) {
		return &provider.FileContent{Path: ref.Path, SHA: "remote-sha", Content: []byte("remote wins")}, nil
	}

	doc := saveDoc(t, st, &store.Document{
		ID:             ident.GenerateGUID(),
		Title:          "Doc",
		Content:        "local text",
		RemotePath:     "doc.md",
		LastModifiedAt: time.Now(),
	})

	if err := c.Pull(context.Background(), doc.ID); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	stored, _ := st.GetDocument(doc.ID)
	if stored.Content != "remote wins" || stored.RemoteSHA != "remote-sha" {
		t.Errorf("stored = %+v", stored)
	}
	if stored.Checksum != ident.GenerateChecksum("remote wins") {
		t.Errorf("checksum = %q", stored.Checksum)
	}
}

func TestResolveConflictKeepLocal(t *testing.T) {
	c, adapter, _, st := newTestCoordinator(t)

	var pushedSHA string
	adapter.getFn = func(ref provider.FileRef) (*provider.FileContent, error) {
		return &provider.FileContent{Path: ref.Path, SHA: "fresh-remote-sha", Content: []byte("their version")}, nil
	}
	adapter.updateFn = func(u provider.FileUpdate) (*provider.FileContent, error) {
		pushedSHA = u.SHA
		return &provider.FileContent{Path: u.Path, SHA: "republished-sha"}, nil
	}

	doc := saveDoc(t, st, &store.Document{
		ID:             ident.GenerateGUID(),
		Title:          "Contested",
		Content:        "my version",
		RemotePath:     "contested.md",
		RemoteSHA:      "stale",
		LastModifiedAt: time.Now(),
	})

	// Seed the conflict as a rejected push would.
	c.mu.Lock()
	c.conflicts[doc.ID] = true
	c.mu.Unlock()

	if err := c.ResolveConflict(context.Background(), doc.ID, true); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if pushedSHA != "fresh-remote-sha" {
		t.Errorf("republished with sha %q, want the refetched handle", pushedSHA)
	}

	stored, _ := st.GetDocument(doc.ID)
	if stored.Content != "my version" || stored.RemoteSHA != "republished-sha" {
		t.Errorf("stored = %+v", stored)
	}
	if c.HasConflict(doc.ID) {
		t.Error("conflict not cleared")
	}
}

func TestResolveConflictKeepRemote(t *testing.T) {
	c, _, _, st := newTestCoordinator(t)

	doc := saveDoc(t, st, &store.Document{
		ID:             ident.GenerateGUID(),
		Title:          "Contested",
		Content:        "my version",
		RemotePath:     "contested.md",
		LastModifiedAt: time.Now(),
	})

	c.mu.Lock()
	c.conflicts[doc.ID] = true
	c.mu.Unlock()

	if err := c.ResolveConflict(context.Background(), doc.ID, false); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}

	stored, _ := st.GetDocument(doc.ID)
	if stored.Content != "remote content" {
		t.Errorf("content = %q", stored.Content)
	}
	if c.HasConflict(doc.ID) {
		t.Error("conflict not cleared")
	}
}

func TestNotifyAllSharesOneInstance(t *testing.T) {
	c, _, _, st := newTestCoordinator(t)

	doc := saveDoc(t, st, &store.Document{
		ID:             ident.GenerateGUID(),
		Title:          "Shared",
		RemotePath:     "shared.md",
		LastModifiedAt: time.Now(),
	})

	first := &recordingSurface{}
	second := &recordingSurface{}
	c.RegisterSurface(first)
	id := c.RegisterSurface(second)

	c.NotifyAll(doc)

	if len(first.docs) != 1 || len(second.docs) != 1 {
		t.Fatalf("notifications: first=%d second=%d", len(first.docs), len(second.docs))
	}
	if first.docs[0] != second.docs[0] || first.docs[0] != doc {
		t.Error("surfaces received different document instances")
	}
	if first.statuses[0] != second.statuses[0] {
		t.Error("surfaces received different statuses")
	}

	c.UnregisterSurface(id)
	c.NotifyAll(doc)
	if len(second.docs) != 1 {
		t.Error("unregistered surface still notified")
	}
}

func TestSyncAllSkipsConflicted(t *testing.T) {
	c, adapter, _, st := newTestCoordinator(t)

	var pushedPaths []string
	adapter.updateFn = func(u provider.FileUpdate) (*provider.FileContent, error) {
		pushedPaths = append(pushedPaths, u.Path)
		return &provider.FileContent{Path: u.Path, SHA: "sha"}, nil
	}

	syncedAt := time.Now().Add(-time.Hour)
	saveDoc(t, st, &store.Document{
		ID:             ident.GenerateGUID(),
		Title:          "Stale",
		RemotePath:     "stale.md",
		LastSyncedAt:   &syncedAt,
		LastModifiedAt: time.Now(),
	})
	conflicted := saveDoc(t, st, &store.Document{
		ID:             ident.GenerateGUID(),
		Title:          "Conflicted",
		RemotePath:     "conflicted.md",
		LastSyncedAt:   &syncedAt,
		LastModifiedAt: time.Now(),
	})

	c.mu.Lock()
	c.conflicts[conflicted.ID] = true
	c.mu.Unlock()

	if err := c.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if len(pushedPaths) != 1 || pushedPaths[0] != "stale.md" {
		t.Errorf("pushed = %v", pushedPaths)
	}
}

func TestRepositoryTargetPersistence(t *testing.T) {
	c, _, session, st := newTestCoordinator(t)

	if err := c.SetRepository(RepoTarget{Owner: "alice", Repo: "journal", Branch: "drafts"}); err != nil {
		t.Fatalf("SetRepository failed: %v", err)
	}

	restored := NewCoordinator(session, st)
	if err := restored.LoadPersisted(); err != nil {
		t.Fatalf("LoadPersisted failed: %v", err)
	}
	target := restored.Repository()
	if target == nil || target.Repo != "journal" || target.Branch != "drafts" {
		t.Errorf("target = %+v", target)
	}
}

func TestStatusInfoExpandsClass(t *testing.T) {
	cases := []struct {
		status Status
		icon   string
	}{
		{StatusNoSync, "cloud-disabled"},
		{StatusLocalOnly, "cloud-off"},
		{StatusSynced, "cloud-done"},
		{StatusOutOfSync, "cloud-upload"},
		{StatusConflict, "cloud-alert"},
	}
	for _, tc := range cases {
		info := tc.status.Info()
		if info.Class != tc.status {
			t.Errorf("%s: class = %s", tc.status, info.Class)
		}
		if info.Icon != tc.icon {
			t.Errorf("%s: icon = %s", tc.status, info.Icon)
		}
		if info.Tooltip == "" {
			t.Errorf("%s: empty tooltip", tc.status)
		}
	}
}

func TestStatusInfoForMatchesStatusFor(t *testing.T) {
	c, _, _, st := newTestCoordinator(t)
	doc := saveDoc(t, st, &store.Document{
		ID:             ident.GenerateGUID(),
		Title:          "Draft",
		LastModifiedAt: time.Now(),
	})

	info := c.StatusInfoFor(doc)
	if info.Class != c.StatusFor(doc) {
		t.Errorf("class = %s, status = %s", info.Class, c.StatusFor(doc))
	}
}
