// Package sync derives per-document sync status and reconciles local
// documents against the configured remote repository.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	stdsync "sync"
	"time"

	"marksync/internal/apierr"
	"marksync/internal/auth"
	"marksync/internal/ident"
	"marksync/internal/provider"
	"marksync/internal/store"
)

// RepoTarget is the repository documents are pushed to and pulled from.
type RepoTarget struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

var ErrNotConfigured = errors.New("sync is not configured")

const repoTargetBlob = "sync_repo_target"

// Coordinator owns sync state: the target repository, the per-document
// conflict set and the registered display surfaces. Push and pull run
// one document at a time; status derivation is cheap and lock-guarded.
type Coordinator struct {
	mu      stdsync.Mutex
	session *auth.Session
	store   *store.Service

	target    *RepoTarget
	conflicts map[string]bool

	surfaces    map[int]Surface
	nextSurface int

	now func() time.Time
}

func NewCoordinator(session *auth.Session, st *store.Service) *Coordinator {
	return &Coordinator{
		session:   session,
		store:     st,
		conflicts: make(map[string]bool),
		surfaces:  make(map[int]Surface),
		now:       time.Now,
	}
}

// SetRepository selects the sync target and persists it.
func (c *Coordinator) SetRepository(target RepoTarget) error {
	if target.Owner == "" || target.Repo == "" {
		return fmt.Errorf("repository target requires owner and repo")
	}
	if target.Branch == "" {
		target.Branch = "main"
	}

	c.mu.Lock()
	c.target = &target
	c.mu.Unlock()

	raw, _ := json.Marshal(target)
	if err := c.store.PutBlob(repoTargetBlob, raw); err != nil {
		return fmt.Errorf("failed to persist repository target: %w", err)
	}

	log.Printf("[SYNC] Repository set to %s/%s@%s", target.Owner, target.Repo, target.Branch)
	return nil
}

// Repository returns the current target, or nil.
func (c *Coordinator) Repository() *RepoTarget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// ClearRepository drops the sync target.
func (c *Coordinator) ClearRepository() error {
	c.mu.Lock()
	c.target = nil
	c.conflicts = make(map[string]bool)
	c.mu.Unlock()
	return c.store.DeleteBlob(repoTargetBlob)
}

// Enabled reports whether both an identity and a target repository exist.
func (c *Coordinator) Enabled() bool {
	c.mu.Lock()
	target := c.target
	c.mu.Unlock()
	return target != nil && c.session.CurrentIdentity() != nil
}

// StatusFor classifies one document for display.
func (c *Coordinator) StatusFor(doc *store.Document) Status {
	c.mu.Lock()
	conflicted := c.conflicts[doc.ID]
	c.mu.Unlock()
	return deriveStatus(doc, c.Enabled(), conflicted)
}

// StatusInfoFor classifies one document and expands the class into its
// icon and tooltip.
func (c *Coordinator) StatusInfoFor(doc *store.Document) StatusInfo {
	return c.StatusFor(doc).Info()
}

// HasConflict reports whether the document is in the conflict set.
func (c *Coordinator) HasConflict(docID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conflicts[docID]
}

// RegisterSurface adds a status display surface. The returned id removes it.
func (c *Coordinator) RegisterSurface(s Surface) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSurface++
	c.surfaces[c.nextSurface] = s
	return c.nextSurface
}

// UnregisterSurface removes a previously registered surface.
func (c *Coordinator) UnregisterSurface(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.surfaces, id)
}

// NotifyAll recomputes the document's status once and delivers the same
// document instance to every registered surface.
func (c *Coordinator) NotifyAll(doc *store.Document) {
	status := c.StatusFor(doc)

	c.mu.Lock()
	surfaces := make([]Surface, 0, len(c.surfaces))
	for _, s := range c.surfaces {
		surfaces = append(surfaces, s)
	}
	c.mu.Unlock()

	for _, s := range surfaces {
		s.SyncStatusChanged(doc, status)
	}
}

// Push writes one document to the remote repository. A remote rejection on
// the stored content handle marks the document conflicted; an auth
// rejection tears the session down.
func (c *Coordinator) Push(ctx context.Context, docID string) error {
	adapter, token, target, err := c.operationContext()
	if err != nil {
		return err
	}

	doc, err := c.store.GetDocument(docID)
	if err != nil {
		return err
	}

	if doc.RemotePath == "" {
		doc.RemotePath = ident.GenerateFilename(doc.Title)
	}

	result, err := adapter.UpdateFile(ctx, token, provider.FileUpdate{
		Owner:   target.Owner,
		Repo:    target.Repo,
		Path:    doc.RemotePath,
		Branch:  target.Branch,
		Message: fmt.Sprintf("Update %s", doc.Title),
		Content: []byte(doc.Content),
		SHA:     doc.RemoteSHA,
	})
	if err != nil {
		return c.handleSyncError(doc, err)
	}

	now := c.now()
	doc.RemoteSHA = result.SHA
	doc.LastSyncedAt = &now
	doc.Checksum = ident.GenerateChecksum(doc.Content)
	if err := c.store.SaveDocument(doc); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.conflicts, doc.ID)
	c.mu.Unlock()

	log.Printf("[SYNC] Pushed %s to %s", doc.ID, doc.RemotePath)
	c.NotifyAll(doc)
	return nil
}

// Pull replaces one document's content with the remote version.
func (c *Coordinator) Pull(ctx context.Context, docID string) error {
	adapter, token, target, err := c.operationContext()
	if err != nil {
		return err
	}

	doc, err := c.store.GetDocument(docID)
	if err != nil {
		return err
	}
	if doc.RemotePath == "" {
		return fmt.Errorf("document %s has no remote path", docID)
	}

	remote, err := adapter.GetFileContent(ctx, token, provider.FileRef{
		Owner: target.Owner,
		Repo:  target.Repo,
		Path:  doc.RemotePath,
		Ref:   target.Branch,
	})
	if err != nil {
		return c.handleSyncError(doc, err)
	}

	now := c.now()
	doc.Content = string(remote.Content)
	doc.RemoteSHA = remote.SHA
	doc.LastSyncedAt = &now
	doc.LastModifiedAt = now
	doc.Checksum = ident.GenerateChecksum(doc.Content)
	if err := c.store.SaveDocument(doc); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.conflicts, doc.ID)
	c.mu.Unlock()

	log.Printf("[SYNC] Pulled %s from %s", doc.ID, doc.RemotePath)
	c.NotifyAll(doc)
	return nil
}

// ResolveConflict settles a conflicted document. keepLocal refetches the
// remote handle and republishes the local content; otherwise the remote
// version wins.
func (c *Coordinator) ResolveConflict(ctx context.Context, docID string, keepLocal bool) error {
	if !keepLocal {
		return c.Pull(ctx, docID)
	}

	adapter, token, target, err := c.operationContext()
	if err != nil {
		return err
	}
	doc, err := c.store.GetDocument(docID)
	if err != nil {
		return err
	}

	// Adopt the current remote handle so the republish is not rejected
	// again.
	remote, err := adapter.GetFileContent(ctx, token, provider.FileRef{
		Owner: target.Owner,
		Repo:  target.Repo,
		Path:  doc.RemotePath,
		Ref:   target.Branch,
	})
	if err != nil {
		return c.handleSyncError(doc, err)
	}

	doc.RemoteSHA = remote.SHA
	if err := c.store.SaveDocument(doc); err != nil {
		return err
	}
	return c.Push(ctx, docID)
}

// SyncAll pushes every out-of-sync document. Conflicted documents are
// skipped; they need explicit resolution.
func (c *Coordinator) SyncAll(ctx context.Context) error {
	if !c.Enabled() {
		return ErrNotConfigured
	}

	docs, err := c.store.GetAllDocuments()
	if err != nil {
		return err
	}

	for i := range docs {
		doc := &docs[i]
		switch c.StatusFor(doc) {
		case StatusOutOfSync, StatusLocalOnly:
			if err := c.Push(ctx, doc.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadPersisted restores the repository target from a previous run.
func (c *Coordinator) LoadPersisted() error {
	raw, err := c.store.GetBlob(repoTargetBlob)
	if err != nil {
		if errors.Is(err, store.ErrBlobNotFound) {
			return nil
		}
		return err
	}

	var target RepoTarget
	if err := json.Unmarshal(raw, &target); err != nil || target.Owner == "" || target.Repo == "" {
		c.store.DeleteBlob(repoTargetBlob)
		return nil
	}

	c.mu.Lock()
	c.target = &target
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) operationContext() (provider.Adapter, string, RepoTarget, error) {
	c.mu.Lock()
	target := c.target
	c.mu.Unlock()

	identity := c.session.CurrentIdentity()
	if target == nil || identity == nil {
		return nil, "", RepoTarget{}, ErrNotConfigured
	}

	adapter := c.session.AdapterFor(identity.Provider)
	if adapter == nil {
		return nil, "", RepoTarget{}, fmt.Errorf("no adapter for provider %s", identity.Provider)
	}
	return adapter, identity.Token.AccessToken, *target, nil
}

// handleSyncError folds a failed remote operation into coordinator state:
// conflicts enter the conflict set, auth rejections end the session.
func (c *Coordinator) handleSyncError(doc *store.Document, err error) error {
	var classified *apierr.ClassifiedError
	if errors.As(err, &classified) {
		if classified.IsConflict {
			c.mu.Lock()
			c.conflicts[doc.ID] = true
			c.mu.Unlock()
			log.Printf("[SYNC] Conflict on %s", doc.ID)
			c.NotifyAll(doc)
			return err
		}
		if classified.RequiresAuth {
			log.Println("[SYNC] Remote rejected credentials, logging out")
			c.session.Logout()
			return err
		}
	}
	return err
}
