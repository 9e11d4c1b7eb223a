package migration

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"marksync/internal/config"
	"marksync/internal/ident"
	"marksync/internal/store"
)

// Manager migrates documents that still carry legacy timestamp-based ids to
// GUIDs. A run is destructive only after the fact: each document is written
// under its new id first and the legacy row removed only once that write
// succeeded, and a full backup can be taken before anything moves.
type Manager struct {
	mu    sync.Mutex
	store *store.Service
	state State
	prog  Progress
}

// State is the lifecycle of one migration run.
type State string

const (
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateError     State = "error"
)

var ErrAlreadyInProgress = errors.New("migration already running")

const backupIndexKey = "migration_backups"

// Options tunes one migration run.
type Options struct {
	BackupFirst     bool
	ContinueOnError bool
	BatchSize       int
}

// Progress is a snapshot of the current or last run.
type Progress struct {
	Total    int      `json:"total"`
	Migrated int      `json:"migrated"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
	BackupID string   `json:"backupId,omitempty"`
}

// BackupInfo describes one stored backup.
type BackupInfo struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"createdAt"`
	DocumentCount int       `json:"documentCount"`
}

func NewManager(st *store.Service) *Manager {
	return &Manager{store: st, state: StateReady}
}

// Status returns the current lifecycle state.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastProgress returns a snapshot of the current or last run.
func (m *Manager) LastProgress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prog
}

// PendingCount reports how many documents still carry a legacy id.
func (m *Manager) PendingCount() (int, error) {
	docs, err := m.store.GetAllDocuments()
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range docs {
		if ident.IsOldUIDFormat(docs[i].ID) {
			n++
		}
	}
	return n, nil
}

// MigrateAll converts every legacy-id document to a GUID id. Running with
// nothing to migrate completes immediately. When ContinueOnError is off the
// first failure aborts the run in the error state.
func (m *Manager) MigrateAll(ctx context.Context, opts Options) (Progress, error) {
	m.mu.Lock()
	if m.state == StateRunning {
		m.mu.Unlock()
		return m.prog, ErrAlreadyInProgress
	}
	m.state = StateRunning
	m.prog = Progress{}
	m.mu.Unlock()

	prog, err := m.run(ctx, opts)

	m.mu.Lock()
	m.prog = prog
	if err != nil || prog.Failed > 0 && !opts.ContinueOnError {
		m.state = StateError
	} else {
		m.state = StateCompleted
	}
	m.mu.Unlock()

	return prog, err
}

func (m *Manager) run(ctx context.Context, opts Options) (Progress, error) {
	var prog Progress

	docs, err := m.store.GetAllDocuments()
	if err != nil {
		return prog, fmt.Errorf("failed to load documents: %w", err)
	}

	var legacy []store.Document
	for i := range docs {
		if ident.IsOldUIDFormat(docs[i].ID) {
			legacy = append(legacy, docs[i])
		}
	}
	prog.Total = len(legacy)
	if prog.Total == 0 {
		log.Println("[MIGRATION] Nothing to migrate")
		return prog, nil
	}

	if opts.BackupFirst {
		backup, err := m.CreateBackup()
		if err != nil {
			return prog, fmt.Errorf("failed to create backup: %w", err)
		}
		prog.BackupID = backup.ID
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = config.DefaultMigrationBatchSize
	}

	log.Printf("[MIGRATION] Migrating %d documents", prog.Total)
	for start := 0; start < len(legacy); start += batchSize {
		end := min(start+batchSize, len(legacy))
		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				return prog, err
			}

			if err := m.migrateOne(&legacy[i]); err != nil {
				prog.Failed++
				prog.Errors = append(prog.Errors, fmt.Sprintf("%s: %v", legacy[i].ID, err))
				if !opts.ContinueOnError {
					return prog, fmt.Errorf("migration of %s failed: %w", legacy[i].ID, err)
				}
				continue
			}
			prog.Migrated++
		}
	}

	log.Printf("[MIGRATION] Done: %d migrated, %d failed", prog.Migrated, prog.Failed)
	return prog, nil
}

// migrateOne writes the document under its new GUID and removes the legacy
// row only after the write succeeded.
func (m *Manager) migrateOne(legacy *store.Document) error {
	now := time.Now()

	migrated := *legacy
	migrated.ID = ident.MigrateUIDToGUID(legacy.ID)
	migrated.MigratedFrom = legacy.ID
	migrated.MigrationDate = &now
	migrated.CreatedAt = time.Time{}
	migrated.UpdatedAt = time.Time{}

	if err := m.store.SaveDocument(&migrated); err != nil {
		return err
	}
	return m.store.DeleteDocument(legacy.ID)
}

// === Backups ===

// CreateBackup snapshots every document into one blob record and registers
// it in the backup index.
func (m *Manager) CreateBackup() (*BackupInfo, error) {
	docs, err := m.store.GetAllDocuments()
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}

	raw, err := json.Marshal(docs)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize backup: %w", err)
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return nil, err
	}
	info := BackupInfo{
		ID:            fmt.Sprintf("backup_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(suffix)),
		CreatedAt:     time.Now(),
		DocumentCount: len(docs),
	}

	if err := m.store.PutBlob(info.ID, raw); err != nil {
		return nil, fmt.Errorf("failed to store backup: %w", err)
	}

	index, err := m.loadIndex()
	if err != nil {
		return nil, err
	}
	index = append(index, info)
	if err := m.saveIndex(index); err != nil {
		return nil, err
	}

	log.Printf("[MIGRATION] Backup %s created with %d documents", info.ID, info.DocumentCount)
	return &info, nil
}

// RestoreFromBackup replaces the entire document set with a backup's
// contents.
func (m *Manager) RestoreFromBackup(id string) error {
	raw, err := m.store.GetBlob(id)
	if err != nil {
		return fmt.Errorf("failed to load backup %s: %w", id, err)
	}

	var docs []store.Document
	if err := json.Unmarshal(raw, &docs); err != nil {
		return fmt.Errorf("failed to parse backup %s: %w", id, err)
	}

	if err := m.store.ReplaceAllDocuments(docs); err != nil {
		return fmt.Errorf("failed to restore backup %s: %w", id, err)
	}

	log.Printf("[MIGRATION] Restored %d documents from %s", len(docs), id)
	return nil
}

// ListBackups returns the registered backups, newest first.
func (m *Manager) ListBackups() ([]BackupInfo, error) {
	index, err := m.loadIndex()
	if err != nil {
		return nil, err
	}
	sort.Slice(index, func(i, j int) bool {
		return index[i].CreatedAt.After(index[j].CreatedAt)
	})
	return index, nil
}

// CleanupBackups deletes all but the newest keep backups. keep <= 0 uses
// the default retention.
func (m *Manager) CleanupBackups(keep int) error {
	if keep <= 0 {
		keep = config.DefaultBackupKeep
	}

	index, err := m.ListBackups()
	if err != nil {
		return err
	}
	if len(index) <= keep {
		return nil
	}

	for _, old := range index[keep:] {
		if err := m.store.DeleteBlob(old.ID); err != nil {
			return fmt.Errorf("failed to delete backup %s: %w", old.ID, err)
		}
	}
	return m.saveIndex(index[:keep])
}

func (m *Manager) loadIndex() ([]BackupInfo, error) {
	raw, err := m.store.GetBlob(backupIndexKey)
	if err != nil {
		if errors.Is(err, store.ErrBlobNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var index []BackupInfo
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("failed to parse backup index: %w", err)
	}
	return index, nil
}

func (m *Manager) saveIndex(index []BackupInfo) error {
	raw, err := json.Marshal(index)
	if err != nil {
		return err
	}
	return m.store.PutBlob(backupIndexKey, raw)
}
