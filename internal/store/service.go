package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marksync/internal/config"
	"marksync/internal/ident"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Service encapsulates SQLite access via GORM.
type Service struct {
	db *gorm.DB
}

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrBlobNotFound     = errors.New("blob not found")
	ErrInvalidDocument  = errors.New("invalid document")
)

// NewService opens the first writable database location and migrates the
// schema.
func NewService() (*Service, error) {
	dbPath, db, err := openWritableDatabase()
	if err != nil {
		return nil, err
	}

	svc, err := initService(db)
	if err != nil {
		return nil, err
	}

	os.Chmod(dbPath, 0600)

	log.Printf("[DB] Database initialized at %s", dbPath)
	return svc, nil
}

// NewServiceAt opens the database at an explicit path. Used by tests and
// the migration backup tooling.
func NewServiceAt(path string) (*Service, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := openDatabase(path)
	if err != nil {
		return nil, err
	}
	return initService(db)
}

func initService(db *gorm.DB) (*Service, error) {
	if err := db.AutoMigrate(&Document{}, &BlobRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}
	return &Service{db: db}, nil
}

func openWritableDatabase() (string, *gorm.DB, error) {
	candidates := make([]string, 0, 3)
	if override := strings.TrimSpace(os.Getenv("MARKSYNC_DB_PATH")); override != "" {
		candidates = append(candidates, override)
	}
	candidates = append(candidates, config.DBPath())
	candidates = append(candidates, filepath.Join(os.TempDir(), config.AppName, config.DBFileName))

	var lastErr error
	for _, candidate := range candidates {
		path := strings.TrimSpace(candidate)
		if path == "" {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			lastErr = err
			continue
		}
		if !isLikelyWritable(path) {
			lastErr = fmt.Errorf("path not writable: %s", path)
			continue
		}

		db, err := openDatabase(path)
		if err != nil {
			lastErr = err
			continue
		}

		return path, db, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no database path candidates available")
	}
	return "", nil, fmt.Errorf("failed to open writable database: %w", lastErr)
}

func openDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.Exec("PRAGMA journal_mode=WAL")
	sqlDB.Exec("PRAGMA busy_timeout=5000")
	sqlDB.Exec("PRAGMA synchronous=NORMAL")
	sqlDB.Exec("PRAGMA foreign_keys=ON")

	return db, nil
}

func isLikelyWritable(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// Close closes the underlying connection.
func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// === Document CRUD ===

// GetAllDocuments returns every document, most recently modified first.
func (s *Service) GetAllDocuments() ([]Document, error) {
	var docs []Document
	result := s.db.Order("last_modified_at DESC, id ASC").Find(&docs)
	return docs, result.Error
}

// GetDocument returns one document by id.
func (s *Service) GetDocument(id string) (*Document, error) {
	var doc Document
	result := s.db.First(&doc, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, result.Error
	}
	return &doc, nil
}

// SaveDocument validates and upserts a document. A zero LastModifiedAt is
// stamped with the current time.
func (s *Service) SaveDocument(doc *Document) error {
	if err := ValidateDocument(doc); err != nil {
		return err
	}
	if doc.LastModifiedAt.IsZero() {
		doc.LastModifiedAt = time.Now()
	}
	return s.db.Save(doc).Error
}

// DeleteDocument removes a document by id. Deleting a missing document is
// not an error.
func (s *Service) DeleteDocument(id string) error {
	return s.db.Delete(&Document{}, "id = ?", id).Error
}

// CountDocuments returns the number of stored documents.
func (s *Service) CountDocuments() (int64, error) {
	var count int64
	err := s.db.Model(&Document{}).Count(&count).Error
	return count, err
}

// FindByLegacyID returns the document migrated from the given legacy id,
// if any.
func (s *Service) FindByLegacyID(legacyID string) (*Document, error) {
	var doc Document
	result := s.db.First(&doc, "migrated_from = ?", legacyID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, result.Error
	}
	return &doc, nil
}

// ReplaceAllDocuments swaps the full document set in one transaction.
// Backup restore depends on this being atomic.
func (s *Service) ReplaceAllDocuments(docs []Document) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Document{}).Error; err != nil {
			return err
		}
		for i := range docs {
			if err := tx.Create(&docs[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ValidateDocument checks the fields every stored document must carry.
func ValidateDocument(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	if doc.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidDocument)
	}
	if !ident.IsValidGUID(doc.ID) && !ident.IsOldUIDFormat(doc.ID) {
		return fmt.Errorf("%w: malformed id %q", ErrInvalidDocument, doc.ID)
	}
	if strings.TrimSpace(doc.Title) == "" {
		return fmt.Errorf("%w: missing title", ErrInvalidDocument)
	}
	return nil
}

// === Blob records ===

// GetBlob returns a named blob value.
func (s *Service) GetBlob(key string) ([]byte, error) {
	var rec BlobRecord
	result := s.db.First(&rec, "key = ?", key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrBlobNotFound
		}
		return nil, result.Error
	}
	return rec.Value, nil
}

// PutBlob upserts a named blob value.
func (s *Service) PutBlob(key string, value []byte) error {
	return s.db.Save(&BlobRecord{Key: key, Value: value}).Error
}

// DeleteBlob removes a named blob. Missing blobs are not an error.
func (s *Service) DeleteBlob(key string) error {
	return s.db.Delete(&BlobRecord{}, "key = ?", key).Error
}

// ListBlobKeys returns every blob key with the given prefix.
func (s *Service) ListBlobKeys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.Model(&BlobRecord{}).
		Where("key LIKE ?", prefix+"%").
		Order("key ASC").
		Pluck("key", &keys).Error
	return keys, err
}
