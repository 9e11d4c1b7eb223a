// Package ident generates and validates document identifiers.
//
// Two schemes exist side by side: the legacy uid format
// (epoch-millis plus a short random suffix) produced by old releases,
// and the GUID format used by everything new. The migration manager
// moves documents from the former to the latter.
package ident

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	oldUIDRegex   = regexp.MustCompile(`^\d{13}_[a-z0-9]{4,10}$`)
	filenameRegex = regexp.MustCompile(`[^a-z0-9]+`)
)

// GenerateGUID returns a new random v4 UUID string.
func GenerateGUID() string {
	return uuid.NewString()
}

// IsValidGUID reports whether s parses as a UUID.
func IsValidGUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// IsOldUIDFormat reports whether s matches the legacy
// "<epochMillis>_<random>" identifier scheme.
func IsOldUIDFormat(s string) bool {
	return oldUIDRegex.MatchString(s)
}

// MigrateUIDToGUID returns the replacement identifier for a legacy uid.
// The old value does not seed the new one; a legacy id carries no
// entropy worth preserving.
func MigrateUIDToGUID(oldUID string) string {
	return GenerateGUID()
}

// GenerateUID produces an identifier in the legacy format. Kept for
// fixtures and migration tests; new documents always get GUIDs.
func GenerateUID() string {
	suffix := make([]byte, 3)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%013d_%s", time.Now().UnixMilli(), hex.EncodeToString(suffix))
}

// GenerateFilename slugifies a title into a stable markdown filename.
func GenerateFilename(title string) string {
	slug := strings.ToLower(strings.TrimSpace(title))
	slug = filenameRegex.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "untitled"
	}
	if len(slug) > 64 {
		slug = strings.Trim(slug[:64], "-")
	}
	return slug + ".md"
}

// GenerateChecksum returns the hex SHA-256 of the content.
func GenerateChecksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
