// Package vault encrypts credentials and document content at rest with a
// per-session symmetric key. The key lives in memory and is mirrored to the
// OS keychain so independent processes of the same login session share it;
// it is never written to durable application storage. Clear discards both
// copies, which makes every previously produced blob permanently
// unrecoverable.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	keySize    = 32 // AES-256
	keyringKey = "vault_key"
)

// ErrCannotDecrypt is returned for any blob the current session key cannot
// open: tampered data, a rotated key, or a blob from another session.
// Callers must treat it as "no stored credential", not as a crash.
var ErrCannotDecrypt = errors.New("vault: cannot decrypt")

// ErrNoRecord is returned when a named record does not exist in the keychain.
var ErrNoRecord = errors.New("vault: record not found")

// Vault holds the session encryption key.
type Vault struct {
	mu      sync.Mutex
	key     []byte
	service string
}

// New creates a vault bound to a keychain service name. The key is imported
// from the keychain when present, otherwise generated on first use.
func New(service string) *Vault {
	return &Vault{service: service}
}

// ensureKey imports the session key from the keychain or generates a fresh
// one. Caller must hold v.mu.
func (v *Vault) ensureKey() error {
	if v.key != nil {
		return nil
	}

	stored, err := keyring.Get(v.service, keyringKey)
	if err == nil {
		key, decodeErr := base64.StdEncoding.DecodeString(stored)
		if decodeErr == nil && len(key) == keySize {
			v.key = key
			return nil
		}
		// Unusable keychain entry: fall through and rotate.
		log.Printf("[VAULT] Discarding malformed keychain entry")
	} else if !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keychain read failed: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("failed to generate vault key: %w", err)
	}
	if err := keyring.Set(v.service, keyringKey, base64.StdEncoding.EncodeToString(key)); err != nil {
		return fmt.Errorf("failed to store vault key: %w", err)
	}
	v.key = key
	return nil
}

// Encrypt seals plaintext with AES-256-GCM. A fresh random nonce is used per
// call and prepended to the ciphertext.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ensureKey(); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Any failure resolves to
// ErrCannotDecrypt.
func (v *Vault) Decrypt(blob []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ensureKey(); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(blob) < gcm.NonceSize() {
		return nil, ErrCannotDecrypt
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCannotDecrypt
	}
	return plaintext, nil
}

// StoreRecord encrypts plaintext and stores it in the keychain under name.
func (v *Vault) StoreRecord(name string, plaintext []byte) error {
	blob, err := v.Encrypt(plaintext)
	if err != nil {
		return err
	}
	return keyring.Set(v.service, name, base64.StdEncoding.EncodeToString(blob))
}

// LoadRecord retrieves and decrypts a named record. Missing records return
// ErrNoRecord; undecryptable ones return ErrCannotDecrypt.
func (v *Vault) LoadRecord(name string) ([]byte, error) {
	stored, err := keyring.Get(v.service, name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("keychain read failed: %w", err)
	}

	blob, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return nil, ErrCannotDecrypt
	}
	return v.Decrypt(blob)
}

// DeleteRecord removes a named record. Missing records are not an error.
func (v *Vault) DeleteRecord(name string) error {
	err := keyring.Delete(v.service, name)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// Clear discards the in-memory key and the keychain copy. All blobs sealed
// before this call become permanently unrecoverable.
func (v *Vault) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil

	if err := keyring.Delete(v.service, keyringKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		log.Printf("[VAULT] Warning: failed to delete keychain key: %v", err)
	}
}
