package vault

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zalando/go-keyring"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	keyring.MockInit()
	return New("com.marksync.test")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	for _, s := range []string{"", "tok_abc123", "# A Tale of Two Keeps\n\ncontent"} {
		blob, err := v.Encrypt([]byte(s))
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		got, err := v.Decrypt(blob)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if string(got) != s {
			t.Fatalf("round trip mismatch: got %q want %q", got, s)
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	b, err := v.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two encryptions of the same plaintext produced identical blobs")
	}
}

func TestDecryptCorruptedBlobFailsExplicitly(t *testing.T) {
	v := newTestVault(t)

	blob, err := v.Encrypt([]byte("secret value"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	// Flip a single byte anywhere in the blob.
	blob[len(blob)/2] ^= 0x01

	got, err := v.Decrypt(blob)
	if !errors.Is(err, ErrCannotDecrypt) {
		t.Fatalf("expected ErrCannotDecrypt, got err=%v payload=%q", err, got)
	}
}

func TestDecryptTruncatedBlob(t *testing.T) {
	v := newTestVault(t)

	if _, err := v.Decrypt([]byte{0x01, 0x02}); !errors.Is(err, ErrCannotDecrypt) {
		t.Fatalf("expected ErrCannotDecrypt on truncated blob, got %v", err)
	}
}

func TestClearRendersOldBlobsUnrecoverable(t *testing.T) {
	v := newTestVault(t)

	blob, err := v.Encrypt([]byte("pre-clear secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	v.Clear()

	// A new session key is generated lazily; the old blob must not open.
	if _, err := v.Decrypt(blob); !errors.Is(err, ErrCannotDecrypt) {
		t.Fatalf("expected ErrCannotDecrypt after Clear, got %v", err)
	}
}

func TestRecordLifecycle(t *testing.T) {
	v := newTestVault(t)

	if _, err := v.LoadRecord("identity"); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("expected ErrNoRecord, got %v", err)
	}

	if err := v.StoreRecord("identity", []byte(`{"user":"alice"}`)); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	got, err := v.LoadRecord("identity")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if string(got) != `{"user":"alice"}` {
		t.Fatalf("unexpected record payload: %q", got)
	}

	if err := v.DeleteRecord("identity"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := v.LoadRecord("identity"); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("expected ErrNoRecord after delete, got %v", err)
	}

	// Deleting twice must stay silent.
	if err := v.DeleteRecord("identity"); err != nil {
		t.Fatalf("second delete errored: %v", err)
	}
}

func TestVaultsShareKeyThroughKeychain(t *testing.T) {
	keyring.MockInit()
	a := New("com.marksync.shared")
	b := New("com.marksync.shared")

	blob, err := a.Encrypt([]byte("shared session"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	got, err := b.Decrypt(blob)
	if err != nil {
		t.Fatalf("second vault could not decrypt: %v", err)
	}
	if string(got) != "shared session" {
		t.Fatalf("unexpected plaintext: %q", got)
	}
}
