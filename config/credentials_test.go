package config

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/zalando/go-keyring"

	"pianm/common"
)

// newLocalKeyring forces the encrypted-file backend so tests do not
// touch the real secret service.
func newLocalKeyring(t *testing.T) *Keyring {
	t.Helper()
	k := NewKeyring()
	k.probeOnce.Do(func() {
		k.useLocal = true
		k.initLocal()
	})
	return k
}

func TestKeyringSystemBackend(t *testing.T) {
	keyring.MockInit()
	testHome(t)

	k := NewKeyring()
	if k.HasCredentials() {
		t.Error("fresh store reports credentials")
	}
	if _, _, err := k.Credentials(); !errors.Is(err, common.ErrCredentialsNotFound) {
		t.Errorf("Credentials = %v, want ErrCredentialsNotFound", err)
	}

	if err := k.StoreCredentials("p1234567", "hunter2"); err != nil {
		t.Fatalf("StoreCredentials failed: %v", err)
	}
	user, pass, err := k.Credentials()
	if err != nil || user != "p1234567" || pass != "hunter2" {
		t.Errorf("Credentials = (%q, %q, %v)", user, pass, err)
	}
	if !k.HasCredentials() {
		t.Error("HasCredentials = false after store")
	}

	if err := k.DeleteCredentials(); err != nil {
		t.Fatalf("DeleteCredentials failed: %v", err)
	}
	if k.HasCredentials() {
		t.Error("credentials survived delete")
	}
}

func TestKeyringLocalFallback(t *testing.T) {
	testHome(t)
	k := newLocalKeyring(t)

	if err := k.StoreCredentials("p1234567", "hunter2"); err != nil {
		t.Fatalf("StoreCredentials failed: %v", err)
	}
	user, pass, err := k.Credentials()
	if err != nil || user != "p1234567" || pass != "hunter2" {
		t.Errorf("Credentials = (%q, %q, %v)", user, pass, err)
	}

	// The on-disk file must not contain the password in the clear.
	raw, err := os.ReadFile(k.localFile)
	if err != nil {
		t.Fatalf("reading credential file: %v", err)
	}
	if len(raw) == 0 || bytes.Contains(raw, []byte("hunter2")) {
		t.Error("credential file stores the password in plaintext")
	}

	// A fresh instance over the same home reads the persisted state.
	k2 := newLocalKeyring(t)
	user, pass, err = k2.Credentials()
	if err != nil || user != "p1234567" || pass != "hunter2" {
		t.Errorf("reloaded Credentials = (%q, %q, %v)", user, pass, err)
	}

	if err := k2.DeleteCredentials(); err != nil {
		t.Fatalf("DeleteCredentials failed: %v", err)
	}
	if k2.HasCredentials() {
		t.Error("credentials survived delete")
	}
}

func TestKeyringLocalCorruptFile(t *testing.T) {
	testHome(t)
	k := newLocalKeyring(t)
	if err := os.WriteFile(k.localFile, []byte("not-base64-ciphertext"), 0600); err != nil {
		t.Fatal(err)
	}

	// Corruption is treated as absence, not a crash.
	k2 := newLocalKeyring(t)
	if _, _, err := k2.Credentials(); !errors.Is(err, common.ErrCredentialsNotFound) {
		t.Errorf("Credentials over corrupt file = %v, want ErrCredentialsNotFound", err)
	}
}

func TestKeyringRejectsEmptyCredentials(t *testing.T) {
	testHome(t)
	k := newLocalKeyring(t)

	if err := k.StoreCredentials("", "hunter2"); !errors.Is(err, common.ErrCredentialStorage) {
		t.Errorf("empty username: err = %v, want ErrCredentialStorage", err)
	}
	if err := k.StoreCredentials("p1234567", ""); !errors.Is(err, common.ErrCredentialStorage) {
		t.Errorf("empty password: err = %v, want ErrCredentialStorage", err)
	}
}
