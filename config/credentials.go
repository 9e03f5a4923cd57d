package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"

	"pianm/common"
)

// Keyring stores the PIA account credentials in the system keyring,
// falling back to an encrypted local file on headless machines without
// a secret service. It implements common.CredentialStore.
type Keyring struct {
	service string

	probeOnce sync.Once
	useLocal  bool

	mu            sync.Mutex
	localStore    map[string]string
	localFile     string
	encryptionKey []byte
}

// NewKeyring creates the credential store.
func NewKeyring() *Keyring {
	return &Keyring{service: common.KeyringService}
}

// probe decides the backend once: if the secret service rejects a test
// write, every later operation goes to the local file.
func (k *Keyring) probe() {
	k.probeOnce.Do(func() {
		testKey := k.service + "-probe"
		if err := keyring.Set(k.service, testKey, "probe"); err == nil {
			keyring.Delete(k.service, testKey)
			return
		}
		common.LogWarn("System keyring unavailable; falling back to encrypted local storage")
		k.useLocal = true
		k.initLocal()
	})
}

func (k *Keyring) initLocal() {
	dir, err := common.GetConfigDir()
	if err != nil {
		common.LogError("Cannot resolve config directory for credential storage: %v", err)
		return
	}
	k.localFile = filepath.Join(dir, ".credentials")

	// The key is derived from machine identity, not a user secret: the
	// fallback protects against casual file reads, not a local attacker
	// with the same access as the user.
	hostname, _ := os.Hostname()
	keyData := fmt.Sprintf("%s-%s-%s-%d", k.service, hostname, machineID(), os.Getuid())
	hash := sha256.Sum256([]byte(keyData))
	k.encryptionKey = hash[:]

	k.localStore = make(map[string]string)
	k.loadLocal()
}

func machineID() string {
	data, err := os.ReadFile("/etc/machine-id")
	if err != nil {
		return "default-machine-id"
	}
	return strings.TrimSpace(string(data))
}

// StoreCredentials saves the account username and password.
func (k *Keyring) StoreCredentials(username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("%w: username and password cannot be empty", common.ErrCredentialStorage)
	}
	k.probe()

	if k.useLocal {
		return k.storeLocal(username, password)
	}

	if err := keyring.Set(k.service, common.KeyringUserKey, username); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	if err := keyring.Set(k.service, common.KeyringPassKey, password); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

// Credentials retrieves the stored username and password.
func (k *Keyring) Credentials() (string, string, error) {
	k.probe()

	if k.useLocal {
		return k.localCredentials()
	}

	username, err := keyring.Get(k.service, common.KeyringUserKey)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", "", common.ErrCredentialsNotFound
		}
		return "", "", common.WrapError(err, "reading username from keyring")
	}
	password, err := keyring.Get(k.service, common.KeyringPassKey)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", "", common.ErrCredentialsNotFound
		}
		return "", "", common.WrapError(err, "reading password from keyring")
	}
	return username, password, nil
}

// DeleteCredentials removes all stored credentials.
func (k *Keyring) DeleteCredentials() error {
	k.probe()

	if k.useLocal {
		k.mu.Lock()
		delete(k.localStore, common.KeyringUserKey)
		delete(k.localStore, common.KeyringPassKey)
		k.mu.Unlock()
		return k.saveLocal()
	}

	// Best-effort: a missing entry is already the desired state.
	keyring.Delete(k.service, common.KeyringUserKey)
	keyring.Delete(k.service, common.KeyringPassKey)
	return nil
}

// HasCredentials reports whether credentials are stored.
func (k *Keyring) HasCredentials() bool {
	_, _, err := k.Credentials()
	return err == nil
}

func (k *Keyring) storeLocal(username, password string) error {
	k.mu.Lock()
	k.localStore[common.KeyringUserKey] = username
	k.localStore[common.KeyringPassKey] = password
	k.mu.Unlock()
	return k.saveLocal()
}

func (k *Keyring) localCredentials() (string, string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	username, okUser := k.localStore[common.KeyringUserKey]
	password, okPass := k.localStore[common.KeyringPassKey]
	if !okUser || !okPass {
		return "", "", common.ErrCredentialsNotFound
	}
	return username, password, nil
}

func (k *Keyring) loadLocal() {
	data, err := os.ReadFile(k.localFile)
	if err != nil {
		return
	}
	decrypted, err := k.decrypt(data)
	if err != nil {
		common.LogWarn("Discarding unreadable credential file: %v", err)
		return
	}
	json.Unmarshal(decrypted, &k.localStore)
}

func (k *Keyring) saveLocal() error {
	if k.localFile == "" {
		return fmt.Errorf("%w: no local storage path", common.ErrCredentialStorage)
	}
	k.mu.Lock()
	data, err := json.Marshal(k.localStore)
	k.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}

	encrypted, err := k.encrypt(data)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	if err := os.WriteFile(k.localFile, encrypted, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

func (k *Keyring) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.encryptionKey)
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
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

func (k *Keyring) decrypt(data []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k.encryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
