// Package wgkey generates and stores WireGuard key material. Keys are
// generated with the system wg tool when available, or in process
// otherwise, and persisted per region under the user's config
// directory so a profile can be rebuilt without re-registering.
package wgkey

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"pianm/common"
)

// keysDirName is the directory under the config dir holding keypairs.
const keysDirName = "keys"

// Store persists one keypair per region. It implements
// common.KeySource.
type Store struct{}

// NewStore creates the key store.
func NewStore() *Store {
	return &Store{}
}

// Generate produces a fresh private/public key pair, preferring the
// system wg tool so the keys match what an operator would create by
// hand.
func (s *Store) Generate() (string, string, error) {
	if _, err := exec.LookPath("wg"); err == nil {
		return generateExec()
	}
	common.LogDebug("wg tool not found; generating key pair in process")
	return generateNative()
}

func generateExec() (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), common.CommandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "wg", "genkey").Output()
	if err != nil {
		return "", "", common.WrapError(err, "wg genkey failed")
	}
	privateKey := strings.TrimSpace(string(out))
	if privateKey == "" {
		return "", "", fmt.Errorf("wg genkey produced empty output")
	}

	cmd := exec.CommandContext(ctx, "wg", "pubkey")
	cmd.Stdin = strings.NewReader(privateKey)
	out, err = cmd.Output()
	if err != nil {
		return "", "", common.WrapError(err, "wg pubkey failed")
	}
	publicKey := strings.TrimSpace(string(out))
	if publicKey == "" {
		return "", "", fmt.Errorf("wg pubkey produced empty output")
	}

	return privateKey, publicKey, nil
}

func generateNative() (string, string, error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", "", common.WrapError(err, "generating private key")
	}
	return key.String(), key.PublicKey().String(), nil
}

// Save persists a keypair for a region with user-only permissions.
func (s *Store) Save(regionID, privateKey, publicKey string) error {
	if regionID == "" {
		return fmt.Errorf("region id cannot be empty")
	}
	path, err := keyPath(regionID)
	if err != nil {
		return err
	}
	data := privateKey + "\n" + publicKey + "\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		return common.WrapError(err, "saving keypair")
	}
	return nil
}

// Load reads the stored keypair for a region.
func (s *Store) Load(regionID string) (string, string, error) {
	path, err := keyPath(regionID)
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", common.WrapError(err, "loading keypair")
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if len(lines) != 2 || lines[0] == "" || lines[1] == "" {
		return "", "", fmt.Errorf("malformed key file for region %s", regionID)
	}
	return strings.TrimSpace(lines[0]), strings.TrimSpace(lines[1]), nil
}

// ShouldRotate reports whether the region's key is missing or older
// than the rotation age. Rotation limits how long a compromised key
// stays registered with PIA.
func (s *Store) ShouldRotate(regionID string) bool {
	path, err := keyPath(regionID)
	if err != nil {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > common.KeyMaxAge
}

// Delete removes the stored keypair for a region. A missing keypair is
// not an error.
func (s *Store) Delete(regionID string) error {
	path, err := keyPath(regionID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return common.WrapError(err, "deleting keypair")
	}
	return nil
}

func keyPath(regionID string) (string, error) {
	configDir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(configDir, keysDirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", common.WrapError(err, "creating keys directory")
	}
	return filepath.Join(dir, regionID+".key"), nil
}
