// Package config manages the tool's persistent state: the list of
// configured regions, user preferences, and refresh metadata, stored as
// YAML in the user's config directory. Account credentials never land
// in the file; they live in the system keyring.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"pianm/common"
)

// configVersion is bumped when the file format changes incompatibly.
const configVersion = 1

// Region is one configured PIA region. UUID is the NetworkManager
// profile UUID once the profile has been created, empty before setup.
type Region struct {
	// ID is the PIA region identifier (e.g. "us_east").
	ID string `yaml:"id"`
	// UUID is the NetworkManager profile UUID for this region.
	UUID string `yaml:"uuid,omitempty"`
}

// Preferences holds user-tunable connection behavior applied to every
// managed profile.
type Preferences struct {
	// VPNDNS routes all DNS queries through PIA's resolvers.
	VPNDNS bool `yaml:"vpn_dns"`
	// DisableIPv6 keeps IPv6 disabled on managed profiles to prevent
	// traffic leaking around the IPv4-only tunnel.
	DisableIPv6 bool `yaml:"disable_ipv6"`
	// PortForwarding requests a forwarded port on supporting regions.
	PortForwarding bool `yaml:"port_forwarding"`
}

// Metadata tracks bookkeeping that is written by the tool, not the user.
type Metadata struct {
	// Version is the config file format version.
	Version int `yaml:"version"`
	// LastRefresh is when credentials were last rotated successfully.
	LastRefresh time.Time `yaml:"last_refresh,omitempty"`
}

// Config is the full persisted state.
type Config struct {
	Regions     []Region    `yaml:"regions"`
	Preferences Preferences `yaml:"preferences"`
	Metadata    Metadata    `yaml:"metadata"`
}

// DefaultConfig returns the configuration used before any region is
// added.
func DefaultConfig() *Config {
	return &Config{
		Preferences: Preferences{
			VPNDNS:      true,
			DisableIPv6: true,
		},
		Metadata: Metadata{Version: configVersion},
	}
}

// Load reads the configuration file, creating it with defaults when it
// does not exist yet.
func Load() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, common.WrapError(err, common.ErrConfigLoad.Error())
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.Save(); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", common.ErrConfigLoad, path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}

	return &cfg, nil
}

// Save writes the configuration to disk with user-only permissions.
func (c *Config) Save() error {
	path, err := configPath()
	if err != nil {
		return common.WrapError(err, common.ErrConfigSave.Error())
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: creating config directory: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	return nil
}

// validate checks structural invariants after a load.
func (c *Config) validate() error {
	if c.Metadata.Version > configVersion {
		return fmt.Errorf("config version %d is newer than supported %d",
			c.Metadata.Version, configVersion)
	}
	seen := make(map[string]bool, len(c.Regions))
	for _, r := range c.Regions {
		if r.ID == "" {
			return fmt.Errorf("region with empty id")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate region %q", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// AddRegion registers a region. Adding a region twice is an error so
// callers can report it instead of silently re-provisioning.
func (c *Config) AddRegion(id string) error {
	if id == "" {
		return fmt.Errorf("region id cannot be empty")
	}
	if _, ok := c.Region(id); ok {
		return fmt.Errorf("region %q is already configured", id)
	}
	c.Regions = append(c.Regions, Region{ID: id})
	return nil
}

// RemoveRegion unregisters a region and reports whether it existed.
func (c *Config) RemoveRegion(id string) bool {
	for i, r := range c.Regions {
		if r.ID == id {
			c.Regions = append(c.Regions[:i], c.Regions[i+1:]...)
			return true
		}
	}
	return false
}

// Region looks up a configured region by ID.
func (c *Config) Region(id string) (Region, bool) {
	for _, r := range c.Regions {
		if r.ID == id {
			return r, true
		}
	}
	return Region{}, false
}

// SetRegionUUID records the NetworkManager profile UUID for a region.
func (c *Config) SetRegionUUID(id, uuid string) bool {
	for i := range c.Regions {
		if c.Regions[i].ID == id {
			c.Regions[i].UUID = uuid
			return true
		}
	}
	return false
}

// TouchRefresh records a successful credential rotation.
func (c *Config) TouchRefresh() {
	c.Metadata.LastRefresh = time.Now().UTC()
}

// ProfileName maps a region ID to its NetworkManager profile name.
func ProfileName(regionID string) string {
	return common.ProfilePrefix + regionID
}

func configPath() (string, error) {
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.ConfigFileName), nil
}
