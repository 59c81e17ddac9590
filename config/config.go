package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the module-level settings a deployment fixes at system
// initialisation: where state lives, which principal collects fees and which
// ledger modules start paused.
type Config struct {
	DataDir         string   `toml:"DataDir"`
	Environment     string   `toml:"Environment"`
	TreasuryAddress string   `toml:"TreasuryAddress"`
	PausedModules   []string `toml:"PausedModules"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		return nil, fmt.Errorf("config file %s contains unknown field %s", path, strings.Join(undecoded, "."))
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if _, err := cfg.Treasury(); cfg.TreasuryAddress != "" && err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir:     "./data",
		Environment: "dev",
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Treasury decodes the configured fee treasury address. An empty or zero
// address is an error: the escrow engine refuses to finalize without a
// treasury to route fees to.
func (c *Config) Treasury() ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(c.TreasuryAddress), "0x"))
	if trimmed == "" {
		return addr, fmt.Errorf("config: treasury address not set")
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("config: invalid treasury address: %w", err)
	}
	if len(decoded) != len(addr) {
		return addr, fmt.Errorf("config: treasury address must be %d bytes", len(addr))
	}
	copy(addr[:], decoded)
	if addr == ([20]byte{}) {
		return addr, fmt.Errorf("config: treasury address must not be zero")
	}
	return addr, nil
}

// IsPaused reports whether the named module is configured as paused. Config
// therefore satisfies the native/common.PauseView interface.
func (c *Config) IsPaused(module string) bool {
	if c == nil {
		return false
	}
	for _, paused := range c.PausedModules {
		if strings.EqualFold(strings.TrimSpace(paused), module) {
			return true
		}
	}
	return false
}
