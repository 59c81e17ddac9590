package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "./data", cfg.DataDir)
	require.Equal(t, "dev", cfg.Environment)
	require.Empty(t, cfg.PausedModules)

	// The default file lands on disk and loads back cleanly.
	_, err = os.Stat(path)
	require.NoError(t, err)
	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.DataDir, reloaded.DataDir)
}

func TestLoadParsesFile(t *testing.T) {
	path := writeConfig(t, `
DataDir = "/var/lib/agentledger"
Environment = "prod"
TreasuryAddress = "0x0101010101010101010101010101010101010101"
PausedModules = ["escrow"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/agentledger", cfg.DataDir)
	require.Equal(t, "prod", cfg.Environment)
	require.True(t, cfg.IsPaused("escrow"))
	require.False(t, cfg.IsPaused("identity"))

	treasury, err := cfg.Treasury()
	require.NoError(t, err)
	require.Equal(t, byte(0x01), treasury[0])
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
DataDir = "./data"
Unexpected = true
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Unexpected")
}

func TestLoadRejectsBadTreasury(t *testing.T) {
	path := writeConfig(t, `TreasuryAddress = "not-hex"`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestTreasuryValidation(t *testing.T) {
	cases := []struct {
		name    string
		address string
		wantErr bool
	}{
		{"valid with prefix", "0x0202020202020202020202020202020202020202", false},
		{"valid without prefix", "0303030303030303030303030303030303030303", false},
		{"empty", "", true},
		{"zero address", "0x0000000000000000000000000000000000000000", true},
		{"wrong length", "0x0101", true},
		{"not hex", "0xzz01010101010101010101010101010101010101", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{TreasuryAddress: tc.address}
			_, err := cfg.Treasury()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestIsPausedMatchesLoosely(t *testing.T) {
	cfg := &Config{PausedModules: []string{" Escrow ", "identity"}}
	require.True(t, cfg.IsPaused("escrow"))
	require.True(t, cfg.IsPaused("identity"))
	require.False(t, cfg.IsPaused("validation"))

	var nilCfg *Config
	require.False(t, nilCfg.IsPaused("escrow"))
}
