package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Colombia-Blockchain/snowrail-core/types"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snowrail.yaml")
	body := `
server:
  addr: ":8080"
sentinel:
  min_score: 60
  check_timeout: 750ms
  blacklist: ["evil.example"]
ledger:
  backend: sqlite
  dsn: "file:intents.db"
  intent_ttl: 5m
settlement:
  max_attempts: 3
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 60, cfg.Sentinel.MinScore)
	assert.Equal(t, 750*time.Millisecond, cfg.Sentinel.CheckTimeout)
	assert.Equal(t, []string{"evil.example"}, cfg.Sentinel.Blacklist)
	assert.Equal(t, "sqlite", cfg.Ledger.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Ledger.IntentTTL)
	assert.Equal(t, 3, cfg.Settlement.MaxAttempts)
	// untouched defaults survive
	assert.Equal(t, "USD Coin", cfg.Signing.Name)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ledger:\n  backend: sqlite\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)

	var cfgErr *types.Error
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, types.ErrCodeConfig, cfgErr.Code)
}

func TestEVMModeRequiresRPC(t *testing.T) {
	cfg := Default()
	cfg.Settlement.Mode = "evm"
	assert.Error(t, cfg.Validate())

	cfg.Settlement.RPCURL = "http://127.0.0.1:8545"
	cfg.Settlement.TreasuryKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SNOWRAIL_ADDR":          ":9000",
		"SNOWRAIL_CHAIN_ID":      "43114",
		"SNOWRAIL_MIN_SCORE":     "65",
		"SNOWRAIL_ALLOW_ORIGINS": "https://a.example,https://b.example",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, applyEnv(cfg, lookup))
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, int64(43114), cfg.Signing.ChainID)
	assert.Equal(t, 65, cfg.Sentinel.MinScore)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowOrigins)

	env["SNOWRAIL_CHAIN_ID"] = "fuji"
	assert.Error(t, applyEnv(Default(), lookup))
}
