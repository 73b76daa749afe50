package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"workledger/crypto"
)

func TestLoadCreatesDefaultsOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.RPCAddress)
	require.Equal(t, "./workledger-data", cfg.DataDir)
	require.Equal(t, "workledger-local", cfg.NetworkName)
	require.Equal(t, int64(86_400), cfg.ChallengePeriodSeconds)
	require.Equal(t, 50, cfg.RPCRateLimitPerSecond)
	require.Equal(t, int64(1<<20), cfg.RPCRequestBodyLimit)

	// first run writes the config file and a usable operator keystore
	require.FileExists(t, path)
	require.Equal(t, filepath.Join(dir, "operator.keystore"), cfg.OperatorKeystorePath)
	key, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, "")
	require.NoError(t, err)
	require.NotNil(t, key)
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
RPCAddress = ":9090"
DataDir = "/var/lib/workledger"
NetworkName = "workledger-test"
ChallengePeriodSeconds = 3600
RPCRateLimitPerSecond = 10
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.RPCAddress)
	require.Equal(t, "/var/lib/workledger", cfg.DataDir)
	require.Equal(t, "workledger-test", cfg.NetworkName)
	require.Equal(t, int64(3_600), cfg.ChallengePeriodSeconds)
	require.Equal(t, 10, cfg.RPCRateLimitPerSecond)
	// omitted fields still pick up defaults
	require.Equal(t, int64(1<<20), cfg.RPCRequestBodyLimit)
	require.Equal(t, 100, cfg.LogMaxSizeMB)
}

func TestLoadBackfillsKeystorePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("RPCAddress = \":9090\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "operator.keystore"), cfg.OperatorKeystorePath)
	require.FileExists(t, cfg.OperatorKeystorePath)

	// the generated path is persisted so reloads see the same keystore
	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.OperatorKeystorePath, reloaded.OperatorKeystorePath)
}

func TestLoadReusesExistingKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	first, err := Load(path)
	require.NoError(t, err)
	originalKey, err := crypto.LoadFromKeystore(first.OperatorKeystorePath, "")
	require.NoError(t, err)

	second, err := Load(path)
	require.NoError(t, err)
	reloadedKey, err := crypto.LoadFromKeystore(second.OperatorKeystorePath, "")
	require.NoError(t, err)
	require.Equal(t, originalKey.PubKey().RawAddress(), reloadedKey.PubKey().RawAddress())
}
