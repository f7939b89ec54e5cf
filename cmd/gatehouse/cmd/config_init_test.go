package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouselabs/gatehouse/config"
)

// clearSecretEnv blanks the secret overrides so a test sees only what the
// generated file contains.
func clearSecretEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GATEHOUSE_ACCESS_SECRET",
		"GATEHOUSE_REFRESH_SECRET",
		"GATEHOUSE_SHARE_SECRET",
	} {
		t.Setenv(key, "")
	}
}

func TestConfigInit_GeneratesLoadableConfig(t *testing.T) {
	clearSecretEnv(t)
	path := filepath.Join(t.TempDir(), "gatehouse.yaml")

	require.NoError(t, runConfigInit(configInitCmd, []string{path}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "config holds secrets")

	cfg, err := config.Load(path)
	require.NoError(t, err, "generated file must pass validation as-is")

	assert.Equal(t, ":8443", cfg.Server.Addr)
	assert.NotEqual(t, cfg.Tokens.AccessSecret, cfg.Tokens.RefreshSecret)
	assert.NotEqual(t, cfg.Tokens.AccessSecret, cfg.Tokens.ShareSecret)
	assert.GreaterOrEqual(t, len(cfg.Tokens.AccessSecret), 32)
}

func TestConfigInit_CreatesParentDirectory(t *testing.T) {
	clearSecretEnv(t)
	path := filepath.Join(t.TempDir(), "etc", "gatehouse", "gatehouse.yaml")

	require.NoError(t, runConfigInit(configInitCmd, []string{path}))

	_, err := config.Load(path)
	assert.NoError(t, err)
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	clearSecretEnv(t)
	path := filepath.Join(t.TempDir(), "gatehouse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keep: me\n"), 0o600))

	err := runConfigInit(configInitCmd, []string{path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep: me\n", string(data))
}

func TestConfigInit_ForceOverwrites(t *testing.T) {
	clearSecretEnv(t)
	path := filepath.Join(t.TempDir(), "gatehouse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keep: me\n"), 0o600))

	initForce = true
	t.Cleanup(func() { initForce = false })

	require.NoError(t, runConfigInit(configInitCmd, []string{path}))

	_, err := config.Load(path)
	assert.NoError(t, err, "overwritten file is a fresh valid config")
}

func TestConfigInit_SecretsDifferAcrossRuns(t *testing.T) {
	clearSecretEnv(t)
	dir := t.TempDir()
	first := filepath.Join(dir, "a.yaml")
	second := filepath.Join(dir, "b.yaml")

	require.NoError(t, runConfigInit(configInitCmd, []string{first}))
	require.NoError(t, runConfigInit(configInitCmd, []string{second}))

	a, err := config.Load(first)
	require.NoError(t, err)
	b, err := config.Load(second)
	require.NoError(t, err)

	assert.NotEqual(t, a.Tokens.AccessSecret, b.Tokens.AccessSecret)
}
