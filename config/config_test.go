package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_config(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "dohguard.toml")

	err := generateConfig(configFile)
	require.NoError(t, err)

	cfg, err := Load(configFile, "0.0.0")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0", cfg.ServerVersion())
	assert.Equal(t, "/dns-query", cfg.URI)
	assert.Equal(t, "/tmp/dnsblockcheck.sock", cfg.Socket)
	assert.NotZero(t, cfg.Timeout.Duration)
	assert.Equal(t, 8, cfg.PolicyWorkers)
}

func Test_configGenerated(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "missing.toml")

	_, err := Load(configFile, "0.0.0")
	require.NoError(t, err)

	_, err = os.Stat(configFile)
	assert.NoError(t, err)
}

func Test_configError(t *testing.T) {
	_, err := Load("", "0.0.0")
	assert.Error(t, err)
}
