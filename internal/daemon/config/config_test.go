package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.LoadDefaults()

	assert.Equal(t, AnchorPassphrase, cfg.AnchorKind)
	assert.Equal(t, "/dev/tpmrm0", cfg.TPMDevice)
	assert.Equal(t, "pinentry", cfg.Pinentry)
	assert.Equal(t, 2*time.Minute, cfg.PromptTimeout)
	assert.Equal(t, time.Duration(0), cfg.IdleLockTimeout)
	assert.Equal(t, 3, cfg.MaxAuthAttempts)
	assert.False(t, cfg.AllowPlain)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Contains(t, cfg.StoragePath, "tks")
}

func TestParseJsonOverlay(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(file, []byte(`{
		"storage_path": "/tmp/secrets",
		"anchor_kind": "fscrypt",
		"idle_lock_timeout": "15m",
		"prompt_timeout": "30s",
		"allow_plain": true
	}`), 0o600))

	saved := os.Args
	defer func() { os.Args = saved }()
	os.Args = []string{"tksd", "-c", file}

	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)

	assert.Equal(t, "/tmp/secrets", cfg.StoragePath)
	assert.Equal(t, AnchorFscrypt, cfg.AnchorKind)
	assert.Equal(t, 15*time.Minute, cfg.IdleLockTimeout)
	assert.Equal(t, 30*time.Second, cfg.PromptTimeout)
	assert.True(t, cfg.AllowPlain)

	// unset fields keep their defaults
	assert.Equal(t, 3, cfg.MaxAuthAttempts)
	assert.Equal(t, "pinentry", cfg.Pinentry)
}

func TestParseFlags(t *testing.T) {
	saved := os.Args
	defer func() { os.Args = saved }()
	os.Args = []string{"tksd", "-d", "/var/lib/tks", "-k", "tpm", "-i", "10", "-m", "5", "-x"}

	cfg := &Config{}
	cfg.LoadDefaults()
	parseFlags(cfg)

	assert.Equal(t, "/var/lib/tks", cfg.StoragePath)
	assert.Equal(t, AnchorTPM, cfg.AnchorKind)
	assert.Equal(t, 10*time.Minute, cfg.IdleLockTimeout)
	assert.Equal(t, 5, cfg.MaxAuthAttempts)
	assert.True(t, cfg.AllowPlain)
}
