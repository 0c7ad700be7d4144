// Package config handles configuration for the daemon, including
// defaults, JSON overlay, and command-line flags.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Anchor kinds accepted in configuration.
const (
	AnchorTPM        = "tpm"
	AnchorFscrypt    = "fscrypt"
	AnchorPassphrase = "passphrase"
)

// Config holds runtime settings for the secret service daemon.
//
// Fields:
//   - StoragePath: directory holding the collection directories.
//   - AnchorKind: trust anchor backing master keys (tpm, fscrypt, passphrase).
//   - TPMDevice / TPMNVIndexBase: TPM resource manager device and the
//     first NVRAM index probed when sealing keys.
//   - Pinentry: pinentry program used for prompt dialogs.
//   - PromptTimeout: how long a triggered prompt waits for the user.
//   - IdleLockTimeout: relock collections idle for this long; 0 disables.
//   - MaxAuthAttempts: failed unlock attempts tolerated per collection.
//   - AllowPlain: permit unencrypted transport sessions.
//   - LogLevel: debug, info, warn or error.
type Config struct {
	StoragePath     string
	AnchorKind      string
	TPMDevice       string
	TPMNVIndexBase  uint32
	Pinentry        string
	PromptTimeout   time.Duration
	IdleLockTimeout time.Duration
	MaxAuthAttempts int
	AllowPlain      bool
	LogLevel        string
}

// LoadDefaults populates Config with per-user defaults. The storage
// path follows the XDG data directory convention.
func (c *Config) LoadDefaults() {
	c.StoragePath = filepath.Join(dataHome(), "tks")
	c.AnchorKind = AnchorPassphrase
	c.TPMDevice = "/dev/tpmrm0"
	c.TPMNVIndexBase = 0x01500016
	c.Pinentry = "pinentry"
	c.PromptTimeout = 2 * time.Minute
	c.IdleLockTimeout = 0
	c.MaxAuthAttempts = 3
	c.AllowPlain = false
	c.LogLevel = "info"
}

func dataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share")
}

// LoadConfig builds a Config by applying defaults, then overlaying
// values from an optional JSON file and finally from command-line
// flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
