package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/linux-tks/tks/internal/flagx"
	"github.com/linux-tks/tks/internal/timex"
)

// JsonConfig is the intermediate DTO for JSON configuration files. It
// uses timex.Duration for interval fields, which allows parsing both
// string values such as "15m" and integer nanoseconds.
type JsonConfig struct {
	StoragePath     string         `json:"storage_path"`
	AnchorKind      string         `json:"anchor_kind"`
	TPMDevice       string         `json:"tpm_device"`
	TPMNVIndexBase  uint32         `json:"tpm_nv_index_base"`
	Pinentry        string         `json:"pinentry"`
	PromptTimeout   timex.Duration `json:"prompt_timeout"`
	IdleLockTimeout timex.Duration `json:"idle_lock_timeout"`
	MaxAuthAttempts int            `json:"max_auth_attempts"`
	AllowPlain      bool           `json:"allow_plain"`
	LogLevel        string         `json:"log_level"`
}

// parseJson overlays values from the JSON file named by the -c/-config
// flags, if any. Unset fields keep their current values.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	if c.StoragePath != "" {
		config.StoragePath = c.StoragePath
	}
	if c.AnchorKind != "" {
		config.AnchorKind = c.AnchorKind
	}
	if c.TPMDevice != "" {
		config.TPMDevice = c.TPMDevice
	}
	if c.TPMNVIndexBase != 0 {
		config.TPMNVIndexBase = c.TPMNVIndexBase
	}
	if c.Pinentry != "" {
		config.Pinentry = c.Pinentry
	}
	if c.PromptTimeout.Duration != 0 {
		config.PromptTimeout = time.Duration(c.PromptTimeout.Duration)
	}
	if c.IdleLockTimeout.Duration != 0 {
		config.IdleLockTimeout = time.Duration(c.IdleLockTimeout.Duration)
	}
	if c.MaxAuthAttempts != 0 {
		config.MaxAuthAttempts = c.MaxAuthAttempts
	}
	if c.AllowPlain {
		config.AllowPlain = true
	}
	if c.LogLevel != "" {
		config.LogLevel = c.LogLevel
	}
}
