package config

import (
	"flag"
	"os"
	"time"

	"github.com/linux-tks/tks/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   storage directory
//	-k string   trust anchor kind (tpm, fscrypt, passphrase)
//	-t string   TPM device path
//	-e string   pinentry program
//	-i int      idle lock timeout, minutes (0 disables)
//	-w int      prompt timeout, seconds
//	-m int      max failed unlock attempts
//	-x          allow plain transport sessions
//	-l string   log level
//
// The function first filters os.Args to only the flags it recognizes
// using flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-k", "-t", "-e", "-i", "-w", "-m", "-x", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.StoragePath, "d", config.StoragePath, "storage directory")
	fs.StringVar(&config.AnchorKind, "k", config.AnchorKind, "trust anchor kind")
	fs.StringVar(&config.TPMDevice, "t", config.TPMDevice, "TPM device path")
	fs.StringVar(&config.Pinentry, "e", config.Pinentry, "pinentry program")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.IntVar(&config.MaxAuthAttempts, "m", config.MaxAuthAttempts, "max failed unlock attempts")
	fs.BoolVar(&config.AllowPlain, "x", config.AllowPlain, "allow plain transport sessions")

	idleMinutes := fs.Int("i", int(config.IdleLockTimeout.Minutes()), "idle lock timeout (in minutes, 0 disables)")
	promptSeconds := fs.Int("w", int(config.PromptTimeout.Seconds()), "prompt timeout (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.IdleLockTimeout = time.Duration(*idleMinutes) * time.Minute
	config.PromptTimeout = time.Duration(*promptSeconds) * time.Second
}
