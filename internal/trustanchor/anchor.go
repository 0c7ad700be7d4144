// Package trustanchor seals and unseals collection master keys against
// one of three interchangeable strategies: a TPM NVRAM index gated by
// an authorization value, a directory on a transparently-encrypted
// (fscrypt) mount, or a passphrase-derived key. The sealed blob records
// which strategy produced it, so the storage engine stays oblivious.
package trustanchor

import (
	"context"
	"fmt"
	"sync"

	"github.com/linux-tks/tks/internal/common"
	"github.com/linux-tks/tks/internal/cryptox"
	"github.com/linux-tks/tks/internal/logging"
)

type Kind string

const (
	KindTPM        Kind = "tpm"
	KindFscrypt    Kind = "fscrypt"
	KindPassphrase Kind = "passphrase"
)

// SealedKey is the on-disk form of a sealed master key. Only the
// fields of the producing strategy are populated.
type SealedKey struct {
	Version int  `json:"version"`
	Kind    Kind `json:"kind"`

	// passphrase strategy
	Salt   []byte                `json:"salt,omitempty"`
	Argon2 *cryptox.Argon2Params `json:"argon2,omitempty"`
	Nonce  []byte                `json:"nonce,omitempty"`
	Blob   []byte                `json:"blob,omitempty"`

	// tpm strategy
	NVIndex uint32 `json:"nv_index,omitempty"`
}

const sealedKeyVersion = 1

// Config selects the strategy for newly sealed keys. Unsealing always
// follows the kind recorded in the blob, so a storage directory may
// hold collections sealed by different strategies.
type Config struct {
	Kind           Kind
	StorageRoot    string
	TPMDevice      string
	TPMNVIndexBase uint32
}

type Adapter struct {
	cfg    Config
	logger logging.Logger

	// The TPM cannot service concurrent sessions; every call to it is
	// serialized here, across all collections.
	tpmMu sync.Mutex
	tpm   device
}

func New(cfg Config, logger logging.Logger) (*Adapter, error) {
	a := &Adapter{cfg: cfg, logger: logger.With("module", "trustanchor")}
	if cfg.Kind == KindTPM {
		dev, err := openDevice(cfg.TPMDevice)
		if err != nil {
			return nil, fmt.Errorf("%w: opening %s: %v", common.ErrorDevice, cfg.TPMDevice, err)
		}
		a.tpm = dev
	}
	return a, nil
}

// NeedsFactor reports whether sealing/unsealing with the configured
// strategy requires a user-supplied authorization value. The lock
// manager uses this to decide whether a prompt is needed.
func (a *Adapter) NeedsFactor() bool {
	return a.cfg.Kind != KindFscrypt
}

func (a *Adapter) Kind() Kind { return a.cfg.Kind }

// Seal wraps key using the configured strategy. factor is the
// authorization value (TPM NV auth or passphrase); it is ignored by
// the fscrypt strategy.
func (a *Adapter) Seal(ctx context.Context, key, factor []byte) (*SealedKey, error) {
	switch a.cfg.Kind {
	case KindTPM:
		return a.sealTPM(ctx, key, factor)
	case KindFscrypt:
		return a.sealFscrypt(key)
	case KindPassphrase:
		return a.sealPassphrase(key, factor)
	default:
		return nil, fmt.Errorf("%w: unknown trust anchor kind %q", common.ErrorParameter, a.cfg.Kind)
	}
}

// Unseal recovers the master key from a sealed blob, following the
// strategy recorded in the blob itself.
func (a *Adapter) Unseal(ctx context.Context, sk *SealedKey, factor []byte) ([]byte, error) {
	switch sk.Kind {
	case KindTPM:
		return a.unsealTPM(ctx, sk, factor)
	case KindFscrypt:
		return a.unsealFscrypt(sk)
	case KindPassphrase:
		return a.unsealPassphrase(sk, factor)
	default:
		return nil, fmt.Errorf("%w: unknown trust anchor kind %q", common.ErrorParameter, sk.Kind)
	}
}

// Destroy releases any resources the sealed blob pins outside the
// storage directory. For TPM blobs this undefines the NVRAM index;
// the other strategies keep everything in the blob.
func (a *Adapter) Destroy(ctx context.Context, sk *SealedKey) error {
	if sk.Kind != KindTPM {
		return nil
	}
	return a.destroyTPM(ctx, sk)
}

func (a *Adapter) Close() error {
	if a.tpm != nil {
		return a.tpm.Close()
	}
	return nil
}
