package trustanchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linux-tks/tks/internal/common"
	"github.com/sethvargo/go-retry"
)

// device is the minimal NVRAM surface the adapter needs from a TPM.
// Implementations map hardware failures to common.ErrorDevice, auth
// failures to common.ErrorAuthorization and an occupied index to
// errNVIndexInUse.
type device interface {
	DefineSpace(index uint32, auth string, size uint16) error
	UndefineSpace(index uint32) error
	Write(index uint32, auth string, data []byte) error
	Read(index uint32, auth string) ([]byte, error)
	Close() error
}

var errNVIndexInUse = errors.New("nv index already defined")

// openDevice is swapped out in tests.
var openDevice = func(path string) (device, error) { return openTPM(path) }

// How many NV indices past the configured base are probed before
// giving up on sealing a new key.
const nvIndexSpan = 64

// withTPMRetry retries transient device faults (self-test running,
// TPM_RC_RETRY) with a short backoff. Auth failures are terminal.
func withTPMRetry(ctx context.Context, f func() error) error {
	b := retry.WithMaxRetries(5, retry.NewExponential(25*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := f()
		if errors.Is(err, errTPMTransient) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (a *Adapter) sealTPM(ctx context.Context, key, factor []byte) (*SealedKey, error) {
	if len(factor) == 0 {
		return nil, fmt.Errorf("%w: empty authorization value", common.ErrorParameter)
	}
	a.tpmMu.Lock()
	defer a.tpmMu.Unlock()

	auth := string(factor)
	for off := uint32(0); off < nvIndexSpan; off++ {
		index := a.cfg.TPMNVIndexBase + off
		err := withTPMRetry(ctx, func() error {
			return a.tpm.DefineSpace(index, auth, uint16(len(key)))
		})
		if errors.Is(err, errNVIndexInUse) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := withTPMRetry(ctx, func() error {
			return a.tpm.Write(index, auth, key)
		}); err != nil {
			// leave no half-written index behind
			_ = a.tpm.UndefineSpace(index)
			return nil, err
		}
		a.logger.Debug(ctx, "sealed master key into nv index", "index", index)
		return &SealedKey{Version: sealedKeyVersion, Kind: KindTPM, NVIndex: index}, nil
	}
	return nil, fmt.Errorf("%w: no free nv index in [%#x, %#x)",
		common.ErrorDevice, a.cfg.TPMNVIndexBase, a.cfg.TPMNVIndexBase+nvIndexSpan)
}

func (a *Adapter) unsealTPM(ctx context.Context, sk *SealedKey, factor []byte) ([]byte, error) {
	a.tpmMu.Lock()
	defer a.tpmMu.Unlock()

	var key []byte
	err := withTPMRetry(ctx, func() error {
		var err error
		key, err = a.tpm.Read(sk.NVIndex, string(factor))
		return err
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (a *Adapter) destroyTPM(ctx context.Context, sk *SealedKey) error {
	a.tpmMu.Lock()
	defer a.tpmMu.Unlock()

	return withTPMRetry(ctx, func() error {
		return a.tpm.UndefineSpace(sk.NVIndex)
	})
}
