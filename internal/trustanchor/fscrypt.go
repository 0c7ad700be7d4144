package trustanchor

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/linux-tks/tks/internal/common"
)

// CommissionedProbe is dropped into the storage root by the fscrypt
// provisioning script once the directory sits on an encrypted mount.
// Its presence is the adapter's only signal that the trust boundary
// is in place; the adapter itself performs no cryptography.
const CommissionedProbe = ".fscrypt-commissioned"

func (a *Adapter) checkFscryptCommissioned() error {
	probe := filepath.Join(a.cfg.StorageRoot, CommissionedProbe)
	if _, err := os.Stat(probe); err != nil {
		return fmt.Errorf("%w: storage at %s is not commissioned for fscrypt: %v",
			common.ErrorDevice, a.cfg.StorageRoot, err)
	}
	return nil
}

func (a *Adapter) sealFscrypt(key []byte) (*SealedKey, error) {
	if err := a.checkFscryptCommissioned(); err != nil {
		return nil, err
	}
	// The blob is the key itself; confidentiality is delegated to the
	// filesystem layer that encrypts the file this blob lands in.
	return &SealedKey{
		Version: sealedKeyVersion,
		Kind:    KindFscrypt,
		Blob:    bytes.Clone(key),
	}, nil
}

func (a *Adapter) unsealFscrypt(sk *SealedKey) ([]byte, error) {
	if err := a.checkFscryptCommissioned(); err != nil {
		return nil, err
	}
	return bytes.Clone(sk.Blob), nil
}
