package trustanchor

import (
	"fmt"

	"github.com/linux-tks/tks/internal/common"
	"github.com/linux-tks/tks/internal/cryptox"
)

// Associated data binding the wrapped blob to its purpose, so a sealed
// master key cannot be replayed as some other ciphertext.
const masterKeyAAD = "tks/master-key/v1"

func (a *Adapter) sealPassphrase(key, factor []byte) (*SealedKey, error) {
	if len(factor) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", common.ErrorParameter)
	}
	salt, err := cryptox.RandBytes(32)
	if err != nil {
		return nil, err
	}
	params := cryptox.DefaultArgon2Params()

	kek := cryptox.DeriveKey(factor, salt, params)
	defer cryptox.Wipe(kek)

	nonce, blob, err := cryptox.SealGCM(kek, key, []byte(masterKeyAAD))
	if err != nil {
		return nil, err
	}
	return &SealedKey{
		Version: sealedKeyVersion,
		Kind:    KindPassphrase,
		Salt:    salt,
		Argon2:  &params,
		Nonce:   nonce,
		Blob:    blob,
	}, nil
}

func (a *Adapter) unsealPassphrase(sk *SealedKey, factor []byte) ([]byte, error) {
	if sk.Argon2 == nil {
		return nil, fmt.Errorf("%w: sealed key missing kdf parameters", common.ErrorIntegrity)
	}
	kek := cryptox.DeriveKey(factor, sk.Salt, *sk.Argon2)
	defer cryptox.Wipe(kek)

	// A wrong passphrase is detected only through the GCM tag; the
	// plaintext is never decrypted and inspected.
	key, err := cryptox.OpenGCM(kek, sk.Nonce, sk.Blob, []byte(masterKeyAAD))
	if err != nil {
		return nil, common.ErrorAuthorization
	}
	return key, nil
}
