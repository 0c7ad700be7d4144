package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// The dh-ietf1024-sha256-* session algorithms use the 1024-bit MODP
// group from RFC 2409 (Second Oakley Group), generator 2, as required
// by the Secret Service transport specification.
const modp1024Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381" +
	"FFFFFFFFFFFFFFFF"

var (
	dhPrime, _  = new(big.Int).SetString(modp1024Hex, 16)
	dhGenerator = big.NewInt(2)
)

// DHKeyPair holds one side of a dh-ietf1024 exchange. The private
// exponent never leaves the process.
type DHKeyPair struct {
	Private *big.Int
	Public  *big.Int
}

// GenerateDHKeyPair picks a random private exponent and computes the
// matching public value.
func GenerateDHKeyPair() (*DHKeyPair, error) {
	priv, err := rand.Int(rand.Reader, dhPrime)
	if err != nil {
		return nil, err
	}
	return &DHKeyPair{
		Private: priv,
		Public:  new(big.Int).Exp(dhGenerator, priv, dhPrime),
	}, nil
}

// PublicBytes returns the public value as a 128-byte big-endian
// buffer, the form it crosses the bus in.
func (kp *DHKeyPair) PublicBytes() []byte {
	return kp.Public.FillBytes(make([]byte, 128))
}

// SessionKey computes the shared secret against the peer's public
// value and derives a keyLen-byte transport key with HKDF-SHA256
// (nil salt, empty info, per the published algorithm).
func (kp *DHKeyPair) SessionKey(peerPublic []byte, keyLen int) ([]byte, error) {
	peer := new(big.Int).SetBytes(peerPublic)
	if peer.Sign() <= 0 || peer.Cmp(dhPrime) >= 0 {
		return nil, errors.New("peer public value out of range")
	}
	shared := new(big.Int).Exp(peer, kp.Private, dhPrime)
	ikm := shared.FillBytes(make([]byte, 128))
	defer Wipe(ikm)

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, nil), key); err != nil {
		return nil, err
	}
	return key, nil
}
