// Package cryptox implements the cryptographic primitives used by the
// trust-anchor adapter, the storage engine and the session negotiator:
// AES-GCM sealing with associated data, Argon2id key derivation, the
// dh-ietf1024 transport handshake and AES-CBC/PKCS#7 envelopes.
package cryptox

import "crypto/rand"

// RandBytes returns size cryptographically random bytes.
func RandBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Wipe overwrites b with zeros. Used to remove key material from
// memory once it is no longer needed.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
