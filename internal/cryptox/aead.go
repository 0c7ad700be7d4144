package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
)

// GCMNonceSize is the nonce length used for all stored ciphertexts.
const GCMNonceSize = 12

// SealGCM encrypts plaintext under key with AES-GCM, binding the
// ciphertext to aad. A fresh random nonce is generated per call.
func SealGCM(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = RandBytes(aead.NonceSize())
	if err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

// OpenGCM decrypts a SealGCM ciphertext. The error from the underlying
// cipher is returned as-is; callers decide whether a tag failure means
// tampering or a wrong key.
func OpenGCM(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}
