package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// ErrPadding reports an invalid PKCS#7 padding after CBC decryption.
// The plaintext structure is never inspected; padding is the only
// signal, and it is checked over the whole final block.
var ErrPadding = errors.New("invalid pkcs7 padding")

// EncryptCBC encrypts plaintext with AES-CBC and PKCS#7 padding,
// returning a fresh IV and the ciphertext.
func EncryptCBC(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	iv, err = RandBytes(aes.BlockSize)
	if err != nil {
		return nil, nil, err
	}

	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padLen)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	Wipe(padded)
	return iv, ciphertext, nil
}

// DecryptCBC reverses EncryptCBC. Any structural defect, including bad
// padding, yields an error and no plaintext.
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.New("invalid iv length")
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("invalid ciphertext length")
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	padLen := int(padded[len(padded)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(padded) {
		Wipe(padded)
		return nil, ErrPadding
	}
	for _, b := range padded[len(padded)-padLen:] {
		if int(b) != padLen {
			Wipe(padded)
			return nil, ErrPadding
		}
	}
	plaintext := make([]byte, len(padded)-padLen)
	copy(plaintext, padded)
	Wipe(padded)
	return plaintext, nil
}
