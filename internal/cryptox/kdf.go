package cryptox

import "golang.org/x/crypto/argon2"

// Argon2Params captures the cost parameters persisted alongside a
// passphrase-sealed key, so old blobs stay readable when defaults move.
type Argon2Params struct {
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
	KeyLen    uint32 `json:"key_len"`
}

// DefaultArgon2Params returns the cost used for newly sealed keys.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 1, MemoryKiB: 64 * 1024, Threads: 4, KeyLen: 32}
}

// DeriveKey stretches a passphrase with Argon2id.
func DeriveKey(passphrase, salt []byte, p Argon2Params) []byte {
	return argon2.IDKey(passphrase, salt, p.Time, p.MemoryKiB, p.Threads, p.KeyLen)
}
