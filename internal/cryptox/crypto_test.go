package cryptox

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandBytes(t *testing.T) {
	a, err := RandBytes(32)
	require.NoError(t, err)
	b, err := RandBytes(32)
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestWipe(t *testing.T) {
	b := []byte("sensitive")
	Wipe(b)
	assert.Equal(t, make([]byte, len("sensitive")), b)
}

func TestSealOpenGCMRoundTrip(t *testing.T) {
	key, err := RandBytes(32)
	require.NoError(t, err)

	nonce, ct, err := SealGCM(key, []byte("token123"), []byte("coll/item"))
	require.NoError(t, err)

	pt, err := OpenGCM(key, nonce, ct, []byte("coll/item"))
	require.NoError(t, err)
	assert.Equal(t, []byte("token123"), pt)
}

func TestOpenGCMRejectsWrongAAD(t *testing.T) {
	key, err := RandBytes(32)
	require.NoError(t, err)

	nonce, ct, err := SealGCM(key, []byte("token123"), []byte("coll/item-a"))
	require.NoError(t, err)

	// same ciphertext presented under another item's identity
	_, err = OpenGCM(key, nonce, ct, []byte("coll/item-b"))
	assert.Error(t, err)
}

func TestOpenGCMRejectsTamperedCiphertext(t *testing.T) {
	key, err := RandBytes(32)
	require.NoError(t, err)

	nonce, ct, err := SealGCM(key, []byte("token123"), nil)
	require.NoError(t, err)

	for i := range ct {
		mutated := bytes.Clone(ct)
		mutated[i] ^= 0x01
		_, err := OpenGCM(key, nonce, mutated, nil)
		assert.Error(t, err, "flipped bit in byte %d went unnoticed", i)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	p := DefaultArgon2Params()
	k1 := DeriveKey([]byte("passphrase"), []byte("salt-1"), p)
	k2 := DeriveKey([]byte("passphrase"), []byte("salt-1"), p)
	k3 := DeriveKey([]byte("passphrase"), []byte("salt-2"), p)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, int(p.KeyLen))
}

func TestDHAgreement(t *testing.T) {
	client, err := GenerateDHKeyPair()
	require.NoError(t, err)
	server, err := GenerateDHKeyPair()
	require.NoError(t, err)

	k1, err := client.SessionKey(server.PublicBytes(), 16)
	require.NoError(t, err)
	k2, err := server.SessionKey(client.PublicBytes(), 16)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 16)
}

func TestDHRejectsOutOfRangePublic(t *testing.T) {
	kp, err := GenerateDHKeyPair()
	require.NoError(t, err)

	_, err = kp.SessionKey(make([]byte, 128), 16) // zero
	assert.Error(t, err)
}

func TestCBCRoundTrip(t *testing.T) {
	key, err := RandBytes(16)
	require.NoError(t, err)

	for _, size := range []int{0, 1, 15, 16, 17, 100} {
		pt, err := RandBytes(size)
		require.NoError(t, err)

		iv, ct, err := EncryptCBC(key, pt)
		require.NoError(t, err)
		assert.Zero(t, len(ct)%16)

		got, err := DecryptCBC(key, iv, ct)
		require.NoError(t, err)
		assert.Equal(t, pt, got)
	}
}

func TestCBCRejectsGarbage(t *testing.T) {
	key, err := RandBytes(16)
	require.NoError(t, err)

	_, err = DecryptCBC(key, make([]byte, 16), []byte("short"))
	assert.Error(t, err)

	_, err = DecryptCBC(key, make([]byte, 3), make([]byte, 16))
	assert.Error(t, err)
}
