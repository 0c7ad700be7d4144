package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linux-tks/tks/internal/common"
	"github.com/linux-tks/tks/internal/cryptox"
)

// negotiate does the client half of the DH handshake and returns the
// service session plus the client's view of the shared key.
func negotiate(t *testing.T, m *Manager, algorithm string, keyLen int, peer string) (*Session, []byte) {
	t.Helper()
	client, err := cryptox.GenerateDHKeyPair()
	require.NoError(t, err)

	s, serverPub, err := m.Negotiate(algorithm, client.PublicBytes(), peer)
	require.NoError(t, err)

	clientKey, err := client.SessionKey(serverPub, keyLen)
	require.NoError(t, err)
	return s, clientKey
}

func TestPlainDisabledByDefault(t *testing.T) {
	m := NewManager(false)
	_, _, err := m.Negotiate(AlgoPlain, nil, ":1.1")
	assert.ErrorIs(t, err, common.ErrorAlgorithmNotAllowed)
}

func TestPlainWhenAllowed(t *testing.T) {
	m := NewManager(true)
	s, output, err := m.Negotiate(AlgoPlain, nil, ":1.1")
	require.NoError(t, err)
	assert.Empty(t, output)

	params, ct, err := s.Wrap([]byte("token123"))
	require.NoError(t, err)
	assert.Empty(t, params)
	assert.Equal(t, []byte("token123"), ct)

	value, err := s.Unwrap(nil, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("token123"), value)
}

func TestUnknownAlgorithm(t *testing.T) {
	m := NewManager(true)
	_, _, err := m.Negotiate("dh-ietf2048-sha512", nil, ":1.1")
	assert.ErrorIs(t, err, common.ErrorUnsupportedAlgorithm)
}

func TestDHCBCRoundTrip(t *testing.T) {
	m := NewManager(false)
	s, clientKey := negotiate(t, m, AlgoDHCBC, cbcKeyLen, ":1.1")

	// service wraps, client decrypts with its own derived key
	iv, ct, err := s.Wrap([]byte("token123"))
	require.NoError(t, err)
	value, err := cryptox.DecryptCBC(clientKey, iv, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("token123"), value)

	// client wraps, service unwraps
	iv, ct, err = cryptox.EncryptCBC(clientKey, []byte("another"))
	require.NoError(t, err)
	value, err = s.Unwrap(iv, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("another"), value)
}

func TestDHGCMRoundTrip(t *testing.T) {
	m := NewManager(false)
	s, clientKey := negotiate(t, m, AlgoDHGCM, gcmKeyLen, ":1.1")

	nonce, ct, err := s.Wrap([]byte("token123"))
	require.NoError(t, err)
	value, err := cryptox.OpenGCM(clientKey, nonce, ct, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("token123"), value)
}

func TestDHGCMDetectsBitFlips(t *testing.T) {
	m := NewManager(false)
	s, _ := negotiate(t, m, AlgoDHGCM, gcmKeyLen, ":1.1")

	nonce, ct, err := s.Wrap([]byte("token123"))
	require.NoError(t, err)

	for n := range ct {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), ct...)
			tampered[n] ^= 1 << bit
			_, err := s.Unwrap(nonce, tampered)
			assert.ErrorIs(t, err, common.ErrorIntegrity)
		}
	}
}

func TestNegotiateRejectsBadPublicKey(t *testing.T) {
	m := NewManager(false)
	_, _, err := m.Negotiate(AlgoDHCBC, []byte{0x00}, ":1.1")
	assert.ErrorIs(t, err, common.ErrorParameter)
}

func TestClosedSession(t *testing.T) {
	m := NewManager(true)
	s, _, err := m.Negotiate(AlgoPlain, nil, ":1.1")
	require.NoError(t, err)

	m.Close(s.ID)
	_, _, err = s.Wrap([]byte("x"))
	assert.ErrorIs(t, err, common.ErrorNoSession)
	_, err = s.Unwrap(nil, []byte("x"))
	assert.ErrorIs(t, err, common.ErrorNoSession)
	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, common.ErrorNoSession)
}

func TestCloseForPeer(t *testing.T) {
	m := NewManager(true)
	s1, _, err := m.Negotiate(AlgoPlain, nil, ":1.1")
	require.NoError(t, err)
	s2, _, err := m.Negotiate(AlgoPlain, nil, ":1.2")
	require.NoError(t, err)

	m.CloseForPeer(":1.1")
	_, err = m.Get(s1.ID)
	assert.ErrorIs(t, err, common.ErrorNoSession)
	_, err = m.Get(s2.ID)
	assert.NoError(t, err, "other peers keep their sessions")
}
