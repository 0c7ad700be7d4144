// Package session negotiates per-client transport encryption for
// secret values crossing the bus. Sessions are cheap, per-connection
// and carry no authorization; they only protect secret bytes from
// bus-level snooping.
package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/linux-tks/tks/internal/common"
	"github.com/linux-tks/tks/internal/cryptox"
)

// Supported algorithm names, as negotiated by clients.
const (
	AlgoPlain  = "plain"
	AlgoDHCBC  = "dh-ietf1024-sha256-aes128-cbc-pkcs7"
	AlgoDHGCM  = "dh-ietf1024-sha256-aes256-gcm"
	cbcKeyLen  = 16
	gcmKeyLen  = 32
)

// Session is one negotiated transport. Wrap and Unwrap translate
// between plaintext secret values and their on-the-wire form.
type Session struct {
	ID   uuid.UUID
	Peer string

	algorithm string

	mu     sync.Mutex
	key    []byte
	closed bool
}

func (s *Session) Algorithm() string { return s.algorithm }

// Wrap encrypts a secret value for transport. The returned parameters
// blob is algorithm specific: the CBC IV, the GCM nonce, or empty for
// plain.
func (s *Session) Wrap(value []byte) (params, ciphertext []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, fmt.Errorf("%w: session %s is closed", common.ErrorNoSession, s.ID)
	}
	switch s.algorithm {
	case AlgoPlain:
		return nil, append([]byte(nil), value...), nil
	case AlgoDHCBC:
		iv, ct, err := cryptox.EncryptCBC(s.key, value)
		if err != nil {
			return nil, nil, err
		}
		return iv, ct, nil
	case AlgoDHGCM:
		nonce, ct, err := cryptox.SealGCM(s.key, value, nil)
		if err != nil {
			return nil, nil, err
		}
		return nonce, ct, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", common.ErrorUnsupportedAlgorithm, s.algorithm)
}

// Unwrap decrypts a secret value received from the client. Corrupted
// input reports common.ErrorIntegrity.
func (s *Session) Unwrap(params, ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: session %s is closed", common.ErrorNoSession, s.ID)
	}
	switch s.algorithm {
	case AlgoPlain:
		return append([]byte(nil), ciphertext...), nil
	case AlgoDHCBC:
		value, err := cryptox.DecryptCBC(s.key, params, ciphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrorIntegrity, err)
		}
		return value, nil
	case AlgoDHGCM:
		value, err := cryptox.OpenGCM(s.key, params, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: transport authentication failed", common.ErrorIntegrity)
		}
		return value, nil
	}
	return nil, fmt.Errorf("%w: %s", common.ErrorUnsupportedAlgorithm, s.algorithm)
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.key != nil {
		cryptox.Wipe(s.key)
		s.key = nil
	}
}

// Manager tracks live sessions per client connection.
type Manager struct {
	allowPlain bool

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

func NewManager(allowPlain bool) *Manager {
	return &Manager{
		allowPlain: allowPlain,
		sessions:   make(map[uuid.UUID]*Session),
	}
}

// Negotiate opens a session for peer. For the DH algorithms
// clientInput is the client's public key and the returned output is
// the service public key; for plain both are empty. Plain is rejected
// unless explicitly allowed by configuration.
func (m *Manager) Negotiate(algorithm string, clientInput []byte, peer string) (*Session, []byte, error) {
	s := &Session{ID: uuid.New(), Peer: peer, algorithm: algorithm}
	var output []byte

	switch algorithm {
	case AlgoPlain:
		if !m.allowPlain {
			return nil, nil, fmt.Errorf("%w: plain sessions are disabled", common.ErrorAlgorithmNotAllowed)
		}
	case AlgoDHCBC, AlgoDHGCM:
		keyLen := cbcKeyLen
		if algorithm == AlgoDHGCM {
			keyLen = gcmKeyLen
		}
		pair, err := cryptox.GenerateDHKeyPair()
		if err != nil {
			return nil, nil, err
		}
		key, err := pair.SessionKey(clientInput, keyLen)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", common.ErrorParameter, err)
		}
		s.key = key
		output = pair.PublicBytes()
	default:
		return nil, nil, fmt.Errorf("%w: %s", common.ErrorUnsupportedAlgorithm, algorithm)
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s, output, nil
}

// Get looks up a live session. Unknown or closed sessions report
// common.ErrorNoSession.
func (m *Manager) Get(id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", common.ErrorNoSession, id)
	}
	return s, nil
}

// Close tears down one session and wipes its key.
func (m *Manager) Close(id uuid.UUID) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		s.close()
	}
}

// CloseForPeer tears down every session of a disconnected client.
func (m *Manager) CloseForPeer(peer string) {
	m.mu.Lock()
	var gone []*Session
	for id, s := range m.sessions {
		if s.Peer == peer {
			gone = append(gone, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
	for _, s := range gone {
		s.close()
	}
}

// CloseAll wipes every session key; used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[uuid.UUID]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}
