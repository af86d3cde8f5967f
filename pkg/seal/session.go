package seal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/memoryplane/memoryplane/pkg/memerr"
)

// Signer holds a user's private key and signs the session-establishment
// challenge. The envelope never sees the private key itself.
type Signer interface {
	Sign(ctx context.Context, userAddress string, challenge []byte) (signature []byte, err error)
}

// SessionKey is a short-lived decryption capability bound to (address,
// packageID), per spec §3/§4.3. Its signature material is held inside a
// [memguard.Enclave] so it is encrypted at rest in process memory and wiped
// on eviction.
type SessionKey struct {
	Address   string
	PackageID string
	Handle    string
	ExpiresAt time.Time

	enclave *memguard.Enclave
}

// Expired reports whether the session has outlived its TTL at t.
func (s *SessionKey) Expired(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

// ApprovalMessage formats the challenge text signed to establish a session,
// per the fixed format in spec §6.
func ApprovalMessage(userAddress, packageID string, ttl time.Duration) []byte {
	return []byte(fmt.Sprintf(
		"Please sign this message to authenticate with SEAL:\n\nAddress: %s\nPackage: %s\nTTL: %d minutes",
		userAddress, packageID, int(ttl.Minutes()),
	))
}

// sessionManager caches [SessionKey] values per (address, packageID) and
// re-establishes them via [Signer] on expiry.
type sessionManager struct {
	signer Signer
	ttl    time.Duration

	mu       sync.Mutex
	sessions map[string]*SessionKey
}

func newSessionManager(signer Signer, ttl time.Duration) *sessionManager {
	if ttl <= 0 {
		ttl = 60 * time.Minute
	}
	return &sessionManager{signer: signer, ttl: ttl, sessions: map[string]*SessionKey{}}
}

func sessionKeyID(address, packageID string) string {
	return address + "\x00" + packageID
}

// Get returns a valid session for (address, packageID), creating one via a
// fresh sign challenge if none exists or the cached one has expired.
func (m *sessionManager) Get(ctx context.Context, address, packageID string) (*SessionKey, error) {
	key := sessionKeyID(address, packageID)

	m.mu.Lock()
	existing, ok := m.sessions[key]
	m.mu.Unlock()
	if ok && !existing.Expired(time.Now()) {
		return existing, nil
	}

	challenge := ApprovalMessage(address, packageID, m.ttl)
	sig, err := m.signer.Sign(ctx, address, challenge)
	if err != nil {
		return nil, fmt.Errorf("seal: sign session challenge: %w: %v", memerr.ErrSessionExpired, err)
	}

	sess := &SessionKey{
		Address:   address,
		PackageID: packageID,
		Handle:    fmt.Sprintf("%s:%s:%d", address, packageID, time.Now().UnixNano()),
		ExpiresAt: time.Now().Add(m.ttl),
		enclave:   memguard.NewEnclave(sig),
	}

	m.mu.Lock()
	m.sessions[key] = sess
	m.mu.Unlock()
	return sess, nil
}

// Rotate discards every cached session for address, forcing the next Get to
// sign a fresh challenge. Per spec §4.3, rotation does not affect the
// decryptability of ciphertexts already sealed under identity keys.
func (m *sessionManager) Rotate(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, sess := range m.sessions {
		if sess.Address == address {
			delete(m.sessions, key)
		}
	}
}

// signature opens the enclave to retrieve the session's signing material for
// the duration of a single operation. The returned buffer must be destroyed
// by the caller when finished.
func (s *SessionKey) signature() (*memguard.LockedBuffer, error) {
	return s.enclave.Open()
}
