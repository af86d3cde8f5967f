package seal

import (
	"context"
	"time"

	"github.com/awnumar/memguard"

	"github.com/memoryplane/memoryplane/pkg/identity"
)

// Config configures an [Envelope].
type Config struct {
	// MasterSecret seeds identity-key derivation (see package doc). New
	// moves it into a memguard locked buffer, which wipes this slice in
	// place — callers must not reuse it afterward.
	MasterSecret []byte

	Signer        Signer
	SessionTTL    time.Duration
	KeyServers    []KeyServer
	Quorum        int
	VerifyServers bool
}

// Envelope implements the Encryption Envelope (C3): identity-based
// encrypt/decrypt, session lifecycle, and key-server quorum aggregation.
type Envelope struct {
	secret   *memguard.LockedBuffer
	sessions *sessionManager
	quorum   *quorumClient
	verify   bool
}

// New builds an [Envelope] from cfg.
func New(cfg Config) *Envelope {
	return &Envelope{
		secret:   memguard.NewBufferFromBytes(cfg.MasterSecret),
		sessions: newSessionManager(cfg.Signer, cfg.SessionTTL),
		quorum:   newQuorumClient(cfg.KeyServers, cfg.Quorum),
		verify:   cfg.VerifyServers,
	}
}

// Close wipes the envelope's master secret from memory. Call once during
// shutdown.
func (e *Envelope) Close() {
	e.secret.Destroy()
}

// Encrypt seals plaintext under id, per spec §4.3.
func (e *Envelope) Encrypt(plaintext []byte, id identity.Identity) ([]byte, error) {
	return seal(e.secret.Bytes(), plaintext, id)
}

// Decrypt runs the full decrypt protocol from spec §4.3:
//  1. ensure a session exists for (userAddress, packageID);
//  2. submit the session's signed approval message to key servers;
//  3. aggregate shares to quorum;
//  4. locally decrypt and verify integrity.
//
// requestingIdentity is the caller's identity, sent to key servers as a
// separate field of the share request — the decryption itself is keyed by
// the ciphertext's embedded identity (contentID).
func (e *Envelope) Decrypt(ctx context.Context, ciphertext []byte, contentID identity.Identity, requestingIdentity string, packageID string) ([]byte, error) {
	session, err := e.sessions.Get(ctx, contentID.Address, packageID)
	if err != nil {
		return nil, err
	}

	sig, err := session.signature()
	if err != nil {
		return nil, err
	}
	defer sig.Destroy()

	req := ShareRequest{
		SessionHandle:      session.Handle,
		ApprovalMessage:    append([]byte(nil), sig.Bytes()...),
		RequestingIdentity: requestingIdentity,
	}

	if _, err := e.quorum.Aggregate(ctx, req); err != nil {
		return nil, err
	}

	return open(e.secret.Bytes(), ciphertext, contentID)
}

// RotateKeys discards all cached sessions for userAddress, requiring a fresh
// sign-challenge on the next decrypt. Pre-rotation ciphertexts remain
// decryptable since their key derives from the identity string, not the
// session.
func (e *Envelope) RotateKeys(userAddress string) {
	e.sessions.Rotate(userAddress)
}
