package seal

import (
	"context"
	"testing"
	"time"

	"github.com/memoryplane/memoryplane/pkg/identity"
	"github.com/memoryplane/memoryplane/pkg/memerr"
)

type fakeSigner struct{}

func (fakeSigner) Sign(ctx context.Context, userAddress string, challenge []byte) ([]byte, error) {
	return append([]byte("sig:"), challenge...), nil
}

type fakeKeyServer struct {
	id      string
	weight  int
	share   Share
	failErr error
}

func (f *fakeKeyServer) ID() string     { return f.id }
func (f *fakeKeyServer) Weight() int    { return f.weight }
func (f *fakeKeyServer) FetchShare(ctx context.Context, req ShareRequest) (Share, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	return f.share, nil
}

func newTestEnvelope(servers []KeyServer, quorum int) *Envelope {
	return New(Config{
		MasterSecret: []byte("test-master-secret-spanning-32-bytes!!"),
		Signer:       fakeSigner{},
		SessionTTL:   time.Minute,
		KeyServers:   servers,
		Quorum:       quorum,
	})
}

func agreeingServers() []KeyServer {
	return []KeyServer{
		&fakeKeyServer{id: "s1", weight: 1, share: Share("agree")},
		&fakeKeyServer{id: "s2", weight: 1, share: Share("agree")},
		&fakeKeyServer{id: "s3", weight: 1, share: Share("agree")},
	}
}

func TestEnvelope_EncryptDecryptRoundTrip(t *testing.T) {
	env := newTestEnvelope(agreeingServers(), 2)
	defer env.Close()

	id := identity.NewSelf("0xUSER")
	ciphertext, err := env.Encrypt([]byte("My dog's name is Pepper"), id)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	plaintext, err := env.Decrypt(context.Background(), ciphertext, id, "0xUSER", "pkg1")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "My dog's name is Pepper" {
		t.Fatalf("plaintext = %q, want original", plaintext)
	}
}

func TestEnvelope_TamperedCiphertextFailsIntegrity(t *testing.T) {
	env := newTestEnvelope(agreeingServers(), 2)
	defer env.Close()

	id := identity.NewSelf("0xUSER")
	ciphertext, err := env.Encrypt([]byte("secret"), id)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = env.Decrypt(context.Background(), ciphertext, id, "0xUSER", "pkg1")
	if err == nil {
		t.Fatal("expected error decrypting tampered ciphertext")
	}
}

func TestEnvelope_WrongIdentityFails(t *testing.T) {
	env := newTestEnvelope(agreeingServers(), 2)
	defer env.Close()

	id := identity.NewSelf("0xUSER")
	wrong := identity.NewSelf("0xOTHER")
	ciphertext, _ := env.Encrypt([]byte("secret"), id)

	_, err := env.Decrypt(context.Background(), ciphertext, wrong, "0xOTHER", "pkg1")
	if err == nil {
		t.Fatal("expected error decrypting under mismatched identity")
	}
}

func TestEnvelope_KeyServerDisagreementFails(t *testing.T) {
	servers := []KeyServer{
		&fakeKeyServer{id: "s1", weight: 1, share: Share("agree")},
		&fakeKeyServer{id: "s2", weight: 1, share: Share("corrupted")},
		&fakeKeyServer{id: "s3", weight: 1, share: Share("agree")},
	}
	env := newTestEnvelope(servers, 2)
	defer env.Close()

	id := identity.NewSelf("0xUSER")
	ciphertext, _ := env.Encrypt([]byte("secret"), id)

	_, err := env.Decrypt(context.Background(), ciphertext, id, "0xUSER", "pkg1")
	if err == nil {
		t.Fatal("expected InconsistentKeyServers error")
	}
	if got := memerr.Kind(err); got != "InconsistentKeyServers" {
		t.Fatalf("Kind(err) = %q, want InconsistentKeyServers", got)
	}
}

func TestEnvelope_QuorumNotReached(t *testing.T) {
	servers := []KeyServer{
		&fakeKeyServer{id: "s1", weight: 1, share: Share("agree")},
	}
	env := newTestEnvelope(servers, 2)
	defer env.Close()

	id := identity.NewSelf("0xUSER")
	ciphertext, _ := env.Encrypt([]byte("secret"), id)

	_, err := env.Decrypt(context.Background(), ciphertext, id, "0xUSER", "pkg1")
	if err == nil {
		t.Fatal("expected quorum-not-reached error")
	}
}

func TestIdentityVariants_EncryptDecrypt(t *testing.T) {
	env := newTestEnvelope(agreeingServers(), 2)
	defer env.Close()

	ids := []identity.Identity{
		identity.NewSelf("0xUSER"),
		identity.NewApp("0xUSER", "0xAPP"),
		identity.NewTime("0xUSER", 1234567890),
		identity.NewRole("0xUSER", "admin"),
		identity.NewCond("0xUSER", "deadbeefdeadbeefextra"),
	}
	for _, id := range ids {
		ciphertext, err := env.Encrypt([]byte("payload"), id)
		if err != nil {
			t.Fatalf("Encrypt(%s): %v", id, err)
		}
		plaintext, err := env.Decrypt(context.Background(), ciphertext, id, id.Address, "pkg1")
		if err != nil {
			t.Fatalf("Decrypt(%s): %v", id, err)
		}
		if string(plaintext) != "payload" {
			t.Fatalf("Decrypt(%s) = %q, want payload", id, plaintext)
		}
	}
}
