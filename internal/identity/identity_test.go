package identity

import (
	"path/filepath"
	"testing"
)

func TestGenerateProducesVerifiableSignature(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	msg := []byte("hello icechat")
	sig := id.Sign(msg)
	if !Verify(id.Cert(), msg, sig) {
		t.Fatalf("signature did not verify against own cert")
	}

	other, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if Verify(other.Cert(), msg, sig) {
		t.Fatalf("signature should not verify against unrelated cert")
	}
}

func TestLoadOrGeneratePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (reload): %v", err)
	}

	if first.Cert() != second.Cert() {
		t.Fatalf("expected reloaded identity to keep the same certificate")
	}
}

func TestAuthorIsXorFoldOfCert(t *testing.T) {
	var cert Cert
	for i := range cert {
		cert[i] = byte(i + 1)
	}

	// word0 = LE(1,2,3,4), word1 = LE(5,6,7,8), word2 = LE(9,10,11,12), word3 = LE(13,14,15,16)
	word := func(b0, b1, b2, b3 byte) uint32 {
		return uint32(b0) | uint32(b1)<<8 | uint32(b2)<<16 | uint32(b3)<<24
	}
	want := word(1, 2, 3, 4) ^ word(5, 6, 7, 8) ^ word(9, 10, 11, 12) ^ word(13, 14, 15, 16)

	if got := uint32(cert.Author()); got != want {
		t.Fatalf("Author() = %#x, want %#x", got, want)
	}
}

func TestRendezvousChannelIsSymmetric(t *testing.T) {
	alice, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	bob, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	aliceChannel, err := alice.RendezvousChannel(bob.Cert(), "salt")
	if err != nil {
		t.Fatalf("RendezvousChannel(alice->bob): %v", err)
	}
	bobChannel, err := bob.RendezvousChannel(alice.Cert(), "salt")
	if err != nil {
		t.Fatalf("RendezvousChannel(bob->alice): %v", err)
	}

	if aliceChannel != bobChannel {
		t.Fatalf("rendezvous channel not symmetric: %q != %q", aliceChannel, bobChannel)
	}
	if aliceChannel == "" {
		t.Fatalf("rendezvous channel should not be empty")
	}
}

func TestRendezvousChannelDependsOnSalt(t *testing.T) {
	alice, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	bob, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	a, err := alice.RendezvousChannel(bob.Cert(), "salt-one")
	if err != nil {
		t.Fatalf("RendezvousChannel: %v", err)
	}
	b, err := alice.RendezvousChannel(bob.Cert(), "salt-two")
	if err != nil {
		t.Fatalf("RendezvousChannel: %v", err)
	}

	if a == b {
		t.Fatalf("expected different salts to produce different channels")
	}
}
