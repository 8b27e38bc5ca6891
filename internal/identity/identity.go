// Package identity manages the node's long-term Ed25519 keypair and the
// derived values that depend on it: the 32-bit Author used to stamp every
// patch, and the per-peer rendezvous channel string used to locate a
// counterpart before dialing.
package identity

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// Cert is a node's public identity: its raw 32-byte Ed25519 public key.
type Cert [32]byte

// Author is the 32-bit XOR-fold of a Cert, used to stamp patches and to
// break generation ties in the CRDT total order.
type Author int32

// Hex renders the certificate as a lowercase hex string.
func (c Cert) Hex() string {
	return hex.EncodeToString(c[:])
}

// Author derives the 32-bit Author from the certificate: the four
// little-endian int32 words in the 32-byte key, XOR-folded together.
func (c Cert) Author() Author {
	var a uint32
	for word := 0; word < 4; word++ {
		off := word * 4
		v := uint32(c[off]) | uint32(c[off+1])<<8 | uint32(c[off+2])<<16 | uint32(c[off+3])<<24
		a ^= v
	}
	return Author(int32(a))
}

// Identity is the node's long-term keypair.
type Identity struct {
	priv ed25519.PrivateKey
	cert Cert
}

// Generate creates a new random Identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	var cert Cert
	copy(cert[:], pub)
	return &Identity{priv: priv, cert: cert}, nil
}

// LoadOrGenerate loads the seed stored at path, generating and persisting a
// new one on first run. The file holds the raw 32-byte Ed25519 seed.
func LoadOrGenerate(path string) (*Identity, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("identity file %s: bad seed length %d", path, len(seed))
		}
		priv := ed25519.NewKeyFromSeed(seed)
		var cert Cert
		copy(cert[:], priv.Public().(ed25519.PublicKey))
		return &Identity{priv: priv, cert: cert}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(path, id.priv.Seed(), 0600); err != nil {
		return nil, fmt.Errorf("write identity file: %w", err)
	}
	return id, nil
}

// Cert returns the node's public certificate.
func (id *Identity) Cert() Cert {
	return id.cert
}

// Author returns the node's Author value, derived from its certificate.
func (id *Identity) Author() Author {
	return id.cert.Author()
}

// Sign signs a message with the node's private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.priv, message)
}

// Verify checks a signature made by the holder of cert.
func Verify(cert Cert, message, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(cert[:]), message, sig)
}

// x25519Priv converts the Ed25519 private key's seed to an X25519 scalar by
// hashing the seed with SHA-512 and clamping, per the standard Ed25519 to
// X25519 conversion.
func (id *Identity) x25519Priv() [32]byte {
	var out [32]byte
	seed := id.priv.Seed()
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	copy(out[:], h[:32])
	return out
}

// certToX25519 converts an Ed25519 public key to its Montgomery u-coordinate
// (the corresponding X25519 public key), via the Edwards point it encodes.
func certToX25519(cert Cert) ([32]byte, error) {
	var out [32]byte
	point, err := new(edwards25519.Point).SetBytes(cert[:])
	if err != nil {
		return out, fmt.Errorf("invalid ed25519 point: %w", err)
	}
	copy(out[:], point.BytesMontgomery())
	return out, nil
}

// RendezvousChannel derives the shared channel string two peers use to find
// each other: an X25519 Diffie-Hellman agreement over the two certificates,
// hex-encoded, then bound to salt with HMAC-SHA512 so callers can scope the
// same keypair to unrelated applications. salt is not secret.
func (id *Identity) RendezvousChannel(peerCert Cert, salt string) (string, error) {
	peerX25519, err := certToX25519(peerCert)
	if err != nil {
		return "", err
	}

	priv := id.x25519Priv()
	secret, err := curve25519.X25519(priv[:], peerX25519[:])
	if err != nil {
		return "", fmt.Errorf("x25519 agreement: %w", err)
	}

	baseKey := hex.EncodeToString(secret)
	mac := hmac.New(sha512.New, []byte(salt))
	mac.Write([]byte(baseKey))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
