package panel

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// WGKeyPair is a base64-encoded WireGuard key pair.
type WGKeyPair struct {
	Private string
	Public  string
}

// GenerateWGKeyPair creates a clamped X25519 key pair.
func GenerateWGKeyPair() (WGKeyPair, error) {
	var priv [curve25519.ScalarSize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return WGKeyPair{}, fmt.Errorf("read random key: %w", err)
	}
	priv[0] &= 248
	priv[31] = (priv[31] & 127) | 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return WGKeyPair{}, fmt.Errorf("derive public key: %w", err)
	}
	return WGKeyPair{
		Private: base64.StdEncoding.EncodeToString(priv[:]),
		Public:  base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// GenerateWGPresharedKey returns a random 32-byte key, base64-encoded.
func GenerateWGPresharedKey() (string, error) {
	var k [32]byte
	if _, err := rand.Read(k[:]); err != nil {
		return "", fmt.Errorf("read random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(k[:]), nil
}
