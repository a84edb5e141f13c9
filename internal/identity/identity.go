// Package identity manages the hub's long-term Ed25519 keypair, used to
// prove ownership of the hub's advertised public key when a peer issues a
// challenge frame.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Identity holds the hub's long-term keypair.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// FromHex decodes a hex-encoded public key and a hex-encoded private key.
// The private key must decode to 64 bytes: a 32-byte seed followed by the
// 32-byte public key, matching crypto/ed25519's serialization.
func FromHex(publicHex, privateHex string) (*Identity, error) {
	pub, err := hex.DecodeString(publicHex)
	if err != nil {
		return nil, fmt.Errorf("identity: decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}

	priv, err := hex.DecodeString(privateHex)
	if err != nil {
		return nil, fmt.Errorf("identity: decode private key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}

	id := &Identity{
		Public:  ed25519.PublicKey(pub),
		Private: ed25519.PrivateKey(priv),
	}

	if !id.Private.Public().(ed25519.PublicKey).Equal(id.Public) {
		return nil, fmt.Errorf("identity: public key does not match the public half of the private key")
	}

	return id, nil
}

// PublicHex returns the hex-encoded public key.
func (id *Identity) PublicHex() string {
	return hex.EncodeToString(id.Public)
}

// Sign signs data with the hub's private key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.Private, data)
}

// Verify verifies that signature was produced over data by publicKey.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// DiscoveryKey derives a one-way, non-reversible advertisement key from a
// peer's public key hex string. It is used to advertise on the overlay
// without exposing the underlying public key, per the peer store's
// discovery_key column.
func DiscoveryKey(publicKeyHex string) (string, error) {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return "", fmt.Errorf("identity: decode public key: %w", err)
	}
	return hex.EncodeToString(hashSHA256(append([]byte("symmetry-discovery:"), pub...))), nil
}
