package solana

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
)

// Keypair is an ed25519 signing key for a Solana wallet.
type Keypair struct {
	priv ed25519.PrivateKey
}

// KeypairFromBase58 decodes a base58 secret key. Both the 64-byte form used by
// the Solana CLI and a bare 32-byte seed are accepted.
func KeypairFromBase58(secret string) (*Keypair, error) {
	raw, err := base58.Decode(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base58 secret key: %w", err)
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return &Keypair{priv: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		priv := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if string(priv[ed25519.SeedSize:]) != string(raw[ed25519.SeedSize:]) {
			return nil, fmt.Errorf("secret key public half does not match its seed")
		}
		return &Keypair{priv: priv}, nil
	default:
		return nil, fmt.Errorf("secret key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// NewKeypairFromSeed derives a keypair from a 32-byte seed.
func NewKeypairFromSeed(seed []byte) *Keypair {
	return &Keypair{priv: ed25519.NewKeyFromSeed(seed)}
}

// PublicKeyBytes returns the raw 32-byte public key.
func (k *Keypair) PublicKeyBytes() []byte {
	return []byte(k.priv.Public().(ed25519.PublicKey))
}

// PublicKey returns the base58 wallet address.
func (k *Keypair) PublicKey() string {
	return base58.Encode(k.PublicKeyBytes())
}

// Sign signs msg.
func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// SecretBase58 encodes the 64-byte secret key.
func (k *Keypair) SecretBase58() string {
	return base58.Encode(k.priv)
}

// Address is an alias of PublicKey.
func (k *Keypair) Address() string {
	return k.PublicKey()
}

// SignTransaction signs a base64 wire transaction with this key.
func (k *Keypair) SignTransaction(txBase64 string) (signed string, txID string, err error) {
	return SignTransaction(txBase64, k)
}
