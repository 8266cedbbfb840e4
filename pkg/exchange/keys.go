// Package exchange provides the secp256k1 keypairs used throughout the
// ratchet: identity keys, invite ephemeral keys, envelope throwaway keys, and
// the ratchet's own DH keypairs. A single key type backs all of these
// because a ratchet DH public key must also be a valid, Schnorr-signable
// Nostr author key (BIP-340 / NIP-01).
package exchange

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Keypair is a secp256k1 keypair. PublicKey is the 32-byte x-only
// representation Nostr uses as a pubkey (hex-encoded in wire events).
type Keypair struct {
	priv *btcec.PrivateKey
	pub  *btcec.PublicKey
}

// Generate creates a fresh random keypair.
func Generate() (*Keypair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	return &Keypair{priv: priv, pub: priv.PubKey()}, nil
}

// FromPrivateHex restores a keypair from a 32-byte hex-encoded private key.
func FromPrivateHex(privHex string) (*Keypair, error) {
	b, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: private key must be 32 bytes", ErrInvalidKey)
	}
	priv, pub := btcec.PrivKeyFromBytes(b)
	return &Keypair{priv: priv, pub: pub}, nil
}

// PublicKeyHex returns the 32-byte x-only public key, hex-encoded.
func (k *Keypair) PublicKeyHex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(k.pub))
}

// PrivateKeyHex returns the 32-byte private scalar, hex-encoded.
func (k *Keypair) PrivateKeyHex() string {
	return hex.EncodeToString(k.priv.Serialize())
}

// ParsePublicKeyHex parses a 32-byte x-only hex public key.
func ParsePublicKeyHex(pubHex string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: public key must be 32 bytes", ErrInvalidKey)
	}
	pub, err := schnorr.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, err)
	}
	return pub, nil
}

// Exchange performs an ECDH between this keypair's private scalar and a
// peer's x-only public key, returning a 32-byte shared secret: the
// x-coordinate of the shared point, unhashed.
func (k *Keypair) Exchange(peerPubHex string) ([]byte, error) {
	peerPub, err := ParsePublicKeyHex(peerPubHex)
	if err != nil {
		return nil, err
	}
	shared := btcec.GenerateSharedSecret(k.priv, peerPub)
	return shared, nil
}

// Sign produces a BIP-340 Schnorr signature over a 32-byte message digest.
func (k *Keypair) Sign(digest [32]byte) ([]byte, error) {
	sig, err := schnorr.Sign(k.priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

// Verify checks a BIP-340 Schnorr signature produced by Sign.
func Verify(pubHex string, digest [32]byte, sig []byte) error {
	pub, err := ParsePublicKeyHex(pubHex)
	if err != nil {
		return err
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}
	if !parsed.Verify(digest[:], pub) {
		return ErrInvalidSignature
	}
	return nil
}

// Digest is the plain SHA-256 helper used for Schnorr signing inputs that
// are not already a canonical event hash (e.g. ad-hoc challenges).
func Digest(msg []byte) [32]byte {
	return sha256.Sum256(msg)
}

// RandomHex returns n random bytes, hex-encoded. Used for shared secrets and
// other 32-byte high-entropy values that are not keys.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Signer is the polymorphic "function or credential" choice spec design
// notes describe: an invitee may supply either a raw private key or a
// sign/ECDH-exchange callback pair (e.g. a hardware-backed signer). Both Keypair
// and SignerFunc satisfy it.
type Signer interface {
	PublicKeyHex() string
	Sign(digest [32]byte) ([]byte, error)
	Exchange(peerPubHex string) ([]byte, error)
}

// SignerFunc adapts a closure pair into a Signer, for callers who hold keys
// outside the process (HSM, remote signer, …) instead of raw bytes.
type SignerFunc struct {
	PubHex     string
	SignFn     func(digest [32]byte) ([]byte, error)
	ExchangeFn func(peerPubHex string) ([]byte, error)
}

func (f SignerFunc) PublicKeyHex() string                      { return f.PubHex }
func (f SignerFunc) Sign(digest [32]byte) ([]byte, error)       { return f.SignFn(digest) }
func (f SignerFunc) Exchange(peerPubHex string) ([]byte, error) { return f.ExchangeFn(peerPubHex) }

var (
	_ Signer = (*Keypair)(nil)
	_ Signer = SignerFunc{}
)
