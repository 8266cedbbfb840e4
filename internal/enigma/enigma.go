// Package enigma holds the ratchet's symmetric primitives: an HKDF-based key
// derivation function and an XChaCha20-Poly1305 AEAD built on top of it.
package enigma

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const keySize = 32

const nonceSize = chacha20poly1305.NonceSizeX

// kdfInfo domain-separates ratchet KDF expansion from the one-shot Derive
// calls made by NewEnigma and the store, so the two can never collide even
// when fed the same key material.
var kdfInfo = []byte("double-ratchet/kdf")

var (
	ErrInvalidCiphertext = errors.New("ciphertext is not valid")

	hasher = sha256.New
)

// Enigma is a single-key AEAD instance, derived once via HKDF and reused for
// every Encrypt/Decrypt call against that key.
type Enigma struct {
	aead cipher.AEAD
}

// NewEnigma derives a ChaCha20-Poly1305 key from secret/salt/info via HKDF
// and wraps it into an AEAD.
func NewEnigma(secret, salt, info []byte) (*Enigma, error) {
	key, err := Derive(secret, salt, info, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305X: %w", err)
	}

	return &Enigma{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce, prefixed to the output.
func (e *Enigma) Encrypt(plaintext []byte) []byte {
	nonce := make(
		[]byte, nonceSize, nonceSize+len(plaintext)+e.aead.Overhead(),
	)
	if _, err := rand.Read(nonce); err != nil {
		panic(fmt.Errorf("generating nonce: %w", err))
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil)
}

// Decrypt opens a ciphertext produced by Encrypt.
func (e *Enigma) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("aead.Open: %w", err)
	}

	return plaintext, nil
}

// Derive expands key/salt/info into a single size-byte secret via
// HKDF-SHA256. It is the one-output case of the same expansion KDF builds
// on, used wherever a caller wants exactly one key rather than a ratchet
// step's pair.
func Derive(key, salt, info []byte, size int) ([]byte, error) {
	outs, err := expand(key, salt, info, 1, size)
	if err != nil {
		return nil, err
	}
	return outs[0], nil
}

// KDF is the ratchet's extract-then-expand step: it returns n domain-
// separated 32-byte outputs derived from key and input. The ratchet uses it
// in two shapes: chain-stepping (KDF(chainKey, []byte{0x01}, 2) ->
// (nextChainKey, messageKey)) and DH mixing (KDF(rootKey, dhOutput, 2) ->
// (nextRootKey, chainKey)). The caller picks the shape; KDF itself is
// shape-agnostic.
func KDF(key, input []byte, n int) ([][]byte, error) {
	return expand(key, input, kdfInfo, n, keySize)
}

// expand is the shared HKDF-SHA256 reader both Derive and KDF pull from: it
// reads n consecutive size-byte chunks from one HKDF stream, so a ratchet
// step's paired outputs and a one-shot Derive never need two different
// expansion code paths.
func expand(key, salt, info []byte, n, size int) ([][]byte, error) {
	r := hkdf.New(hasher, key, salt, info)
	out := make([][]byte, n)
	for i := range n {
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("expanding output %d: %w", i, err)
		}
		out[i] = buf
	}
	return out, nil
}

// Zero overwrites b with zeroes in place. Safe to call with a nil slice.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
