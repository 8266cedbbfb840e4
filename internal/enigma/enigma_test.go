package enigma_test

import (
	"crypto/rand"
	mathrand "math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kamune-org/doubleratchet/internal/enigma"
)

const benchSizePool = 1_000

// TestEnigmaRoundTrip checks the AEAD wrapper itself: a message survives a
// seal/open round trip, two seals of the same plaintext never collide (the
// nonce is fresh each call), and a tampered ciphertext is rejected.
func TestEnigmaRoundTrip(t *testing.T) {
	a := require.New(t)
	secret, salt, info := []byte(rand.Text()), []byte(rand.Text()), []byte(rand.Text())
	msg := []byte(rand.Text())

	cipher, err := enigma.NewEnigma(secret, salt, info)
	a.NoError(err)

	sealed := cipher.Encrypt(msg)
	a.NotEqual(msg, sealed)

	opened, err := cipher.Decrypt(sealed)
	a.NoError(err)
	a.Equal(msg, opened)

	resealed := cipher.Encrypt(msg)
	a.NotEqual(sealed, resealed, "independent nonces must produce distinct ciphertexts")

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = cipher.Decrypt(tampered)
	a.Error(err)
}

func TestEnigmaDecryptRejectsShortCiphertext(t *testing.T) {
	a := require.New(t)
	cipher, err := enigma.NewEnigma([]byte("secret"), []byte("salt"), []byte("info"))
	a.NoError(err)

	_, err = cipher.Decrypt([]byte("short"))
	a.ErrorIs(err, enigma.ErrInvalidCiphertext)
}

// TestKDFChainStep mirrors the ratchet's per-message chain advance: KDF(ck,
// []byte{0x01}, 2) must deterministically split a chain key into the next
// chain key and a message key, and the two outputs must differ.
func TestKDFChainStep(t *testing.T) {
	a := require.New(t)
	chainKey := []byte(rand.Text())

	outs, err := enigma.KDF(chainKey, []byte{0x01}, 2)
	a.NoError(err)
	a.Len(outs, 2)
	a.NotEqual(outs[0], outs[1])

	again, err := enigma.KDF(chainKey, []byte{0x01}, 2)
	a.NoError(err)
	a.Equal(outs, again, "chain step must be deterministic in the chain key")
}

// TestKDFRootStep mirrors the ratchet's DH-ratchet step: KDF(rootKey,
// dhOutput, 2) must yield a next root key and a chain key that vary with
// the DH output fed in, even holding the root key fixed.
func TestKDFRootStep(t *testing.T) {
	a := require.New(t)
	rootKey := []byte(rand.Text())

	outs1, err := enigma.KDF(rootKey, []byte("dh-output-1"), 2)
	a.NoError(err)
	outs2, err := enigma.KDF(rootKey, []byte("dh-output-2"), 2)
	a.NoError(err)

	a.NotEqual(outs1[0], outs2[0], "next root key must depend on the DH output")
	a.NotEqual(outs1[1], outs2[1], "chain key must depend on the DH output")
}

func TestDeriveVariesWithInfo(t *testing.T) {
	a := require.New(t)
	key, salt := []byte(rand.Text()), []byte(rand.Text())

	k1, err := enigma.Derive(key, salt, []byte("invite"), 32)
	a.NoError(err)
	k2, err := enigma.Derive(key, salt, []byte("message"), 32)
	a.NoError(err)

	a.NotEqual(k1, k2)
}

func TestZero(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	enigma.Zero(buf)
	require.Equal(t, []byte{0, 0, 0, 0}, buf)

	require.NotPanics(t, func() { enigma.Zero(nil) })
}

func BenchmarkEnigma_Encrypt(b *testing.B) {
	secret, salt, info := []byte(rand.Text()), []byte(rand.Text()), []byte(rand.Text())
	messages := make([][]byte, benchSizePool)
	for i := range messages {
		messages[i] = []byte(rand.Text())
	}
	cipher, _ := enigma.NewEnigma(secret, salt, info)

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		_ = cipher.Encrypt(messages[mathrand.IntN(benchSizePool)])
	}
}

func BenchmarkEnigma_Decrypt(b *testing.B) {
	secret, salt, info := []byte(rand.Text()), []byte(rand.Text()), []byte(rand.Text())
	cipher, _ := enigma.NewEnigma(secret, salt, info)
	messages := make([][]byte, benchSizePool)
	for i := range messages {
		messages[i] = cipher.Encrypt([]byte(rand.Text()))
	}

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		_, _ = cipher.Decrypt(messages[mathrand.IntN(benchSizePool)])
	}
}

func BenchmarkEnigma_KDF(b *testing.B) {
	chainKey := []byte(rand.Text())

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		_, _ = enigma.KDF(chainKey, []byte{0x01}, 2)
	}
}
