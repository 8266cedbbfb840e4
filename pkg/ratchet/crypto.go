package ratchet

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/kamune-org/doubleratchet/internal/enigma"
	"github.com/kamune-org/doubleratchet/pkg/wire"
)

// Domain-separation labels for the two AEAD instances a session derives:
// one keyed by raw DH output (headers) and one keyed by a chain-derived
// message key (bodies). Both still go through enigma's internal HKDF, so a
// raw DH output is never used directly as a cipher key.
const (
	infoHeader  = "double-ratchet/header"
	infoMessage = "double-ratchet/message"
)

func sealWith(keyMaterial []byte, info string, plaintext []byte) ([]byte, error) {
	e, err := enigma.NewEnigma(keyMaterial, nil, []byte(info))
	if err != nil {
		return nil, fmt.Errorf("deriving aead: %w", err)
	}
	return e.Encrypt(plaintext), nil
}

func openWith(keyMaterial []byte, info string, ciphertext []byte) ([]byte, error) {
	e, err := enigma.NewEnigma(keyMaterial, nil, []byte(info))
	if err != nil {
		return nil, fmt.Errorf("deriving aead: %w", err)
	}
	return e.Decrypt(ciphertext)
}

func openHeader(keyMaterial, ciphertext []byte) (*Header, error) {
	plaintext, err := openWith(keyMaterial, infoHeader, ciphertext)
	if err != nil {
		return nil, err
	}
	var h Header
	if err := json.Unmarshal(plaintext, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func hexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }

func firstTagValue(ev *wire.Event, name string) string {
	v, _ := wire.GetTag(ev.Tags, name)
	return v
}
