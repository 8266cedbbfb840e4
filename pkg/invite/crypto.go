package invite

import (
	"fmt"

	"github.com/kamune-org/doubleratchet/internal/enigma"
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
