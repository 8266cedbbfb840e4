// Package store provides the bbolt-backed StorageAdapter implementation:
// every value is AEAD-encrypted at rest under a key derived from a caller
// passphrase, with the wrapped data-encryption key itself stored alongside
// (envelope encryption), so the on-disk file never holds plaintext session
// state, invites, or app-keys records.
package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kamune-org/doubleratchet/internal/enigma"
)

const (
	kvBucket   = "kv"
	authBucket = "auth"

	dpk = "derived-passphrase-key"
	kek = "key-encryption-key"
	dek = "data-encryption-key"

	wrappedSaltKey = "wrapped-salt"
	wrappedKey     = "wrapped-key"
	deriveSaltKey  = "derive-salt"
	secretSaltKey  = "secret-salt"
)

var (
	ErrMissingBucket    = errors.New("bucket not found")
	ErrFailedDecryption = errors.New("decryption failed")
)

// BoltStorage implements the StorageAdapter interface (Get/Put/Del/List)
// consumed by the SessionManager, over a single bbolt file.
type BoltStorage struct {
	db     *bolt.DB
	cipher *enigma.Enigma
}

// Open opens (or creates) a bbolt-backed store at path, deriving its
// encryption key from passphrase.
func Open(passphrase []byte, path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(kvBucket)); err != nil {
			return fmt.Errorf("creating kv bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(authBucket)); err != nil {
			return fmt.Errorf("creating auth bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cipher, err := openCipher(passphrase, db)
	if errors.Is(err, errNoEnvelope) {
		cipher, err = createCipher(passphrase, db)
	}
	if err != nil {
		return nil, fmt.Errorf("deriving store cipher: %w", err)
	}

	return &BoltStorage{db: db, cipher: cipher}, nil
}

var errNoEnvelope = errors.New("no stored encryption envelope")

func openCipher(pass []byte, db *bolt.DB) (*enigma.Enigma, error) {
	var secretSalt, deriveSalt, wrappedSalt, wrapped []byte
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(authBucket))
		wrapped = bucket.Get([]byte(wrappedKey))
		deriveSalt = bucket.Get([]byte(deriveSaltKey))
		wrappedSalt = bucket.Get([]byte(wrappedSaltKey))
		secretSalt = bucket.Get([]byte(secretSaltKey))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading envelope: %w", err)
	}
	if secretSalt == nil || deriveSalt == nil || wrappedSalt == nil || wrapped == nil {
		return nil, errNoEnvelope
	}

	derivedPass, err := enigma.Derive(pass, deriveSalt, []byte(dpk), 32)
	if err != nil {
		return nil, fmt.Errorf("derive from passphrase: %w", err)
	}
	keyCipher, err := enigma.NewEnigma(derivedPass, wrappedSalt, []byte(kek))
	if err != nil {
		return nil, fmt.Errorf("key cipher: %w", err)
	}
	secret, err := keyCipher.Decrypt(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFailedDecryption, err)
	}
	return enigma.NewEnigma(secret, secretSalt, []byte(dek))
}

func createCipher(pass []byte, db *bolt.DB) (*enigma.Enigma, error) {
	secret, secretSalt := random32(), random32()
	deriveSalt, wrappedSalt := random32(), random32()

	derivedPass, err := enigma.Derive(pass, deriveSalt, []byte(dpk), 32)
	if err != nil {
		return nil, fmt.Errorf("derive from passphrase: %w", err)
	}
	keyCipher, err := enigma.NewEnigma(derivedPass, wrappedSalt, []byte(kek))
	if err != nil {
		return nil, fmt.Errorf("key cipher: %w", err)
	}
	wrapped := keyCipher.Encrypt(secret)
	dataCipher, err := enigma.NewEnigma(secret, secretSalt, []byte(dek))
	if err != nil {
		return nil, fmt.Errorf("data cipher: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(authBucket))
		for k, v := range map[string][]byte{
			wrappedKey: wrapped, wrappedSaltKey: wrappedSalt,
			deriveSaltKey: deriveSalt, secretSaltKey: secretSalt,
		} {
			if err := bucket.Put([]byte(k), v); err != nil {
				return fmt.Errorf("put %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persisting envelope: %w", err)
	}

	return dataCipher, nil
}

func random32() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}

func (s *BoltStorage) Close() error { return s.db.Close() }

// Get returns the decrypted value for key, and false if it is absent.
func (s *BoltStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(kvBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		enc := bucket.Get([]byte(key))
		if enc == nil {
			return nil
		}
		dec, err := s.cipher.Decrypt(enc)
		if err != nil {
			return fmt.Errorf("%w: key %q", ErrFailedDecryption, key)
		}
		value, found = dec, true
		return nil
	})
	return value, found, err
}

// Put encrypts and stores value under key.
func (s *BoltStorage) Put(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(kvBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		return bucket.Put([]byte(key), s.cipher.Encrypt(value))
	})
}

// Del removes key, if present.
func (s *BoltStorage) Del(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(kvBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		return bucket.Delete([]byte(key))
	})
}

// List returns every key with the given prefix, in bbolt's cursor order.
func (s *BoltStorage) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(kvBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		c := bucket.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}
