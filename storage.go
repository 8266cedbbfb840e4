package doubleratchet

import "context"

// StorageAdapter is the persistence capability the manager consumes (spec
// §6). Values are opaque byte strings; no transactional semantics are
// required across calls. pkg/store.BoltStorage is the bundled
// encrypted-at-rest implementation; pkg/store.MemoryStorage is a
// dependency-free double for tests.
//
// Storage key layout (spec §6):
//
//	session/{peer_pubkey_hex}/{device_id}   -> serialised ratchet.State (JSON)
//	invite/{device_id}                      -> serialised invite.Invite (JSON)
type StorageAdapter interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
