// Package doubleratchet is a Nostr-transported Double Ratchet messaging
// core: a SessionManager discovers peer devices through Invite events,
// keeps one ratchet Session per (peer identity, device) pair, and fans
// outgoing rumors out to every active session — including the caller's own
// sibling devices — while every session's state is persisted after each
// mutation so the manager can resume across restarts.
//
// The package wires together pkg/exchange (secp256k1 identity/DH keys),
// pkg/ratchet (the per-pair Double Ratchet state machine), pkg/invite (the
// handshake that turns a shared link into an established Session), and
// pkg/store (the default encrypted-at-rest StorageAdapter). Callers supply
// their own RelayAdapter, matching whichever Nostr relay pool they use.
package doubleratchet
