package doubleratchet

import "errors"

// Error kinds surfaced to callers of SessionManager (spec §7). Decryption
// and envelope-parsing failures (MalformedInvite, HeaderDecryptionFailed,
// BodyDecryptionFailed, IntegrityFailed, TooManySkipped, InviteExhausted)
// are absorbed at the Session/Invite boundary and never reach here — they
// are logged and the offending event is dropped. Only caller-facing API
// errors propagate synchronously.
//
// A device marked stale by a fresher AppKeys record has no dedicated error:
// SendEvent's fan-out silently skips it in UserRecord.ActiveSessions, the
// same as any other device it can't currently send to, rather than failing
// the whole send over one revoked sibling.
var (
	// ErrManagerClosed is returned by any SessionManager method called
	// after Close.
	ErrManagerClosed = errors.New("session manager closed")

	// ErrUnknownRecipient is returned by SendEvent, alongside whatever
	// events our own sibling devices still produced, when the named
	// recipient has no active session to encrypt to: discovery has just
	// been started (or is still pending), but there is nothing to send yet.
	ErrUnknownRecipient = errors.New("recipient has no known devices yet")
)
