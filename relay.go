package doubleratchet

import (
	"context"

	"github.com/kamune-org/doubleratchet/pkg/wire"
)

// RelayAdapter is the transport capability the manager consumes (spec §6).
// Implementations may deliver the same event to onEvent more than once —
// Session.OnEvent already drops stale/duplicate counters, so the manager
// does not need a separate event-id dedup layer for MESSAGE traffic.
type RelayAdapter interface {
	// Subscribe registers onEvent against filter and returns a function
	// that cancels the subscription. onEvent may be called concurrently
	// with other subscriptions and must not block for long.
	Subscribe(filter wire.Filter, onEvent func(*wire.Event)) (unsubscribe func(), err error)

	// Publish hands an already-signed event to the relay(s).
	Publish(ctx context.Context, ev *wire.Event) error
}
