package doubleratchet_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	doubleratchet "github.com/kamune-org/doubleratchet"
	"github.com/kamune-org/doubleratchet/pkg/exchange"
	"github.com/kamune-org/doubleratchet/pkg/store"
	"github.com/kamune-org/doubleratchet/pkg/wire"
)

func newManager(t *testing.T, relay *fakeRelay, identity exchange.Signer, deviceID string) *doubleratchet.SessionManager {
	t.Helper()
	return doubleratchet.New(identity, deviceID, relay, store.NewMemoryStorage())
}

// rumorSink collects every rumor a manager's OnRumor handler observes,
// safe for concurrent use even though fakeRelay dispatches synchronously.
type rumorSink struct {
	mu       sync.Mutex
	contents []string
}

func (s *rumorSink) handler(_, _ string, rumor *wire.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents = append(s.contents, rumor.Content)
}

func (s *rumorSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.contents...)
}

// buildAppKeysEvent mirrors events.go's buildAppKeys from outside the
// package, for tests simulating a peer publishing its own device list.
func buildAppKeysEvent(t *testing.T, signer exchange.Signer, deviceIDs []string) *wire.Event {
	t.Helper()
	tags := wire.Tags{
		{wire.TagD, wire.AppKeysNamespace},
		{wire.TagL, wire.AppKeysNamespace},
	}
	for _, id := range deviceIDs {
		tags = append(tags, wire.Tag{wire.TagDevice, id})
	}
	ev := &wire.Event{
		Kind:      wire.KindAppKeys,
		CreatedAt: wire.TimestampFrom(time.Now().UTC()),
		Tags:      tags,
	}
	require.NoError(t, wire.Sign(ev, signer))
	return ev
}

// S1: basic back-and-forth between two single-device identities.
func TestBasicBackAndForth(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	relay := newFakeRelay()

	aliceKey, err := exchange.Generate()
	r.NoError(err)
	bobKey, err := exchange.Generate()
	r.NoError(err)

	alice := newManager(t, relay, aliceKey, "phone")
	bob := newManager(t, relay, bobKey, "laptop")
	r.NoError(alice.Init(ctx))
	r.NoError(bob.Init(ctx))

	var aliceSeen, bobSeen rumorSink
	alice.OnRumor(aliceSeen.handler)
	bob.OnRumor(bobSeen.handler)

	// Each send lands in the sender's own sink too (it records its own
	// outgoing rumor via its own callback set), so both sinks accumulate
	// every message exchanged, not just the ones each side received.
	_, err = alice.SendEvent(ctx, bobKey.PublicKeyHex(), "hello bob")
	r.NoError(err)
	r.Equal([]string{"hello bob"}, bobSeen.all())

	_, err = bob.SendEvent(ctx, aliceKey.PublicKeyHex(), "hi alice")
	r.NoError(err)
	r.Equal([]string{"hello bob", "hi alice"}, aliceSeen.all())

	_, err = alice.SendEvent(ctx, bobKey.PublicKeyHex(), "how are you")
	r.NoError(err)
	r.Equal([]string{"hello bob", "hi alice", "how are you"}, bobSeen.all())
}

// SendEvent reports ErrUnknownRecipient when asked to send to a pubkey that
// has never published an invite: discovery is started (a subscription is
// registered), but nothing is known to encrypt to yet.
func TestSendEventUnknownRecipient(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	relay := newFakeRelay()

	aliceKey, err := exchange.Generate()
	r.NoError(err)
	ghostKey, err := exchange.Generate()
	r.NoError(err)

	alice := newManager(t, relay, aliceKey, "phone")
	r.NoError(alice.Init(ctx))

	events, err := alice.SendEvent(ctx, ghostKey.PublicKeyHex(), "hello?")
	r.ErrorIs(err, doubleratchet.ErrUnknownRecipient)
	r.Empty(events)
}

// S2: messages that arrive out of order still decrypt via the skipped-key
// catch-up path, and each is delivered exactly once.
func TestOutOfOrderDelivery(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	relay := newFakeRelay()

	aliceKey, err := exchange.Generate()
	r.NoError(err)
	bobKey, err := exchange.Generate()
	r.NoError(err)

	alice := newManager(t, relay, aliceKey, "phone")
	bob := newManager(t, relay, bobKey, "laptop")
	r.NoError(alice.Init(ctx))
	r.NoError(bob.Init(ctx))

	var bobSeen rumorSink
	bob.OnRumor(bobSeen.handler)

	// Establish the session normally first.
	_, err = alice.SendEvent(ctx, bobKey.PublicKeyHex(), "hello")
	r.NoError(err)
	r.Equal([]string{"hello"}, bobSeen.all())

	relay.mu.Lock()
	relay.drop = func(ev *wire.Event) bool { return ev.Kind == wire.KindMessage }
	relay.mu.Unlock()

	_, err = alice.SendEvent(ctx, bobKey.PublicKeyHex(), "m1")
	r.NoError(err)
	_, err = alice.SendEvent(ctx, bobKey.PublicKeyHex(), "m2")
	r.NoError(err)

	relay.mu.Lock()
	var messages []*wire.Event
	for _, ev := range relay.publish {
		if ev.Kind == wire.KindMessage {
			messages = append(messages, ev)
		}
	}
	relay.mu.Unlock()
	r.Len(messages, 3) // hello, m1, m2 — all still held in publish history

	// Deliver m2 before m1.
	relay.deliver(messages[2])
	relay.deliver(messages[1])

	r.ElementsMatch([]string{"hello", "m1", "m2"}, bobSeen.all())
}

// S4: a message sent under a sending chain that the session has since
// ratcheted away from (because the peer replied in between) still decrypts
// when it finally arrives, via the skipped-key cache performRatchetStep
// populates before advancing.
func TestLateDeliveryAfterRatchet(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	relay := newFakeRelay()

	aliceKey, err := exchange.Generate()
	r.NoError(err)
	bobKey, err := exchange.Generate()
	r.NoError(err)

	alice := newManager(t, relay, aliceKey, "phone")
	bob := newManager(t, relay, bobKey, "laptop")
	r.NoError(alice.Init(ctx))
	r.NoError(bob.Init(ctx))

	var aliceSeen, bobSeen rumorSink
	alice.OnRumor(aliceSeen.handler)
	bob.OnRumor(bobSeen.handler)

	relay.mu.Lock()
	relay.drop = func(ev *wire.Event) bool { return ev.Kind == wire.KindMessage }
	relay.mu.Unlock()

	messages := func() []*wire.Event {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		var out []*wire.Event
		for _, ev := range relay.publish {
			if ev.Kind == wire.KindMessage {
				out = append(out, ev)
			}
		}
		return out
	}

	_, err = alice.SendEvent(ctx, bobKey.PublicKeyHex(), "m1a")
	r.NoError(err)
	_, err = alice.SendEvent(ctx, bobKey.PublicKeyHex(), "m1b")
	r.NoError(err)
	msgs := messages()
	r.Len(msgs, 2)
	m1a, m1b := msgs[0], msgs[1]

	relay.deliver(m1a)
	r.Equal([]string{"m1a"}, bobSeen.all())

	// bob's own send lands in its own sink immediately (self-delivery),
	// ahead of whatever it later receives from alice.
	_, err = bob.SendEvent(ctx, aliceKey.PublicKeyHex(), "r1")
	r.NoError(err)
	msgs = messages()
	r.Len(msgs, 3)
	relay.deliver(msgs[2])
	r.Equal([]string{"m1a", "m1b", "r1"}, aliceSeen.all())

	_, err = alice.SendEvent(ctx, bobKey.PublicKeyHex(), "m2")
	r.NoError(err)
	msgs = messages()
	r.Len(msgs, 4)
	relay.deliver(msgs[3])
	r.Equal([]string{"m1a", "r1", "m2"}, bobSeen.all())

	relay.deliver(m1b)
	r.Equal([]string{"m1a", "r1", "m2", "m1b"}, bobSeen.all())
}

// S3: a manager's sessions survive a process restart by rehydrating from
// storage, and can keep exchanging messages afterward.
func TestSerializationRoundTrip(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	relay := newFakeRelay()

	aliceKey, err := exchange.Generate()
	r.NoError(err)
	bobKey, err := exchange.Generate()
	r.NoError(err)

	aliceStorage := store.NewMemoryStorage()
	alice1 := doubleratchet.New(aliceKey, "phone", relay, aliceStorage)
	bob := newManager(t, relay, bobKey, "laptop")
	r.NoError(alice1.Init(ctx))
	r.NoError(bob.Init(ctx))

	var bobSeen rumorSink
	bob.OnRumor(bobSeen.handler)

	_, err = alice1.SendEvent(ctx, bobKey.PublicKeyHex(), "before restart")
	r.NoError(err)
	r.Equal([]string{"before restart"}, bobSeen.all())

	alice1.Close()

	alice2 := doubleratchet.New(aliceKey, "phone", relay, aliceStorage)
	r.NoError(alice2.Init(ctx))

	var alice2Seen rumorSink
	alice2.OnRumor(alice2Seen.handler)

	_, err = bob.SendEvent(ctx, aliceKey.PublicKeyHex(), "after restart")
	r.NoError(err)
	r.Equal([]string{"after restart"}, alice2Seen.all())
}

// S5: sending to an identity with several devices fans the same rumor out
// to every one of that identity's active sessions.
func TestMultiDeviceFanOut(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	relay := newFakeRelay()

	aliceKey, err := exchange.Generate()
	r.NoError(err)
	bobKey, err := exchange.Generate()
	r.NoError(err)

	aliceA := newManager(t, relay, aliceKey, "A")
	aliceB := newManager(t, relay, aliceKey, "B")
	bob := newManager(t, relay, bobKey, "phone")
	r.NoError(aliceA.Init(ctx))
	r.NoError(aliceB.Init(ctx))
	r.NoError(bob.Init(ctx))

	var aSeen, bSeen, bobSeen rumorSink
	aliceA.OnRumor(aSeen.handler)
	aliceB.OnRumor(bSeen.handler)
	bob.OnRumor(bobSeen.handler)

	_, err = bob.SendEvent(ctx, aliceKey.PublicKeyHex(), "hi")
	r.NoError(err)

	r.Equal([]string{"hi"}, aSeen.all())
	r.Equal([]string{"hi"}, bSeen.all())
	// bob itself records its own outgoing rumor via its own callback set,
	// not just the two recipient devices.
	r.Equal([]string{"hi"}, bobSeen.all())
}

// S6: once a peer's AppKeys record stops listing a device, that device
// stops receiving new traffic, while its siblings keep working.
func TestDeviceRevocation(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	relay := newFakeRelay()

	aliceKey, err := exchange.Generate()
	r.NoError(err)
	bobKey, err := exchange.Generate()
	r.NoError(err)

	alice := newManager(t, relay, aliceKey, "phone")
	bobX := newManager(t, relay, bobKey, "X")
	bobY := newManager(t, relay, bobKey, "Y")
	r.NoError(alice.Init(ctx))
	r.NoError(bobX.Init(ctx))
	r.NoError(bobY.Init(ctx))

	var xSeen, ySeen rumorSink
	bobX.OnRumor(xSeen.handler)
	bobY.OnRumor(ySeen.handler)

	_, err = alice.SendEvent(ctx, bobKey.PublicKeyHex(), "hello")
	r.NoError(err)
	r.Equal([]string{"hello"}, xSeen.all())
	r.Equal([]string{"hello"}, ySeen.all())

	revokeEvent := buildAppKeysEvent(t, bobKey, []string{"X"})
	r.NoError(relay.Publish(ctx, revokeEvent))

	_, err = alice.SendEvent(ctx, bobKey.PublicKeyHex(), "after revoke")
	r.NoError(err)

	r.Equal([]string{"hello", "after revoke"}, xSeen.all())
	r.Equal([]string{"hello"}, ySeen.all())
}
