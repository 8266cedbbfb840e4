package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kamune-org/doubleratchet/pkg/exchange"
	"github.com/kamune-org/doubleratchet/pkg/wire"
)

func TestSignAndVerifyWithKeypair(t *testing.T) {
	a := assert.New(t)

	kp, err := exchange.Generate()
	a.NoError(err)

	ev := wire.Event{Kind: wire.KindMessage, Content: "hi", Tags: wire.Tags{}}
	a.NoError(wire.Sign(&ev, kp))
	a.NoError(wire.Verify(&ev))
	a.Equal(kp.PublicKeyHex(), ev.PubKey)
}

func TestSignWithSignerFunc(t *testing.T) {
	a := assert.New(t)

	kp, err := exchange.Generate()
	a.NoError(err)

	signer := exchange.SignerFunc{
		PubHex:     kp.PublicKeyHex(),
		SignFn:     kp.Sign,
		ExchangeFn: kp.Exchange,
	}

	ev := wire.Event{Kind: wire.KindMessage, Content: "hi"}
	a.NoError(wire.Sign(&ev, signer))
	a.NoError(wire.Verify(&ev))
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	a := assert.New(t)

	kp, err := exchange.Generate()
	a.NoError(err)

	ev := wire.Event{Kind: wire.KindMessage, Content: "hi"}
	a.NoError(wire.Sign(&ev, kp))

	ev.Content = "tampered"
	a.Error(wire.Verify(&ev))
}

func TestGetTag(t *testing.T) {
	a := assert.New(t)

	tags := wire.Tags{{"d", "double-ratchet/invites/dev1"}, {"l", "double-ratchet/invites"}}
	v, ok := wire.GetTag(tags, "d")
	a.True(ok)
	a.Equal("double-ratchet/invites/dev1", v)

	_, ok = wire.GetTag(tags, "missing")
	a.False(ok)
}
