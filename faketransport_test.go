package doubleratchet_test

import (
	"context"
	"sync"

	doubleratchet "github.com/kamune-org/doubleratchet"
	"github.com/kamune-org/doubleratchet/pkg/wire"
)

// fakeRelay is an in-process RelayAdapter double: Publish hands the event
// straight to every matching Subscribe callback. Tests that need
// out-of-order or delayed delivery bypass Publish and call deliver
// directly against a captured event. Events the drop filter holds back stay
// in publish (so tests can fetch them) but are not replayed to new
// subscriptions.
type fakeRelay struct {
	mu       sync.Mutex
	nextID   int
	subs     map[int]fakeSub
	drop     func(ev *wire.Event) bool
	withheld map[*wire.Event]bool
	publish  []*wire.Event
}

type fakeSub struct {
	filter  wire.Filter
	onEvent func(*wire.Event)
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{subs: make(map[int]fakeSub), withheld: make(map[*wire.Event]bool)}
}

// Subscribe registers onEvent and, like a real relay answering a REQ,
// immediately replays every already-published event that matches filter.
func (f *fakeRelay) Subscribe(filter wire.Filter, onEvent func(*wire.Event)) (func(), error) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fakeSub{filter: filter, onEvent: onEvent}
	backlog := make([]*wire.Event, 0, len(f.publish))
	for _, ev := range f.publish {
		if filterMatches(filter, ev) && !f.withheld[ev] {
			backlog = append(backlog, ev)
		}
	}
	f.mu.Unlock()

	for _, ev := range backlog {
		onEvent(ev)
	}

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}, nil
}

func (f *fakeRelay) Publish(_ context.Context, ev *wire.Event) error {
	f.mu.Lock()
	if f.drop != nil && f.drop(ev) {
		f.withheld[ev] = true
		f.publish = append(f.publish, ev)
		f.mu.Unlock()
		return nil
	}
	subs := make([]fakeSub, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.publish = append(f.publish, ev)
	f.mu.Unlock()

	for _, s := range subs {
		if filterMatches(s.filter, ev) {
			s.onEvent(ev)
		}
	}
	return nil
}

// deliver redelivers ev to every current subscription matching it, letting
// a test control ordering explicitly instead of relying on Publish's
// immediate fan-out.
func (f *fakeRelay) deliver(ev *wire.Event) {
	f.mu.Lock()
	subs := make([]fakeSub, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		if filterMatches(s.filter, ev) {
			s.onEvent(ev)
		}
	}
}

func filterMatches(filter wire.Filter, ev *wire.Event) bool {
	if len(filter.Kinds) > 0 && !intContains(filter.Kinds, ev.Kind) {
		return false
	}
	if len(filter.Authors) > 0 && !stringContains(filter.Authors, ev.PubKey) {
		return false
	}
	for name, values := range filter.Tags {
		if !tagMatches(ev.Tags, name, values) {
			return false
		}
	}
	return true
}

func tagMatches(tags wire.Tags, name string, values []string) bool {
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != name {
			continue
		}
		if stringContains(values, tag[1]) {
			return true
		}
	}
	return false
}

func intContains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func stringContains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

var _ doubleratchet.RelayAdapter = (*fakeRelay)(nil)
