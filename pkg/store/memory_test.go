package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kamune-org/doubleratchet/pkg/store"
)

func TestMemoryStoragePutGetDel(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	s := store.NewMemoryStorage()

	_, found, err := s.Get(ctx, "session/alice/dev1")
	r.NoError(err)
	r.False(found)

	r.NoError(s.Put(ctx, "session/alice/dev1", []byte("state-one")))
	v, found, err := s.Get(ctx, "session/alice/dev1")
	r.NoError(err)
	r.True(found)
	r.Equal("state-one", string(v))

	r.NoError(s.Del(ctx, "session/alice/dev1"))
	_, found, err = s.Get(ctx, "session/alice/dev1")
	r.NoError(err)
	r.False(found)
}

func TestMemoryStorageListPrefix(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	s := store.NewMemoryStorage()

	r.NoError(s.Put(ctx, "session/alice/dev1", []byte("a")))
	r.NoError(s.Put(ctx, "session/alice/dev2", []byte("b")))
	r.NoError(s.Put(ctx, "invite/dev1", []byte("c")))

	keys, err := s.List(ctx, "session/alice/")
	r.NoError(err)
	r.ElementsMatch([]string{"session/alice/dev1", "session/alice/dev2"}, keys)

	keys, err = s.List(ctx, "invite/")
	r.NoError(err)
	r.Equal([]string{"invite/dev1"}, keys)
}
