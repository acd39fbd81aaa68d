package accesslog

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Save(ctx, &Entry{ID: id, EntryType: EntryRequest, PolicyName: "p1"}))
	}
	require.NoError(t, store.Save(ctx, &Entry{ID: "d", EntryType: EntryDenied, PolicyName: "p2"}))

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "d", all[0].ID)

	denied := EntryDenied
	only, err := store.List(ctx, Filter{EntryType: &denied})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "d", only[0].ID)

	byPolicy, err := store.List(ctx, Filter{PolicyName: "p1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, byPolicy, 2)
	assert.Equal(t, "c", byPolicy[0].ID)
}

func TestMemoryStore_Capacity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(2)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Save(ctx, &Entry{ID: id}))
	}
	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
}

type failingStore struct{}

func (failingStore) Save(context.Context, *Entry) error {
	return errors.New("disk full")
}

func (failingStore) List(context.Context, Filter) ([]*Entry, error) { return nil, nil }

func TestStoreHandler(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	StoreHandler(store, slog.Default()).HandleEntry(ctx, &Entry{ID: "x"})

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.NotPanics(t, func() {
		StoreHandler(failingStore{}, slog.Default()).HandleEntry(ctx, &Entry{ID: "y"})
	})
}
