package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riffbeam/engine/internal/ident"
	"github.com/riffbeam/engine/internal/riff"
)

func testRiffID(b byte) ident.RiffId {
	var id ident.RiffId
	id[0] = b
	return id
}

func openTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := OpenLocalStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLocalStorePutThenGetRoundTrips(t *testing.T) {
	store := openTestStore(t)
	id := testRiffID(1)
	meta := riff.Meta{RiffID: id, BPM: 120, QuarterBeats: 4, BarCount: 8}
	meta.StemBPS[0] = 120

	require.NoError(t, store.Put(context.Background(), meta))

	got, ok := store.Get(context.Background(), id)
	require.True(t, ok)
	require.Equal(t, meta.BPM, got.BPM)
	require.Equal(t, meta.QuarterBeats, got.QuarterBeats)
	require.Equal(t, meta.BarCount, got.BarCount)
	require.Equal(t, meta.StemBPS, got.StemBPS)
}

func TestLocalStoreGetMissReturnsFalse(t *testing.T) {
	store := openTestStore(t)
	_, ok := store.Get(context.Background(), testRiffID(9))
	require.False(t, ok)
}

func TestLocalStorePutOverwritesExisting(t *testing.T) {
	store := openTestStore(t)
	id := testRiffID(2)
	require.NoError(t, store.Put(context.Background(), riff.Meta{RiffID: id, BPM: 100, QuarterBeats: 4, BarCount: 4}))
	require.NoError(t, store.Put(context.Background(), riff.Meta{RiffID: id, BPM: 140, QuarterBeats: 4, BarCount: 4}))

	got, ok := store.Get(context.Background(), id)
	require.True(t, ok)
	require.Equal(t, 140.0, got.BPM)
}

type fakeNetworkResolver struct {
	meta *riff.Meta
	ok   bool
}

func (f *fakeNetworkResolver) ResolveRemote(ctx context.Context, id ident.RiffId) (*riff.Meta, bool) {
	return f.meta, f.ok
}

func TestCachingResolverPrefersLocalOverNetwork(t *testing.T) {
	store := openTestStore(t)
	id := testRiffID(3)
	require.NoError(t, store.Put(context.Background(), riff.Meta{RiffID: id, BPM: 90, QuarterBeats: 4, BarCount: 4}))

	net := &fakeNetworkResolver{ok: true, meta: &riff.Meta{RiffID: id, BPM: 999, QuarterBeats: 4, BarCount: 4}}
	r := NewCachingResolver(store, net, func() bool { return true })

	meta, ok := r.Resolve(context.Background(), id)
	require.True(t, ok)
	require.Equal(t, 90.0, meta.BPM)
}

func TestCachingResolverFallsBackToNetworkWhenAuthenticated(t *testing.T) {
	store := openTestStore(t)
	id := testRiffID(4)
	net := &fakeNetworkResolver{ok: true, meta: &riff.Meta{RiffID: id, BPM: 128, QuarterBeats: 4, BarCount: 4}}
	r := NewCachingResolver(store, net, func() bool { return true })

	meta, ok := r.Resolve(context.Background(), id)
	require.True(t, ok)
	require.Equal(t, 128.0, meta.BPM)

	// Write-back means a subsequent resolve hits locally even if the
	// network resolver starts failing.
	net.ok = false
	meta2, ok2 := r.Resolve(context.Background(), id)
	require.True(t, ok2)
	require.Equal(t, 128.0, meta2.BPM)
}

func TestCachingResolverReturnsFalseWhenUnauthenticatedAndLocalMisses(t *testing.T) {
	store := openTestStore(t)
	id := testRiffID(5)
	net := &fakeNetworkResolver{ok: true, meta: &riff.Meta{RiffID: id, BPM: 128, QuarterBeats: 4, BarCount: 4}}
	r := NewCachingResolver(store, net, func() bool { return false })

	_, ok := r.Resolve(context.Background(), id)
	require.False(t, ok)
}

func TestCachingResolverReturnsFalseWhenNetworkResolverNil(t *testing.T) {
	store := openTestStore(t)
	r := NewCachingResolver(store, nil, func() bool { return true })
	_, ok := r.Resolve(context.Background(), testRiffID(6))
	require.False(t, ok)
}

func TestLocalStoreListRiffsReturnsAllInIDOrder(t *testing.T) {
	store := openTestStore(t)
	idA := testRiffID(0x01)
	idB := testRiffID(0x02)
	require.NoError(t, store.Put(context.Background(), riff.Meta{RiffID: idB, BPM: 140, QuarterBeats: 4, BarCount: 8}))
	require.NoError(t, store.Put(context.Background(), riff.Meta{RiffID: idA, BPM: 120, QuarterBeats: 4, BarCount: 4}))

	metas, err := store.ListRiffs(context.Background())
	require.NoError(t, err)
	require.Len(t, metas, 2)
	require.Equal(t, idA, metas[0].RiffID)
	require.Equal(t, idB, metas[1].RiffID)
}

func TestLocalStoreListRiffsEmptyWhenNoneStored(t *testing.T) {
	store := openTestStore(t)
	metas, err := store.ListRiffs(context.Background())
	require.NoError(t, err)
	require.Empty(t, metas)
}
