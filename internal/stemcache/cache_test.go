package stemcache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/riffbeam/engine/internal/ident"
	"github.com/riffbeam/engine/internal/stem"
	"github.com/stretchr/testify/require"
)

func testID(b byte) ident.StemId {
	var id ident.StemId
	id[0] = b
	return id
}

func TestGetOrInsertDecodesOnce(t *testing.T) {
	c := New()
	id := testID(1)

	var calls atomic.Int32
	decode := func(ident.StemId) (*stem.Stem, error) {
		calls.Add(1)
		return &stem.Stem{ID: id, SampleCount: 100}, nil
	}

	var wg sync.WaitGroup
	handles := make([]*Handle, 16)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.GetOrInsert(id, decode)
			require.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 1, c.Len())
	for _, h := range handles {
		require.Same(t, handles[0].Stem(), h.Stem())
		h.Release()
	}
}

func TestGetOrInsertPropagatesDecodeError(t *testing.T) {
	c := New()
	id := testID(2)
	wantErr := errors.New("decode failed")

	h, err := c.GetOrInsert(id, func(ident.StemId) (*stem.Stem, error) {
		return nil, wantErr
	})
	require.Nil(t, h)
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 0, c.Len())
}

func TestLookupNonBlocking(t *testing.T) {
	c := New()
	id := testID(3)

	_, ok := c.Lookup(id)
	require.False(t, ok)

	_, err := c.GetOrInsert(id, func(ident.StemId) (*stem.Stem, error) {
		return &stem.Stem{ID: id, SampleCount: 10}, nil
	})
	require.NoError(t, err)

	h, ok := c.Lookup(id)
	require.True(t, ok)
	require.NotNil(t, h.Stem())
	h.Release()
}

func TestPruneSkipsPinnedEntries(t *testing.T) {
	c := New()
	id := testID(4)

	h, err := c.GetOrInsert(id, func(ident.StemId) (*stem.Stem, error) {
		return &stem.Stem{ID: id, SampleCount: 1000}, nil
	})
	require.NoError(t, err)

	// Referenced stem must survive a prune to target=0 (spec §8 scenario 6).
	c.Prune(0)
	require.Equal(t, 1, c.Len())

	h.Release()
	c.Prune(0)
	require.Equal(t, 0, c.Len())
}

func TestPruneEvictsLeastRecentlyUsedFirst(t *testing.T) {
	c := New()
	idA, idB := testID(5), testID(6)

	hA, _ := c.GetOrInsert(idA, func(ident.StemId) (*stem.Stem, error) {
		return &stem.Stem{ID: idA, SampleCount: 100}, nil
	})
	hA.Release()

	hB, _ := c.GetOrInsert(idB, func(ident.StemId) (*stem.Stem, error) {
		return &stem.Stem{ID: idB, SampleCount: 100}, nil
	})
	hB.Release()

	require.Equal(t, 2, c.Len())
	// Re-touch A so B becomes the least-recently-used entry.
	if h, ok := c.Lookup(idA); ok {
		h.Release()
	}

	c.Prune(uint64((&stem.Stem{SampleCount: 100}).EstimateMemoryBytes()))
	require.Equal(t, 1, c.Len())
	_, stillHasA := c.Lookup(idA)
	require.True(t, stillHasA)
}

func TestEstimateMemoryBytesSumsResidentEntries(t *testing.T) {
	c := New()
	for i := byte(0); i < 3; i++ {
		id := testID(10 + i)
		h, err := c.GetOrInsert(id, func(ident.StemId) (*stem.Stem, error) {
			return &stem.Stem{ID: id, SampleCount: 1000}, nil
		})
		require.NoError(t, err)
		h.Release()
	}
	require.Equal(t, uint64(3*1000*8), c.EstimateMemoryBytes())
}
