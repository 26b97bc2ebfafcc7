package riff

import (
	"testing"

	"github.com/riffbeam/engine/internal/ident"
	"github.com/riffbeam/engine/internal/stem"
	"github.com/riffbeam/engine/internal/stemcache"
	"github.com/stretchr/testify/require"
)

func handleFor(t *testing.T, c *stemcache.Cache, seed byte, sampleCount int) *stemcache.Handle {
	t.Helper()
	var id ident.StemId
	id[0] = seed
	h, err := c.GetOrInsert(id, func(ident.StemId) (*stem.Stem, error) {
		return &stem.Stem{SampleCount: sampleCount, Channels: [2][]float32{
			make([]float32, sampleCount), make([]float32, sampleCount),
		}}, nil
	})
	require.NoError(t, err)
	return h
}

func TestBuildComputesExactBarInvariant(t *testing.T) {
	meta := Meta{BPM: 120, QuarterBeats: 4, BarCount: 8}
	var handles [NumStems]*stemcache.Handle

	r, err := Build(meta, 44100, handles)
	require.NoError(t, err)
	require.Greater(t, r.LengthInSamples, int64(0))
	require.Equal(t, r.LengthInSamples, r.LengthInSamplesPerBar*int64(r.BarCount))
}

func TestBuildRejectsNonPositiveBarCountOrBPM(t *testing.T) {
	var handles [NumStems]*stemcache.Handle

	_, err := Build(Meta{BPM: 120, QuarterBeats: 4, BarCount: 0}, 44100, handles)
	require.Error(t, err)

	_, err = Build(Meta{BPM: 0, QuarterBeats: 4, BarCount: 8}, 44100, handles)
	require.Error(t, err)
}

func TestBuildEmptySlotsStayNil(t *testing.T) {
	meta := Meta{BPM: 120, QuarterBeats: 4, BarCount: 4}
	var handles [NumStems]*stemcache.Handle

	r, err := Build(meta, 44100, handles)
	require.NoError(t, err)
	for i := 0; i < NumStems; i++ {
		require.Nil(t, r.Stem(i))
	}
}

func TestReleaseClearsAllHandles(t *testing.T) {
	c := stemcache.New()
	meta := Meta{BPM: 120, QuarterBeats: 4, BarCount: 4}
	var handles [NumStems]*stemcache.Handle
	handles[0] = handleFor(t, c, 1, 1000)

	r, err := Build(meta, 44100, handles)
	require.NoError(t, err)
	require.NotNil(t, r.Stem(0))

	r.Release()
	require.Nil(t, r.Stem(0))
	// The cache entry had exactly one outstanding ref; Release should have
	// dropped it, making it evictable.
	c.Prune(0)
	require.Equal(t, 0, c.Len())
}
