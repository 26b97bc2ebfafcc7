package stem

import (
	"testing"

	"github.com/riffbeam/engine/internal/ident"
	"github.com/stretchr/testify/require"
)

func TestBeatAtRoundTrip(t *testing.T) {
	sampleCount := 200
	beats := []int{0, 64, 130, 199}
	bits := BuildBeatBits(sampleCount, beats)

	s := &Stem{SampleCount: sampleCount, BeatBits: bits}

	for _, b := range beats {
		require.True(t, s.BeatAt(b), "expected beat at %d", b)
	}
	require.False(t, s.BeatAt(1))
	require.False(t, s.BeatAt(65))
}

func TestSampleAtTilesViaModulo(t *testing.T) {
	s := &Stem{
		SampleCount: 4,
		Channels:    [2][]float32{{1, 2, 3, 4}, {-1, -2, -3, -4}},
	}

	l, r := s.SampleAt(5) // 5 mod 4 == 1
	require.Equal(t, float32(2), l)
	require.Equal(t, float32(-2), r)
}

func TestFailedStemIsSilent(t *testing.T) {
	s := NewSilent(ident.StemId{})
	l, r := s.SampleAt(10)
	require.Zero(t, l)
	require.Zero(t, r)
	require.False(t, s.BeatAt(0))
	require.Zero(t, s.EnergyAt(0))
	require.True(t, s.Failed)
}

func TestEstimateMemoryBytes(t *testing.T) {
	s := &Stem{SampleCount: 1000, BeatBits: make([]uint64, 16)}
	require.Equal(t, uint64(1000*8+16*8), s.EstimateMemoryBytes())
}
