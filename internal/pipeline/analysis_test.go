package pipeline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFFTOfSineHasEnergyAtExpectedBin(t *testing.T) {
	const n = 64
	const bin = 4
	x := make([]complex128, n)
	for i := range x {
		x[i] = complex(math.Sin(2*math.Pi*float64(bin)*float64(i)/float64(n)), 0)
	}
	out := fft(x)
	require.Len(t, out, n)

	mag := func(c complex128) float64 { return math.Hypot(real(c), imag(c)) }
	peakBin, peakMag := 0, 0.0
	for i := 0; i <= n/2; i++ {
		if m := mag(out[i]); m > peakMag {
			peakMag, peakBin = m, i
		}
	}
	require.Equal(t, bin, peakBin)
}

func TestHannWindowIsZeroAtEdgesAndOneAtCenter(t *testing.T) {
	w := hannWindow(9)
	require.InDelta(t, 0, w[0], 1e-9)
	require.InDelta(t, 1, w[4], 1e-9)
}

func TestNextPow2(t *testing.T) {
	require.Equal(t, 1, nextPow2(0))
	require.Equal(t, 1, nextPow2(1))
	require.Equal(t, 1024, nextPow2(1024))
	require.Equal(t, 2048, nextPow2(1025))
}

func TestAnalyzeEmptySignalYieldsEmptyResult(t *testing.T) {
	beats, energy := Analyze([2][]float32{nil, nil}, 44100)
	require.Nil(t, beats)
	require.Nil(t, energy)
}

func TestAnalyzeProducesNormalizedEnergyEnvelope(t *testing.T) {
	const n = analysisFrameSize*4 + analysisHopSize
	left := make([]float32, n)
	right := make([]float32, n)
	for i := range left {
		left[i] = float32(math.Sin(2 * math.Pi * 220 * float64(i) / 44100))
		right[i] = left[i]
	}
	beats, energy := Analyze([2][]float32{left, right}, 44100)
	require.Len(t, energy, n)
	for _, v := range energy {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1.0001))
	}
	require.NotNil(t, beats)
}

func TestPickPeaksIgnoresFlatEnvelope(t *testing.T) {
	onset := make([]float64, 20)
	for i := range onset {
		onset[i] = 1.0
	}
	require.Empty(t, pickPeaks(onset, 1.5))
}

func TestPickPeaksFindsIsolatedSpike(t *testing.T) {
	onset := make([]float64, 20)
	onset[10] = 100
	peaks := pickPeaks(onset, 1.5)
	require.Contains(t, peaks, 10)
}
