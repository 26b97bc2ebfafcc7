package pipeline

import (
	"math"
	"math/cmplx"

	"github.com/riffbeam/engine/internal/stem"
)

const (
	analysisFrameSize = 1024
	analysisHopSize   = 256
)

// fft is the iterative Cooley-Tukey transform used for onset detection.
func fft(x []complex128) []complex128 {
	n := len(x)
	out := make([]complex128, n)
	copy(out, x)
	if n <= 1 {
		return out
	}

	j := 0
	for i := 0; i < n-1; i++ {
		if i < j {
			out[i], out[j] = out[j], out[i]
		}
		m := n >> 1
		for j >= m && m > 0 {
			j -= m
			m >>= 1
		}
		j += m
	}

	for size := 2; size <= n; size <<= 1 {
		half := size >> 1
		step := -2 * math.Pi / float64(size)
		wLen := complex(math.Cos(step), math.Sin(step))
		for i := 0; i < n; i += size {
			w := complex(1, 0)
			for k := 0; k < half; k++ {
				u := out[i+k]
				v := out[i+k+half] * w
				out[i+k] = u + v
				out[i+k+half] = u - v
				w *= wLen
			}
		}
	}
	return out
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

func nextPow2(n int) int {
	v := 1
	for v < n {
		v <<= 1
	}
	return v
}

// spectralFlux computes a per-frame onset-strength envelope from a mono
// signal via windowed-FFT positive magnitude difference, the same approach
// a DJ auto-mixer's beat tracker uses to find transient onsets.
func spectralFlux(mono []float32, frameSize, hopSize int) []float64 {
	n := len(mono)
	numFrames := (n - frameSize) / hopSize
	if numFrames <= 0 {
		return nil
	}
	fftSize := nextPow2(frameSize)
	window := hannWindow(frameSize)
	onset := make([]float64, numFrames)
	prevMag := make([]float64, fftSize/2+1)
	mag := make([]float64, fftSize/2+1)
	frame := make([]complex128, fftSize)

	for i := 0; i < numFrames; i++ {
		start := i * hopSize
		for k := range frame {
			frame[k] = 0
		}
		for j := 0; j < frameSize && start+j < n; j++ {
			frame[j] = complex(float64(mono[start+j])*window[j], 0)
		}
		spec := fft(frame)
		for j := 0; j <= fftSize/2; j++ {
			mag[j] = cmplx.Abs(spec[j])
		}
		flux := 0.0
		for j := range mag {
			if d := mag[j] - prevMag[j]; d > 0 {
				flux += d
			}
		}
		onset[i] = flux
		copy(prevMag, mag)
	}
	return onset
}

// pickPeaks marks local maxima of onset that exceed thresholdRatio times the
// envelope's overall mean, the simplest peak-picker that still avoids
// flagging every frame as a beat on a loud, steady signal.
func pickPeaks(onset []float64, thresholdRatio float64) []int {
	if len(onset) == 0 {
		return nil
	}
	mean := 0.0
	for _, v := range onset {
		mean += v
	}
	mean /= float64(len(onset))
	threshold := mean * thresholdRatio

	var peaks []int
	for i := 1; i < len(onset)-1; i++ {
		if onset[i] > threshold && onset[i] >= onset[i-1] && onset[i] >= onset[i+1] {
			peaks = append(peaks, i)
		}
	}
	return peaks
}

// Analyze computes the beat bitmap and normalized energy envelope for a
// decoded stereo signal (spec §4.5 step 5). It never errors: an empty
// signal yields nil arrays, and a signal too short for peak picking yields
// an all-zero beat bitmap.
func Analyze(channels [2][]float32, sampleRate int) (beatBits []uint64, energy []float32) {
	sampleCount := len(channels[0])
	if sampleCount == 0 {
		return nil, nil
	}

	mono := make([]float32, sampleCount)
	for i := range mono {
		mono[i] = (channels[0][i] + channels[1][i]) / 2
	}

	onset := spectralFlux(mono, analysisFrameSize, analysisHopSize)
	peakFrames := pickPeaks(onset, 1.5)

	beatSamples := make([]int, len(peakFrames))
	for i, f := range peakFrames {
		beatSamples[i] = f * analysisHopSize
	}
	beatBits = stem.BuildBeatBits(sampleCount, beatSamples)

	energy = energyEnvelope(mono)
	return beatBits, energy
}

// energyEnvelope computes a smoothed, peak-normalized absolute-value
// envelope, one value per sample (spec §3: "Energy is a float envelope,
// length == SampleCount, normalised [0,1]").
func energyEnvelope(mono []float32) []float32 {
	n := len(mono)
	env := make([]float32, n)
	const smoothing = 0.01
	var acc float32
	peak := float32(1e-9)
	for i, s := range mono {
		abs := s
		if abs < 0 {
			abs = -abs
		}
		acc += smoothing * (abs - acc)
		env[i] = acc
		if acc > peak {
			peak = acc
		}
	}
	for i := range env {
		env[i] /= peak
	}
	return env
}
