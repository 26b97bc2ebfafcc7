// Package stem holds the decoded, immutable audio content that riffs are
// built from.
package stem

import "github.com/riffbeam/engine/internal/ident"

// wordBits is the number of samples covered by one beat-bitmap word.
const wordBits = 64

// Stem is decoded loop audio: two channel buffers, sample rate, length, and
// analysis arrays (beat bitmap, energy envelope). Immutable after
// construction — shared by any number of Riffs via the Stem Cache (spec §3).
type Stem struct {
	ID ident.StemId

	SampleRate  int
	SampleCount int
	Channels    [2][]float32

	// BPS is the source beats-per-second (authoring tempo).
	BPS float64

	// BeatBits is a bitmap: bit N set => beat at sample N, wordBits samples
	// per word.
	BeatBits []uint64

	// Energy is a float envelope, length == SampleCount, normalised [0,1].
	Energy []float32

	// AnalysisReady is true once BeatBits/Energy have been populated.
	AnalysisReady bool

	// Failed marks a stem whose decode failed; it is retained in the cache
	// as silence rather than retried on every access (spec §4.1, §4.5).
	Failed bool
}

// NewSilent returns a zero-length failed stem, used by the decode pipeline
// when a fetch or decode step cannot produce audio (spec §4.5 step 3, §7
// Decode error kind).
func NewSilent(id ident.StemId) *Stem {
	return &Stem{ID: id, Failed: true}
}

// BeatAt reports whether a beat marker is set at the given absolute sample
// index, per the BeatBits bitmap layout.
func (s *Stem) BeatAt(sampleIndex int) bool {
	if s == nil || s.Failed || sampleIndex < 0 || len(s.BeatBits) == 0 {
		return false
	}
	word := sampleIndex / wordBits
	if word >= len(s.BeatBits) {
		return false
	}
	bit := uint(sampleIndex % wordBits)
	return s.BeatBits[word]&(1<<bit) != 0
}

// EnergyAt returns the normalised energy envelope value at sampleIndex, or 0
// for a failed/silent stem or an out-of-range index.
func (s *Stem) EnergyAt(sampleIndex int) float32 {
	if s == nil || s.Failed || sampleIndex < 0 || sampleIndex >= len(s.Energy) {
		return 0
	}
	return s.Energy[sampleIndex]
}

// SampleAt returns the L/R pair at sampleIndex, tiling via modulo when the
// stem is shorter than the riff that references it (spec §4.3.2 step 6,
// §8 "Boundaries": "A stem whose sample_count is smaller than the riff
// length must tile").
func (s *Stem) SampleAt(sampleIndex int) (l, r float32) {
	if s == nil || s.Failed || s.SampleCount == 0 {
		return 0, 0
	}
	i := sampleIndex % s.SampleCount
	if i < 0 {
		i += s.SampleCount
	}
	return s.Channels[0][i], s.Channels[1][i]
}

// EstimateMemoryBytes approximates the resident memory cost of this stem:
// two float32 channels (4 bytes each), i.e. sample_count * 8 as specified
// in §4.1, plus the analysis arrays: 4 bytes per energy-envelope entry and
// 8 bytes per beat bitmap word.
func (s *Stem) EstimateMemoryBytes() uint64 {
	if s == nil {
		return 0
	}
	base := uint64(s.SampleCount) * 8
	base += uint64(len(s.Energy)) * 4
	base += uint64(len(s.BeatBits)) * 8
	return base
}

// BuildBeatBits packs a slice of absolute beat sample indices into the
// bitmap representation, one bit per sample, wordBits samples per word.
func BuildBeatBits(sampleCount int, beatSamples []int) []uint64 {
	words := make([]uint64, (sampleCount+wordBits-1)/wordBits)
	for _, idx := range beatSamples {
		if idx < 0 || idx >= sampleCount {
			continue
		}
		words[idx/wordBits] |= 1 << uint(idx%wordBits)
	}
	return words
}
