// Package riff builds and holds the immutable Riff value that the Mix
// Engine plays: eight stem slots plus the timing details needed to render
// them in lock-step (spec §3 "Riff").
package riff

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/riffbeam/engine/internal/ident"
	"github.com/riffbeam/engine/internal/stem"
	"github.com/riffbeam/engine/internal/stemcache"
)

// NumStems is the fixed number of stem slots per riff.
const NumStems = 8

// Meta is the metadata record a Resolver produces for one riff: everything
// needed to build a Riff shell before stems are fetched (spec §4.2 step 3).
type Meta struct {
	RiffID       ident.RiffId
	BPM          float64
	QuarterBeats int
	BarCount     int
	StemIDs      [NumStems]ident.StemId // zero value means an empty slot
	StemBPS      [NumStems]float64      // authoring beats-per-second per stem
	StemGains    [NumStems]float64
}

// Riff is immutable after construction. Stem slots may be nil (empty) or
// point to a stem whose Failed flag is set (spec §3 invariant).
type Riff struct {
	ID ident.RiffId

	BPM          float64
	QuarterBeats int
	BarCount     int

	LengthInSamples       int64
	LengthInSamplesPerBar int64
	LengthInSec           float64
	LengthInSecPerBar     float64
	LongestStemInBars     int

	stems             [NumStems]*stemcache.Handle
	StemTimeScales    [NumStems]float64
	StemGains         [NumStems]float64
	StemRepetitions   [NumStems]int
	StemLengthSamples [NumStems]int

	CIDHash uint64
}

// Stem returns the decoded audio for slot i, or nil if the slot is empty.
func (r *Riff) Stem(i int) *stem.Stem {
	if r == nil || i < 0 || i >= NumStems || r.stems[i] == nil {
		return nil
	}
	return r.stems[i].Stem()
}

// Release drops this riff's strong references to every resident stem
// handle. Called once the riff is superseded in the mixer (spec §3
// lifecycle: "released when superseded").
func (r *Riff) Release() {
	if r == nil {
		return
	}
	for i := range r.stems {
		if r.stems[i] != nil {
			r.stems[i].Release()
			r.stems[i] = nil
		}
	}
}

// Build constructs a Riff from a resolved Meta record, the device sample
// rate, and stem handles already resolved against the Stem Cache (spec §4.2
// steps 3-5). handles[i] may be nil for an empty slot.
func Build(meta Meta, deviceSampleRate int, handles [NumStems]*stemcache.Handle) (*Riff, error) {
	if meta.BarCount <= 0 {
		return nil, fmt.Errorf("riff: bar_count must be positive, got %d", meta.BarCount)
	}
	if meta.BPM <= 0 {
		return nil, fmt.Errorf("riff: bpm must be positive, got %v", meta.BPM)
	}

	r := &Riff{
		ID:           meta.RiffID,
		BPM:          meta.BPM,
		QuarterBeats: meta.QuarterBeats,
		BarCount:     meta.BarCount,
		StemGains:    meta.StemGains,
		stems:        handles,
	}

	// length_in_samples derives from BPM, quarter_beats, bar_count at the
	// device sample rate: seconds-per-bar = (quarter_beats * 60 / bpm) * 4/quarterBeatsPerBar
	// collapses to the standard "time signature numerator beats per bar"
	// computation used across the authoring tools this spec was distilled
	// from: one bar = quarter_beats quarter-notes.
	secPerBeat := 60.0 / meta.BPM
	secPerBar := secPerBeat * float64(meta.QuarterBeats)
	lengthInSecPerBar := secPerBar
	lengthInSec := secPerBar * float64(meta.BarCount)

	samplesPerBar := int64(lengthInSecPerBar * float64(deviceSampleRate))
	r.LengthInSamplesPerBar = samplesPerBar
	r.LengthInSamples = samplesPerBar * int64(meta.BarCount) // invariant: exact multiple (spec §3)
	r.LengthInSec = lengthInSec
	r.LengthInSecPerBar = lengthInSecPerBar

	longest := 0
	var cidInputs []byte
	cidInputs = append(cidInputs, meta.RiffID[:]...)

	for i := 0; i < NumStems; i++ {
		st := r.Stem(i)
		if meta.StemBPS[i] > 0 && meta.BPM > 0 {
			r.StemTimeScales[i] = meta.StemBPS[i] / meta.BPM
		} else {
			r.StemTimeScales[i] = 1.0
		}
		r.StemGains[i] = meta.StemGains[i]
		if st != nil && st.SampleCount > 0 {
			r.StemLengthSamples[i] = st.SampleCount
			// Native span of one stem loop, expressed in riff-sample space:
			// the per-stem index advances at StemTimeScales[i] per riff
			// sample, so the stem repeats every SampleCount/timeScale riff
			// samples.
			nativeSpan := float64(st.SampleCount)
			if r.StemTimeScales[i] > 0 {
				nativeSpan /= r.StemTimeScales[i]
			}
			reps := 1
			if nativeSpan > 0 {
				reps = maxInt(1, int(float64(r.LengthInSamples)/nativeSpan+0.5))
			}
			r.StemRepetitions[i] = reps

			barsCovered := maxInt(1, meta.BarCount/reps)
			if barsCovered > longest {
				longest = barsCovered
			}
			cidInputs = append(cidInputs, meta.StemIDs[i][:]...)
		} else {
			r.StemRepetitions[i] = 1
		}
	}
	r.LongestStemInBars = maxInt(longest, 1)
	r.CIDHash = xxhash.Sum64(cidInputs)

	return r, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

