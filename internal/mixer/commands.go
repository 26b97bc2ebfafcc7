package mixer

import "github.com/riffbeam/engine/internal/permutation"

// OperationId is a monotonically increasing handle for a command submitted
// to the mix command queue (spec §4.3.1). Producers allocate it when they
// enqueue; the audio thread echoes it back via eventbus.OperationComplete
// once applied.
type OperationId uint64

// TriggerPoint selects when a staged transition may begin (spec §4.3.4).
type TriggerPoint int

const (
	Arbitrary TriggerPoint = iota
	NextRiffStart
	AnyBarStart
	AnyEvenBarStart
)

// BlendTime selects the cross-fade duration, expressed as a multiple of one
// bar (spec §4.3.3).
type BlendTime int

const (
	BlendZero BlendTime = iota
	BlendOneBar
	BlendTwoBars
	BlendFourBars
	BlendEightBars
)

// Multiplier returns the number of bars a transition of this BlendTime
// spans. BlendZero has no meaningful multiplier — callers must special-case
// it as a hard cut before calling Multiplier.
func (b BlendTime) Multiplier() float64 {
	switch b {
	case BlendOneBar:
		return 1
	case BlendTwoBars:
		return 2
	case BlendFourBars:
		return 4
	case BlendEightBars:
		return 8
	default:
		return 1
	}
}

// ProgressionConfig is the mixer's transition policy (spec §4.3.1).
type ProgressionConfig struct {
	TriggerPoint TriggerPoint
	BlendTime    BlendTime
	GreedyMode   bool
}

// DefaultProgressionConfig matches a conservative, UI-equivalent starting
// point: wait for the next riff's own downbeat, blend over one bar, and
// never drop queued riffs early.
func DefaultProgressionConfig() ProgressionConfig {
	return ProgressionConfig{TriggerPoint: NextRiffStart, BlendTime: BlendOneBar, GreedyMode: false}
}

type commandKind int

const (
	cmdInstallMixer commandKind = iota
	cmdEffectClearAll
	cmdToggleMute
	cmdBeginRecording
	cmdStopRecording
	cmdEnqueuePermutation
	cmdUpdateProgression
)

// command is the tagged-variant payload pushed onto the SPSC command
// queue (spec §9: "Express every mutation of mixer state as a tagged-variant
// command").
type command struct {
	kind  commandKind
	opID  OperationId
	perm  permutation.Permutation
	prog  ProgressionConfig
	mixer PreMixEffect
}

// PreMixEffect is the externally-supplied serial insert chain the mixer
// feeds its pre-mix stereo buffer through (spec §4.3.2 step 7, §9: "one
// serial pre-mix insert chain, externally supplied"). This module performs
// no DSP of its own; Process is called once per callback with the engine's
// scratch stereo buffer.
type PreMixEffect interface {
	Process(left, right []float32)
}
