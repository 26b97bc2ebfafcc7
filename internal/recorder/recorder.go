// Package recorder is the optional disk-recording sink the Mix Engine
// feeds every callback (spec §2 "Disk Recorder", §4.3.2 step 7, §6.5).
package recorder

// Mode selects what a recording session captures.
type Mode int

const (
	ModeStereoMix Mode = iota
	ModeMultitrack
)

// Sink receives rendered audio from the audio thread. Implementations must
// never block or allocate on WriteStereo/WriteTracks — per spec §9,
// "Recorders move closed handles to a destroy-on-main-thread slot for
// teardown", so Close must be non-blocking too; any slow I/O happens off
// the audio thread.
type Sink interface {
	// WriteStereo appends one callback's worth of final-mix stereo audio.
	WriteStereo(left, right []float32)

	// WriteTracks appends one callback's worth of per-stem audio, used by
	// multitrack sessions. tracks has exactly 8 slots; a nil/empty slot is
	// an empty stem slot for this riff.
	WriteTracks(tracks [8][2][]float32)

	// Mode reports what this sink expects to receive.
	Mode() Mode

	// Paused reports whether repetition-compression has suspended writes
	// for this callback (spec §9 "RepCom ... pauses multi-track disk
	// writes when the same bars loop").
	Paused() bool

	// SetPaused toggles the RepCom pause state. The mixer calls
	// SetPaused(false) whenever a new transition begins, per the observed
	// (not explicitly specified) behaviour noted in spec §9: "any new
	// transition unpauses".
	SetPaused(paused bool)

	// Close requests the sink stop recording. Must return immediately;
	// actual file finalisation happens asynchronously off the audio
	// thread.
	Close()
}
