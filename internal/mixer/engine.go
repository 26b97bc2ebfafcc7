// Package mixer implements the Riff Mix Engine (spec §4.3): the
// sample-accurate real-time mixer that renders the current riff, blends in
// the next riff at a configured musical boundary, and exposes per-stem
// taps to an optional recorder.
package mixer

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/riffbeam/engine/internal/eventbus"
	"github.com/riffbeam/engine/internal/permutation"
	"github.com/riffbeam/engine/internal/recorder"
	"github.com/riffbeam/engine/internal/riff"
)

const numStems = riff.NumStems

// pulseDecayPerSample sets how quickly a beat indicator fades back to 0;
// tuned so a pulse is clearly visible for a handful of milliseconds at
// typical device sample rates without a configuration knob.
const pulseDecayPerSample = 0.9995

// State is a point-in-time summary of what the mixer is doing, cheap to
// copy and safe to read off the audio thread. It is the raw material the
// Exchange Snapshot is built from (spec §4.6).
type State struct {
	HasCurrent       bool
	BPM              float64
	BarCount         int
	BarIndex         int
	RiffPercentage   float64
	TransitionActive bool
	TransitionT      float64
	StemGain         [numStems]float64
	StemPulse        [numStems]float64
	StemEnergy       [numStems]float64
	ConsensusBeat    float64
}

// Engine owns the current/next riff, the sample clock, the active
// permutation, the mute flag and any active recorder — all audio-thread
// state (spec §5). Non-audio threads only ever touch it through the
// methods in this file that push onto the SPSC queues or read State().
type Engine struct {
	cmds  *spscRing[command]
	riffs *spscRing[*riff.Riff]

	bus *eventbus.Bus

	nextOpID     atomic.Uint64
	lastAppliedOp atomic.Uint64

	// --- audio-thread-only state below; never touched from any other
	// goroutine except through the queues above. ---
	current *riff.Riff
	next    *riff.Riff

	sampleClock uint64
	transitionActive bool
	transitionT      float64

	activePermutation permutation.Permutation
	pendingPermutation *permutation.Permutation
	pendingPermutationOp OperationId

	masterMuted bool
	progression ProgressionConfig

	insert PreMixEffect

	rec                  recorder.Sink
	startRecordingOnLoop bool

	loopIndex int // how many times the current riff has looped since becoming current

	stemPulse     [numStems]float64
	consensusBeat float64

	// maxBlockFrames bounds every Update() call; the scratch buffers below
	// are preallocated at this length once, here, and reused (resliced) on
	// every callback rather than reallocated (spec §9: "the audio thread
	// never allocates").
	maxBlockFrames int
	insertL        []float32
	insertR        []float32
	recStereoL     []float32
	recStereoR     []float32
	recTrackL      [numStems][]float32
	recTrackR      [numStems][]float32

	stateMu sync.Mutex
	state   State
}

// New creates an Engine with bounded command/riff queues. Capacities should
// be generous relative to the expected command rate (spec §4.3.5: overflow
// is a programming error, not a thing to handle gracefully). maxBlockFrames
// is the largest samplesToWrite any single Update() call may pass — it
// sizes every preallocated mix/recorder scratch buffer up front; a callback
// requesting more than that is a configuration error, not a thing Update
// grows buffers to accommodate.
func New(cmdQueueCapacity, riffQueueCapacity, maxBlockFrames int, bus *eventbus.Bus) *Engine {
	if maxBlockFrames <= 0 {
		maxBlockFrames = 4096
	}
	e := &Engine{
		cmds:              newSPSCRing[command](cmdQueueCapacity),
		riffs:             newSPSCRing[*riff.Riff](riffQueueCapacity),
		bus:               bus,
		activePermutation: permutation.Default(),
		progression:       DefaultProgressionConfig(),
		maxBlockFrames:    maxBlockFrames,
		insertL:           make([]float32, maxBlockFrames),
		insertR:           make([]float32, maxBlockFrames),
		recStereoL:        make([]float32, maxBlockFrames),
		recStereoR:        make([]float32, maxBlockFrames),
	}
	for s := 0; s < numStems; s++ {
		e.recTrackL[s] = make([]float32, maxBlockFrames)
		e.recTrackR[s] = make([]float32, maxBlockFrames)
	}
	return e
}

// --- non-audio-thread public contract (spec §4.3.1) ---

// EnqueueRiff appends a riff to the play-next queue. Panics if the bounded
// queue is full — see spec §4.3.5: overflow is a programming error.
func (e *Engine) EnqueueRiff(r *riff.Riff) {
	if !e.riffs.push(r) {
		panic("mixer: riff queue overflow")
	}
}

func (e *Engine) allocOp() OperationId {
	return OperationId(e.nextOpID.Add(1))
}

func (e *Engine) pushCommand(c command) OperationId {
	c.opID = e.allocOp()
	if !e.cmds.push(c) {
		panic("mixer: command queue overflow")
	}
	return c.opID
}

// EnqueuePermutation schedules a new playback permutation, applied at the
// next trigger point (or immediately in Arbitrary mode).
func (e *Engine) EnqueuePermutation(p permutation.Permutation) OperationId {
	return e.pushCommand(command{kind: cmdEnqueuePermutation, perm: p})
}

// InstallMixer installs (or replaces) the pre-mix insert effect chain.
func (e *Engine) InstallMixer(m PreMixEffect) OperationId {
	return e.pushCommand(command{kind: cmdInstallMixer, mixer: m})
}

// EffectClearAll removes the installed insert effect chain.
func (e *Engine) EffectClearAll() OperationId {
	return e.pushCommand(command{kind: cmdEffectClearAll})
}

// ToggleMute flips the engine-wide master mute.
func (e *Engine) ToggleMute() OperationId {
	return e.pushCommand(command{kind: cmdToggleMute})
}

// BeginRecording arms multitrack recording to start at the next riff-start
// boundary (spec §4.3.2 step 9). The sink itself must already be installed
// via SetRecorder before this command is processed.
func (e *Engine) BeginRecording() OperationId {
	return e.pushCommand(command{kind: cmdBeginRecording})
}

// StopRecording closes the active recorder immediately.
func (e *Engine) StopRecording() OperationId {
	return e.pushCommand(command{kind: cmdStopRecording})
}

// UpdateProgressionConfiguration changes the transition policy.
func (e *Engine) UpdateProgressionConfiguration(cfg ProgressionConfig) OperationId {
	return e.pushCommand(command{kind: cmdUpdateProgression, prog: cfg})
}

// SetRecorder installs the sink WriteStereo/WriteTracks are fed into. This
// is a plain field write, not a queued command: it is expected to be called
// during setup, before the audio callback is running.
func (e *Engine) SetRecorder(r recorder.Sink) {
	e.rec = r
}

// BlockUntil spins, yielding, until the audio thread has applied the
// command identified by id. Spec §5: "used only during teardown and
// critical reconfiguration; never in the audio thread."
func (e *Engine) BlockUntil(id OperationId) {
	for OperationId(e.lastAppliedOp.Load()) < id {
		runtimeGosched()
	}
}

// State returns a copy of the most recent render summary.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// --- audio-thread entry point (spec §4.3.2) ---

// Update renders samplesToWrite frames into out (len(out) ==
// samplesToWrite) and, if taps is non-nil, writes per-stem L/R into
// taps[i] (each also length samplesToWrite). Must be called only from the
// audio callback thread, once per callback, with buffers the caller
// preallocated — Update itself never allocates.
func (e *Engine) Update(out [][2]float32, taps *[numStems][][2]float32, sampleRate int) {
	samplesToWrite := len(out)
	if samplesToWrite == 0 {
		return
	}
	if samplesToWrite > e.maxBlockFrames {
		panic("mixer: Update called with more frames than maxBlockFrames")
	}

	e.drainCommands()

	globalBase := e.sampleClock
	e.sampleClock += uint64(samplesToWrite)

	e.advanceTransition(samplesToWrite, sampleRate)

	if e.current == nil {
		if !e.promoteFromSilence() {
			e.zeroOutput(out, taps)
			e.publishState(nil, [numStems]float64{}, 0, 0)
			return
		}
	} else if e.progression.TriggerPoint == Arbitrary {
		// Arbitrary is evaluated every callback, not just at bar edges.
		e.tryStartTransition()
	}

	e.renderBlock(out, taps, globalBase, samplesToWrite)
}

func (e *Engine) zeroOutput(out [][2]float32, taps *[numStems][][2]float32) {
	for i := range out {
		out[i] = [2]float32{}
	}
	if taps != nil {
		for s := 0; s < numStems; s++ {
			for i := range taps[s] {
				taps[s][i] = [2]float32{}
			}
		}
	}
}

// drainCommands applies every queued command. lastAppliedOp advances for
// every command as soon as it is observed (that is what BlockUntil waits
// on), but the OperationComplete event for a permutation change is deferred
// until it is actually adopted at a trigger point — see adoptPendingPermutation.
func (e *Engine) drainCommands() {
	for {
		c, ok := e.cmds.pop()
		if !ok {
			return
		}
		immediate := e.applyCommand(c)
		e.lastAppliedOp.Store(uint64(c.opID))
		if immediate && e.bus != nil {
			e.bus.Publish(eventbus.OperationComplete{ID: eventbus.OperationId(c.opID)})
		}
	}
}

// applyCommand applies c and reports whether its OperationComplete should
// fire now (true for everything except a deferred permutation swap).
func (e *Engine) applyCommand(c command) bool {
	switch c.kind {
	case cmdInstallMixer:
		e.insert = c.mixer
	case cmdEffectClearAll:
		e.insert = nil
	case cmdToggleMute:
		e.masterMuted = !e.masterMuted
	case cmdBeginRecording:
		e.startRecordingOnLoop = true
	case cmdStopRecording:
		if e.rec != nil {
			e.rec.Close()
			e.rec = nil
		}
	case cmdEnqueuePermutation:
		p := c.perm
		if e.progression.TriggerPoint == Arbitrary {
			e.activePermutation = p
			return true
		}
		e.pendingPermutation = &p
		e.pendingPermutationOp = c.opID
		return false
	case cmdUpdateProgression:
		e.progression = c.prog
	}
	return true
}

// adoptPendingPermutation swaps in a pending permutation at a trigger
// boundary and posts the deferred OperationComplete (spec §4.4).
func (e *Engine) adoptPendingPermutation() {
	if e.pendingPermutation == nil {
		return
	}
	e.activePermutation = *e.pendingPermutation
	op := e.pendingPermutationOp
	e.pendingPermutation = nil
	if e.bus != nil {
		e.bus.Publish(eventbus.OperationComplete{ID: eventbus.OperationId(op)})
	}
}

// advanceTransition implements spec §4.3.2 step 3.
func (e *Engine) advanceTransition(samplesToWrite, sampleRate int) {
	if !e.transitionActive {
		return
	}
	if e.progression.BlendTime == BlendZero {
		e.swapCurrentNext()
		return
	}
	if e.current == nil || e.current.LengthInSecPerBar <= 0 {
		e.swapCurrentNext()
		return
	}
	blendSeconds := e.current.LengthInSecPerBar * e.progression.BlendTime.Multiplier()
	if blendSeconds <= 0 {
		e.swapCurrentNext()
		return
	}
	transitionRate := 1.0 / blendSeconds
	e.transitionT += float64(samplesToWrite) / float64(sampleRate) * transitionRate
	if e.transitionT >= 1.0 {
		e.swapCurrentNext()
	}
}

func (e *Engine) swapCurrentNext() {
	if e.current != nil {
		e.current.Release()
	}
	e.current = e.next
	e.next = nil
	e.transitionActive = false
	e.transitionT = 0
	e.loopIndex = 0
	e.unpauseRecorderForNewTransition()
	if e.bus != nil && e.current != nil {
		e.bus.Publish(eventbus.MixerRiffChange{RiffID: e.current.ID})
	}
}

// unpauseRecorderForNewTransition implements the RepCom open question
// resolution (spec §9): any new transition unpauses a recorder that RepCom
// paused because the same bars were looping.
func (e *Engine) unpauseRecorderForNewTransition() {
	if e.rec != nil && e.rec.Paused() && !e.startRecordingOnLoop {
		e.rec.SetPaused(false)
	}
}

// dequeueNextRiff pops the oldest queued riff, or, in greedy mode, drains
// the whole queue and keeps only the newest (spec §8 scenario 3).
func (e *Engine) dequeueNextRiff() (*riff.Riff, bool) {
	r, ok := e.riffs.pop()
	if !ok {
		return nil, false
	}
	if e.progression.GreedyMode {
		for {
			newer, ok := e.riffs.pop()
			if !ok {
				break
			}
			r.Release()
			r = newer
		}
	}
	return r, true
}

// tryStartTransition implements the trigger-point evaluation shared by the
// Arbitrary fast path and the bar-edge hook (spec §4.3.2 step 8, §4.3.4).
// A transition already in flight is never superseded (§4.3.3 tie-break).
func (e *Engine) tryStartTransition() {
	if e.transitionActive || e.next != nil {
		return
	}
	r, ok := e.dequeueNextRiff()
	if !ok {
		return
	}
	if r.LengthInSamples <= 0 {
		// spec §8 boundary: never promote a zero-length riff.
		r.Release()
		return
	}
	e.next = r
	if e.progression.BlendTime == BlendZero {
		e.swapCurrentNext()
		return
	}
	e.transitionActive = true
	e.transitionT = 0
	e.unpauseRecorderForNewTransition()
}

// promoteFromSilence implements spec §4.3.2 step 4: only Arbitrary mode
// bootstraps playback when there is no current riff at all.
func (e *Engine) promoteFromSilence() bool {
	if e.progression.TriggerPoint != Arbitrary {
		return false
	}
	if e.next == nil {
		r, ok := e.dequeueNextRiff()
		if !ok {
			return false
		}
		e.next = r
	}
	if e.next.LengthInSamples <= 0 {
		// spec §8 boundary: a riff whose length is 0 must never be
		// promoted to current; drop it and stay silent.
		e.next.Release()
		e.next = nil
		return false
	}
	e.current = e.next
	e.next = nil
	e.loopIndex = 0
	e.unpauseRecorderForNewTransition()
	if e.bus != nil {
		e.bus.Publish(eventbus.MixerRiffChange{RiffID: e.current.ID})
	}
	return true
}

func runtimeGosched() { runtime.Gosched() }

// --- per-sample rendering (spec §4.3.2 steps 5-9) ---

// renderBlock fills out/taps for one callback once e.current is known
// non-nil. globalBase is the sample clock value at the start of this
// block (before Update's own advance).
func (e *Engine) renderBlock(out [][2]float32, taps *[numStems][][2]float32, globalBase uint64, samplesToWrite int) {
	cur := e.current
	nxt := e.next
	transitioning := e.transitionActive && nxt != nil
	t := e.transitionT

	samplesPerBar := cur.LengthInSamplesPerBar
	riffLen := cur.LengthInSamples

	var blockEnergy [numStems]float64
	var beatSeenThisSample [numStems]bool

	for i := 0; i < samplesToWrite; i++ {
		global := globalBase + uint64(i)
		riffSample := int64(global % uint64(riffLen))
		barIndex := int(riffSample / samplesPerBar)
		atBarStart := riffSample%samplesPerBar == 0

		if atBarStart {
			if riffSample == 0 {
				e.loopIndex++
				e.onRiffStart()
			}
			e.evaluateTriggerPoint(barIndex, riffSample == 0)
		}

		var mixL, mixR float32
		for s := 0; s < numStems; s++ {
			st := cur.Stem(s)
			gain := cur.StemGains[s] * e.activePermutation.EffectiveGain(s)
			var l, r float32
			if st != nil && gain != 0 {
				idx := int(float64(riffSample) * cur.StemTimeScales[s])
				if st.SampleCount > 0 {
					idx %= st.SampleCount // tile beats and energy as well as audio
				}
				l, r = st.SampleAt(idx)
				l *= float32(gain)
				r *= float32(gain)
				if st.BeatAt(idx) {
					e.stemPulse[s] = 1
					beatSeenThisSample[s] = true
				}
				if en := float64(st.EnergyAt(idx)); en > blockEnergy[s] {
					blockEnergy[s] = en
				}
			}

			if transitioning {
				var nl, nr float32
				if nxt != nil {
					nst := nxt.Stem(s)
					ngain := nxt.StemGains[s] * e.activePermutation.EffectiveGain(s)
					if nst != nil && ngain != 0 {
						nRiffSample := int64(global % uint64(maxI64(nxt.LengthInSamples, 1)))
						nidx := int(float64(nRiffSample) * nxt.StemTimeScales[s])
						nl, nr = nst.SampleAt(nidx)
						nl *= float32(ngain)
						nr *= float32(ngain)
					}
				}
				l = l*float32(1-t) + nl*float32(t)
				r = r*float32(1-t) + nr*float32(t)
			}

			if taps != nil && taps[s] != nil {
				taps[s][i] = [2]float32{l, r}
			}
			mixL += l
			mixR += r
		}

		out[i] = [2]float32{mixL, mixR}
	}

	// The decay constant is per sample; apply this block's worth at once.
	decay := math.Pow(pulseDecayPerSample, float64(samplesToWrite))
	for s := 0; s < numStems; s++ {
		if !beatSeenThisSample[s] {
			e.stemPulse[s] *= decay
		}
	}
	consensus := 0
	for s := 0; s < numStems; s++ {
		if beatSeenThisSample[s] {
			consensus++
		}
	}
	if consensus >= 3 {
		e.consensusBeat = 1
	} else {
		e.consensusBeat *= decay
	}

	e.commitOutputs(out, taps)

	riffSampleAtEnd := int64((globalBase + uint64(samplesToWrite) - 1) % uint64(riffLen))
	pct := float64(riffSampleAtEnd) / float64(riffLen)
	e.publishState(cur, blockEnergy, riffSampleAtEnd, pct)
}

func maxI64(v, min int64) int64 {
	if v < min {
		return min
	}
	return v
}

// commitOutputs implements step 7: stereo pre-mix goes to the installed
// insert chain (if any), then to the optional recorder. Every scratch slice
// used here is preallocated in New and merely resliced to len(out) — never
// made or grown on this, the audio, thread.
func (e *Engine) commitOutputs(out [][2]float32, taps *[numStems][][2]float32) {
	n := len(out)
	if e.masterMuted {
		for i := range out {
			out[i] = [2]float32{}
		}
	}
	if e.insert != nil {
		left := e.insertL[:n]
		right := e.insertR[:n]
		for i, fr := range out {
			left[i] = fr[0]
			right[i] = fr[1]
		}
		e.insert.Process(left, right)
		for i := range out {
			out[i] = [2]float32{left[i], right[i]}
		}
	}
	if e.rec == nil {
		return
	}
	switch e.rec.Mode() {
	case recorder.ModeStereoMix:
		left := e.recStereoL[:n]
		right := e.recStereoR[:n]
		for i, fr := range out {
			left[i] = fr[0]
			right[i] = fr[1]
		}
		e.rec.WriteStereo(left, right)
	case recorder.ModeMultitrack:
		if taps == nil {
			return
		}
		var tracks [numStems][2][]float32
		for s := 0; s < numStems; s++ {
			if taps[s] == nil {
				continue
			}
			l := e.recTrackL[s][:n]
			r := e.recTrackR[s][:n]
			for i, fr := range taps[s] {
				l[i] = fr[0]
				r[i] = fr[1]
			}
			tracks[s][0] = l
			tracks[s][1] = r
		}
		e.rec.WriteTracks(tracks)
	}
}

// onRiffStart implements step 9: open (unpause) a pending recording at the
// start of a loop, and apply RepCom's pause-on-repeat when the same bars
// loop again with no new transition in flight.
func (e *Engine) onRiffStart() {
	if e.startRecordingOnLoop && e.rec != nil {
		e.rec.SetPaused(false)
		e.startRecordingOnLoop = false
		return
	}
	if e.loopIndex > 1 && e.rec != nil && e.rec.Mode() == recorder.ModeMultitrack && !e.transitionActive {
		e.rec.SetPaused(true)
	}
}

// evaluateTriggerPoint implements step 8 for the three bar-aligned trigger
// points; Arbitrary is evaluated once per callback in Update instead, since
// it is not gated on a bar boundary at all.
func (e *Engine) evaluateTriggerPoint(barIndex int, isRiffStart bool) {
	switch e.progression.TriggerPoint {
	case NextRiffStart:
		if isRiffStart {
			e.tryStartTransition()
		}
	case AnyBarStart:
		e.tryStartTransition()
	case AnyEvenBarStart:
		if barIndex%2 == 0 {
			e.tryStartTransition()
		}
	}
	e.adoptPendingPermutation()
}

// publishState refreshes the cheap State snapshot State() hands callers;
// it mirrors (a subset of) the Exchange Snapshot fields (spec §4.6).
func (e *Engine) publishState(cur *riff.Riff, blockEnergy [numStems]float64, riffSample int64, pct float64) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if cur == nil {
		e.state = State{}
		return
	}
	var s State
	s.HasCurrent = true
	s.BPM = cur.BPM
	s.BarCount = cur.BarCount
	if cur.LengthInSamplesPerBar > 0 {
		s.BarIndex = int(riffSample / cur.LengthInSamplesPerBar)
	}
	s.RiffPercentage = pct
	s.TransitionActive = e.transitionActive
	s.TransitionT = e.transitionT
	s.ConsensusBeat = e.consensusBeat
	for i := 0; i < numStems; i++ {
		s.StemGain[i] = cur.StemGains[i] * e.activePermutation.EffectiveGain(i)
		s.StemPulse[i] = e.stemPulse[i]
		s.StemEnergy[i] = blockEnergy[i]
	}
	e.state = s
}
