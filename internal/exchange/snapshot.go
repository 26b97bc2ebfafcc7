// Package exchange derives the per-tick Exchange Snapshot (spec §3, §4.6)
// from the mixer's cheap State summary, and optionally broadcasts it to
// connected websocket clients.
package exchange

import (
	"sync"

	"github.com/riffbeam/engine/internal/mixer"
)

const numStems = 8

// Snapshot is the fixed-layout struct populated once per tick and consumed
// by UI/broadcast readers (spec §3 "Exchange Snapshot"). It is always
// value-copied, never shared by reference, per that section's lifecycle
// note.
type Snapshot struct {
	WriteCounter uint64

	JamName string
	BPM     float64

	BarSegmentCount  int
	BarSegmentActive int
	RiffPercentage   float64
	RiffTransition   float64

	StemGain   [numStems]float64
	StemPulse  [numStems]float64
	StemEnergy [numStems]float64

	ConsensusBeat float64
}

// Source supplies the mixer-state half of a Snapshot; satisfied by
// *mixer.Engine.
type Source interface {
	State() mixer.State
}

// Publisher derives and holds the latest Snapshot under a mutex, mirroring
// spec §6.3's "memory-mapped, mutex-guarded, writer updates a monotonically
// increasing write counter" contract without actually requiring a real
// shared-memory mapping (none of the pack's examples expose one; a plain
// mutex-guarded value satisfies the same contract for an in-process or
// websocket-relayed reader).
type Publisher struct {
	mu       sync.Mutex
	snap     Snapshot
	jamName  string
	listener func(Snapshot)
}

// NewPublisher creates a Publisher that labels every Snapshot with jamName
// (the spec's jam_name[N] field, fixed at construction since nothing else
// in this module changes it mid-session).
func NewPublisher(jamName string) *Publisher {
	return &Publisher{jamName: jamName}
}

// SetListener installs a callback invoked with every newly published
// Snapshot (used by the websocket broadcast tap). Pass nil to detach.
func (p *Publisher) SetListener(fn func(Snapshot)) {
	p.mu.Lock()
	p.listener = fn
	p.mu.Unlock()
}

// Tick derives a new Snapshot from src's current mixer state, publishes it,
// and returns a copy. Call once per UI tick (spec §3: "cleared at the start
// of each main-thread update").
func (p *Publisher) Tick(src Source) Snapshot {
	st := src.State()

	p.mu.Lock()
	p.snap.WriteCounter++
	p.snap.JamName = p.jamName
	p.snap.BPM = st.BPM
	p.snap.BarSegmentCount = st.BarCount
	p.snap.BarSegmentActive = st.BarIndex
	p.snap.RiffPercentage = st.RiffPercentage
	if st.TransitionActive {
		p.snap.RiffTransition = st.TransitionT
	} else {
		p.snap.RiffTransition = 0
	}
	p.snap.StemGain = st.StemGain
	p.snap.StemPulse = st.StemPulse
	p.snap.StemEnergy = st.StemEnergy
	p.snap.ConsensusBeat = st.ConsensusBeat
	out := p.snap
	listener := p.listener
	p.mu.Unlock()

	if listener != nil {
		listener(out)
	}
	return out
}

// Latest returns the most recently published Snapshot without deriving a
// new one; used by readers that poll independently of the tick cadence.
func (p *Publisher) Latest() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}
