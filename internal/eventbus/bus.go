// Package eventbus is the in-process, main-thread typed event dispatcher
// from spec §2 and §6.4: one-shot delivery of riff-changed,
// operation-complete, and stem-amalgam-generated notifications.
package eventbus

import "sync"

// Event is the marker interface every bus payload implements. It carries no
// behaviour — it exists so Publish/SetHandler stay type-checked at the call
// site instead of trafficking in bare `any`.
type Event interface{ eventMarker() }

type baseEvent struct{}

func (baseEvent) eventMarker() {}

// RiffId / OperationId are redeclared locally (rather than imported from
// riff/mixer) to keep eventbus free of a dependency on the packages that
// publish into it — it only needs to move values, not interpret them.
type RiffId = [24]byte
type OperationId = uint64

// MixerRiffChange fires when the mixer promotes a new current riff, or
// clears it (Riff == nil payload pointer encoded as the zero id + Empty).
type MixerRiffChange struct {
	baseEvent
	RiffID RiffId
	Empty  bool
}

// OperationComplete fires once the audio thread has applied a queued
// command and the command's OperationId has been observed.
type OperationComplete struct {
	baseEvent
	ID OperationId
}

// ExportRiff requests (or confirms) an export of a riff plus any UI-side
// adjustments made to it.
type ExportRiff struct {
	baseEvent
	RiffID      RiffId
	Adjustments map[string]float64
}

// StemEnergyPulse is one stem's point-in-time energy/pulse sample, carried
// inside StemDataAmalgamGenerated.
type StemEnergyPulse struct {
	Energy float32
	Pulse  float32
}

// StemDataAmalgamGenerated fires once per UI tick with a snapshot of all
// eight stems' energy/pulse state for the currently audible riff.
type StemDataAmalgamGenerated struct {
	baseEvent
	Stems [8]StemEnergyPulse
}

// PanicStop fires when the engine must immediately silence all output.
type PanicStop struct{ baseEvent }

// ToastKind categorises AddToastNotification for the UI layer.
type ToastKind int

const (
	ToastInfo ToastKind = iota
	ToastWarning
	ToastError
)

// AddToastNotification asks the UI to surface a transient message — used
// for non-fatal Fetch/Resolve/Configuration error kinds (spec §7).
type AddToastNotification struct {
	baseEvent
	Kind     ToastKind
	Title    string
	Body     string
	Duration float64 // seconds
}

// Handler receives one event. Handlers run synchronously on whichever
// goroutine calls Dispatch — the bus itself does not introduce concurrency;
// callers are expected to invoke Dispatch from the main/UI thread, per spec
// §5 ("Main/UI thread ... Owns: event bus dispatch").
type Handler func(Event)

// defaultBusCapacity bounds how many events can be outstanding between two
// Dispatch calls. Publish is called from the audio thread (spec §5/§9: "the
// audio thread never allocates"), so the backing storage is two fixed-size
// buffers allocated once, here, and reused for the bus's lifetime instead of
// an append-growing slice.
const defaultBusCapacity = 256

// Bus is a typed one-shot pub/sub dispatcher. Safe for concurrent
// Publish/SetHandler from any number of producer goroutines (the audio
// thread and background workers both call Publish); Dispatch must be called
// from a single thread (the main/UI thread) to preserve ordering.
//
// Publish never allocates and holds the bus mutex only for one slot write:
// it writes into whichever of two preallocated buffers is currently
// "active" (not being drained by a Dispatch in progress). Dispatch swaps
// the active buffer under the lock,
// then iterates the now-detached buffer without holding it, so concurrent
// Publish calls during the handler loop land in the other buffer instead of
// racing the iteration.
type Bus struct {
	mu     sync.Mutex
	active int
	n      [2]int
	bufs   [2][]Event

	handler Handler
}

// New creates an empty bus with no handler installed, preallocated to
// defaultBusCapacity events per buffer.
func New() *Bus {
	return &Bus{
		bufs: [2][]Event{
			make([]Event, defaultBusCapacity),
			make([]Event, defaultBusCapacity),
		},
	}
}

// SetHandler installs the function Dispatch delivers queued events to.
func (b *Bus) SetHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Publish enqueues an event for the next Dispatch call. Safe to call from
// any thread (e.g. the audio thread, the pipeline worker, or the mixer's
// command-queue consumer) — it writes into a preallocated slot rather than
// allocating.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := b.bufs[b.active]
	if b.n[b.active] >= len(buf) {
		panic("eventbus: publish overflow")
	}
	buf[b.n[b.active]] = e
	b.n[b.active]++
}

// Dispatch swaps the active buffer, then invokes the installed handler once
// per event in publish order from the now-detached, drained buffer. Call
// this from the main/UI thread once per tick.
func (b *Bus) Dispatch() {
	b.mu.Lock()
	drain := b.active
	count := b.n[drain]
	b.active = 1 - b.active
	b.n[b.active] = 0
	h := b.handler
	b.mu.Unlock()

	if h == nil {
		return
	}
	buf := b.bufs[drain]
	for i := 0; i < count; i++ {
		h(buf[i])
		buf[i] = nil
	}
}

// Pending reports the number of events waiting for the next Dispatch, for
// tests and diagnostics.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n[b.active]
}
