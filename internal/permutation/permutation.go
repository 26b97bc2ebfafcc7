// Package permutation implements per-stem mute/solo/gain state and the
// effective-gain rule from spec §3 "Riff Playback Permutation" / §4.4.
package permutation

// NumStems mirrors riff.NumStems; kept independent to avoid a cyclic
// import between riff and permutation.
const NumStems = 8

// Query selects which boolean aggregate Query(...) reports.
type Query int

const (
	AnyMuted Query = iota
	AnySolo
)

// Permutation holds the eight per-stem gain multipliers, mute flags and
// solo flags that the Mix Engine commutes atomically into its active state
// on a bar boundary (spec §4.3/§4.4).
type Permutation struct {
	GainMultiplier [NumStems]float64
	Muted          [NumStems]bool
	Solo           [NumStems]bool
}

// Default returns a permutation with unity gain and nothing muted/soloed.
func Default() Permutation {
	p := Permutation{}
	for i := range p.GainMultiplier {
		p.GainMultiplier[i] = 1.0
	}
	return p
}

// ToggleMute flips Muted[i].
func (p *Permutation) ToggleMute(i int) {
	if i < 0 || i >= NumStems {
		return
	}
	p.Muted[i] = !p.Muted[i]
}

// ToggleSolo flips Solo[i].
func (p *Permutation) ToggleSolo(i int) {
	if i < 0 || i >= NumStems {
		return
	}
	p.Solo[i] = !p.Solo[i]
}

// AnySoloActive reports whether any stem is currently soloed.
func (p *Permutation) AnySoloActive() bool {
	for _, s := range p.Solo {
		if s {
			return true
		}
	}
	return false
}

// IsMuted reports Muted[i].
func (p *Permutation) IsMuted(i int) bool {
	if i < 0 || i >= NumStems {
		return false
	}
	return p.Muted[i]
}

// IsSolo reports Solo[i].
func (p *Permutation) IsSolo(i int) bool {
	if i < 0 || i >= NumStems {
		return false
	}
	return p.Solo[i]
}

// Query answers an O(1) aggregate question about the permutation.
func (p *Permutation) Query(q Query) bool {
	switch q {
	case AnyMuted:
		for _, m := range p.Muted {
			if m {
				return true
			}
		}
		return false
	case AnySolo:
		return p.AnySoloActive()
	default:
		return false
	}
}

// EffectiveGain implements spec §3: "gain_multiplier * (any_solo ?
// (solo ? 1 : 0) : (muted ? 0 : 1))".
func (p *Permutation) EffectiveGain(i int) float64 {
	if i < 0 || i >= NumStems {
		return 0
	}
	anySolo := p.AnySoloActive()
	var switchGain float64
	switch {
	case anySolo && p.Solo[i]:
		switchGain = 1
	case anySolo && !p.Solo[i]:
		switchGain = 0
	case !anySolo && p.Muted[i]:
		switchGain = 0
	default:
		switchGain = 1
	}
	return p.GainMultiplier[i] * switchGain
}
