package normalize

import (
	"math"
)

// Target describes the level normalization aims for.
type Target struct {
	// PeakDBFS is the desired peak level relative to full scale.
	PeakDBFS float64
	// MaxGainDB caps amplification of quiet input.
	MaxGainDB float64
}

var DefaultTarget = Target{PeakDBFS: -1, MaxGainDB: 20}

// PeakLevel returns the target peak as a sample value.
func (t Target) PeakLevel() float64 {
	return math.MaxInt16 * DBToLinear(t.PeakDBFS)
}

// GainFor returns the linear gain that brings peak to the target, capped at
// MaxGainDB. Silent input gets unity gain.
func (t Target) GainFor(peak int) float64 {
	if peak <= 0 {
		return 1
	}
	return min(t.PeakLevel()/float64(peak), DBToLinear(t.MaxGainDB))
}

func DBToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

func LinearToDB(g float64) float64 {
	return 20 * math.Log10(g)
}

// Gain transforms one buffer of PCM.
type Gain interface {
	// Apply returns a new buffer of the same length. It returns
	// ErrInvalidFrame if buf does not validate.
	Apply(buf Buffer) (Buffer, error)
}

// ConstantGain scales every sample by the same factor.
type ConstantGain float64

var _ Gain = ConstantGain(1)

func (g ConstantGain) Apply(buf Buffer) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, err
	}
	return scale(buf, float64(g)), nil
}

func scale(buf Buffer, g float64) Buffer {
	out := buf
	out.Samples = make([]int16, len(buf.Samples))
	for i, s := range buf.Samples {
		out.Samples[i] = clip(float64(s) * g)
	}
	return out
}

func clip(v float64) int16 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// DefaultReleaseDB is how far a Limiter's gain may rise per buffer.
const DefaultReleaseDB = 0.1

// Limiter is a single pass gain that reacts to the running signal: it drops
// instantly when a buffer would exceed the target and recovers by at most
// ReleaseDB per buffer. It starts at unity gain.
type Limiter struct {
	Target    Target
	ReleaseDB float64

	gain float64
}

var _ Gain = (*Limiter)(nil)

func NewLimiter(target Target) *Limiter {
	return &Limiter{Target: target, ReleaseDB: DefaultReleaseDB, gain: 1}
}

func (l *Limiter) Apply(buf Buffer) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, err
	}

	want := l.Target.GainFor(buf.Peak())
	if want < l.gain {
		l.gain = want
	} else {
		l.gain = min(want, l.gain*DBToLinear(l.ReleaseDB))
	}
	return scale(buf, l.gain), nil
}

// Current returns the gain applied to the last buffer.
func (l *Limiter) Current() float64 {
	return l.gain
}
