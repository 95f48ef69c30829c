package normalize

import (
	"fmt"
	"strings"
)

// Policy selects how the gain is derived and applied.
type Policy int

const (
	// PolicyPeak decodes the stream twice: once to find the global peak and
	// once to apply a constant gain.
	PolicyPeak Policy = iota
	// PolicyStreaming decodes once and applies a Limiter.
	PolicyStreaming
	// PolicyHeaderGain decodes once to find the peak and stores the gain in
	// the OpusHead output gain field. Packets are copied unchanged.
	PolicyHeaderGain
)

func (p Policy) String() string {
	switch p {
	case PolicyPeak:
		return "peak"
	case PolicyStreaming:
		return "streaming"
	case PolicyHeaderGain:
		return "header-gain"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "peak":
		return PolicyPeak, nil
	case "streaming":
		return PolicyStreaming, nil
	case "header-gain":
		return PolicyHeaderGain, nil
	}
	return 0, fmt.Errorf("unknown normalization policy %q", s)
}

// Analyzes reports whether the policy needs an analysis pass.
func (p Policy) Analyzes() bool {
	return p == PolicyPeak || p == PolicyHeaderGain
}

// Reencodes reports whether audio packets are decoded and encoded again.
func (p Policy) Reencodes() bool {
	return p != PolicyHeaderGain
}

// Analyzer tracks the global peak over the buffers it observes.
type Analyzer struct {
	peak    int
	buffers int
}

func (a *Analyzer) Observe(buf Buffer) {
	a.peak = max(a.peak, buf.Peak())
	a.buffers++
}

func (a *Analyzer) Peak() int {
	return a.peak
}

func (a *Analyzer) Buffers() int {
	return a.buffers
}

// PeakDBFS returns the observed peak relative to full scale, or -Inf for
// silence.
func (a *Analyzer) PeakDBFS() float64 {
	return LinearToDB(float64(a.peak) / 32767)
}

// Gain returns the constant gain reaching target.
func (a *Analyzer) Gain(target Target) ConstantGain {
	return ConstantGain(target.GainFor(a.peak))
}
