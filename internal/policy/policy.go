// Package policy carries the thresholds the decision hooks compare against.
// Values are stored already scaled to the trust precision tier so the hot
// path never multiplies.
package policy

import "fmt"

// Supported trust precision tiers.
const (
	ScalePercent   uint32 = 100
	ScaleBasisPts  uint32 = 10000
	defaultTrust          = 50
	defaultFloor          = 30
	heuristicTrust        = 65
	heuristicSize         = 1024
)

// Policy is immutable once handed to the hooks.
type Policy struct {
	Scale uint32

	// DefaultTrust applies when a pid has no trust entry, and is the value
	// seeded at first capture.
	DefaultTrust uint32
	// TrustFloor: trust strictly below it is a hard deny.
	TrustFloor uint32

	// Class B heuristic for actions without a resolved tool: trust strictly
	// below HeuristicTrustBelow and size strictly above HeuristicSizeAbove.
	HeuristicTrustBelow uint32
	HeuristicSizeAbove  uint32

	// FailClosed denies any action lacking an explicit Allow verdict.
	FailClosed bool
	// Trace logs holds at debug level. Logging allocates; keep it off in
	// production.
	Trace bool
}

// Default is the fail-open percent-scale policy.
func Default() Policy {
	return Policy{
		Scale:               ScalePercent,
		DefaultTrust:        defaultTrust,
		TrustFloor:          defaultFloor,
		HeuristicTrustBelow: heuristicTrust,
		HeuristicSizeAbove:  heuristicSize,
	}
}

// Percent converts a 0-100 value into the policy's trust scale.
func (p Policy) Percent(v uint32) uint32 {
	return v * p.Scale / ScalePercent
}

// Rescale returns p with every trust threshold moved to scale.
func (p Policy) Rescale(scale uint32) Policy {
	if p.Scale == 0 || p.Scale == scale {
		p.Scale = scale
		return p
	}
	conv := func(v uint32) uint32 { return uint32(uint64(v) * uint64(scale) / uint64(p.Scale)) }
	p.DefaultTrust = conv(p.DefaultTrust)
	p.TrustFloor = conv(p.TrustFloor)
	p.HeuristicTrustBelow = conv(p.HeuristicTrustBelow)
	p.Scale = scale
	return p
}

// Validate rejects unusable combinations.
func (p Policy) Validate() error {
	if p.Scale != ScalePercent && p.Scale != ScaleBasisPts {
		return fmt.Errorf("policy: trust scale must be %d or %d, got %d", ScalePercent, ScaleBasisPts, p.Scale)
	}
	if p.DefaultTrust > p.Scale {
		return fmt.Errorf("policy: default trust %d exceeds scale %d", p.DefaultTrust, p.Scale)
	}
	if p.TrustFloor > p.Scale {
		return fmt.Errorf("policy: trust floor %d exceeds scale %d", p.TrustFloor, p.Scale)
	}
	if p.HeuristicTrustBelow > p.Scale {
		return fmt.Errorf("policy: heuristic trust %d exceeds scale %d", p.HeuristicTrustBelow, p.Scale)
	}
	return nil
}
