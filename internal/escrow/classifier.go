// Package escrow implements Class A/B tool classification on the decision
// path and the escrow gate that holds irreversible actions until the
// Tri-Factor Gate resolves them.
package escrow

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/ocx/enforcer/internal/policy"
	"github.com/ocx/enforcer/internal/statestore"
)

// Heuristic defaults for an action whose tool could not be resolved.
const (
	heuristicReversibility uint32 = 5
)

// Source records how a classification was reached.
type Source uint8

const (
	SourceRegistry Source = iota
	SourceHeuristic
)

func (s Source) String() string {
	if s == SourceRegistry {
		return "registry"
	}
	return "heuristic"
}

// Override records a dynamic escalation of a Class A tool.
type Override uint8

const (
	OverrideNone Override = iota
	// OverrideLowTrust: trust below the tool's minimum reputation.
	OverrideLowTrust
	// OverrideEntitlements: required entitlements not all present.
	OverrideEntitlements
)

// Classification is the result of Classify. It is a plain value so the
// decision path never allocates.
type Classification struct {
	Class         statestore.ActionClass
	Source        Source
	Override      Override
	ToolHash      uint64
	Reversibility uint32
	Required      uint64
	Present       uint64
	EntitlementOK bool
}

// HashToolID returns the registry key for a tool identifier: the first 64
// bits of its SHA-256.
func HashToolID(toolID string) uint64 {
	sum := sha256.Sum256([]byte(toolID))
	return binary.BigEndian.Uint64(sum[:8])
}

// Classifier reads the tool registry. It never writes it.
type Classifier struct {
	tools      statestore.Map[uint64, statestore.ToolMeta]
	trustBelow uint32
	sizeAbove  uint32
	percent    func(uint32) uint32
}

// NewClassifier builds a classifier over the registry using p's heuristic
// thresholds and trust scale.
func NewClassifier(tools statestore.Map[uint64, statestore.ToolMeta], p policy.Policy) *Classifier {
	return &Classifier{
		tools:      tools,
		trustBelow: p.HeuristicTrustBelow,
		sizeAbove:  p.HeuristicSizeAbove,
		percent:    p.Percent,
	}
}

// Classify decides the class of one action. toolHash is zero when the
// payload parser could not resolve a tool identifier.
func (c *Classifier) Classify(toolHash uint64, trust, size uint32, present uint64) Classification {
	if toolHash != 0 {
		if meta, ok := c.tools.Lookup(toolHash); ok {
			return c.fromRegistry(toolHash, meta, trust, present)
		}
	}

	cls := Classification{
		Class:         statestore.ClassA,
		Source:        SourceHeuristic,
		ToolHash:      toolHash,
		Reversibility: 100,
		Present:       present,
		EntitlementOK: true,
	}
	if trust < c.trustBelow && size > c.sizeAbove {
		cls.Class = statestore.ClassB
		cls.Reversibility = heuristicReversibility
	}
	return cls
}

func (c *Classifier) fromRegistry(toolHash uint64, meta statestore.ToolMeta, trust uint32, present uint64) Classification {
	cls := Classification{
		Class:         meta.ActionClass,
		Source:        SourceRegistry,
		ToolHash:      toolHash,
		Reversibility: meta.ReversibilityIndex,
		Required:      meta.RequiredEntitlements,
		Present:       present,
		EntitlementOK: present&meta.RequiredEntitlements == meta.RequiredEntitlements,
	}
	if meta.HITL() {
		cls.Class = statestore.ClassB
	}
	if cls.Class == statestore.ClassA {
		switch {
		case trust < c.percent(meta.MinReputation):
			cls.Class = statestore.ClassB
			cls.Override = OverrideLowTrust
		case !cls.EntitlementOK:
			cls.Class = statestore.ClassB
			cls.Override = OverrideEntitlements
		}
	}
	return cls
}
