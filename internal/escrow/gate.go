package escrow

import (
	"log/slog"

	"github.com/ocx/enforcer/internal/events"
	"github.com/ocx/enforcer/internal/statestore"
)

// Request carries the context of one Class B attempt into the gate.
type Request struct {
	PID        uint32
	TID        uint32
	CgroupID   uint64
	Timestamp  uint64
	TenantID   uint32
	BinaryHash uint64
	Trust      uint32
	Size       uint32
}

// Gate emits escrow records for Class B actions. It holds no per-request
// state: a request is pending exactly as long as the process has no terminal
// verdict.
type Gate struct {
	escrow *events.Ring[events.EscrowEvent]
	trace  bool
}

// NewGate publishes on ring. With trace set, every hold is logged at debug.
func NewGate(ring *events.Ring[events.EscrowEvent], trace bool) *Gate {
	return &Gate{escrow: ring, trace: trace}
}

// Hold records a pending escrow request. Every attempt produces its own
// record; a full channel drops it without affecting the hold itself. It
// returns whether the record was queued.
func (g *Gate) Hold(req Request, cls Classification) bool {
	valid := uint32(0)
	if cls.EntitlementOK {
		valid = 1
	}
	ok := g.escrow.TryPublish(events.EscrowEvent{
		PID:                  req.PID,
		TID:                  req.TID,
		CgroupID:             req.CgroupID,
		Timestamp:            req.Timestamp,
		ToolHash:             cls.ToolHash,
		ActionClass:          statestore.ClassB,
		TenantID:             req.TenantID,
		BinaryHash:           req.BinaryHash,
		TrustLevel:           req.Trust,
		ReversibilityIndex:   cls.Reversibility,
		RequiredEntitlements: cls.Required,
		PresentEntitlements:  cls.Present,
		EntitlementValid:     valid,
		DataSize:             req.Size,
		Verdict:              events.EscrowPending,
	})
	if g.trace {
		slog.Debug("Class B action held for Tri-Factor Gate",
			"pid", req.PID, "size", req.Size, "trust", req.Trust, "source", cls.Source.String(), "queued", ok)
	}
	return ok
}
