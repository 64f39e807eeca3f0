// Package events defines the outbound channels the hooks publish on and the
// sinks that carry those events to the control plane.
//
// The event structs have the exact layout of their kernel counterparts so a
// ring-buffer sample decodes straight into them.
package events

import (
	"bytes"

	"github.com/ocx/enforcer/internal/statestore"
)

// Op is the intercepted socket operation.
type Op uint8

const (
	OpSend    Op = 0
	OpConnect Op = 1
)

func (o Op) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpConnect:
		return "connect"
	default:
		return "unknown"
	}
}

// Flow is the protocol/address metadata of an action, when known.
type Flow struct {
	SrcIP    uint32
	DstIP    uint32
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// SocketEvent is the enforcement audit record (64 bytes).
type SocketEvent struct {
	PID        uint32
	TID        uint32
	CgroupID   uint64
	Timestamp  uint64
	BinaryHash uint64
	TenantID   uint32
	Action     statestore.Verdict
	TrustLevel uint32
	SrcIP      uint32
	DstIP      uint32
	SrcPort    uint16
	DstPort    uint16
	DataSize   uint32
	Protocol   uint8
	Blocked    uint8
	Op         Op
	_          uint8
}

// EscrowVerdict is the verdict tag carried by an escrow record.
type EscrowVerdict uint8

const (
	EscrowPending EscrowVerdict = 0
	EscrowAllow   EscrowVerdict = 1
	EscrowBlock   EscrowVerdict = 2
)

func (v EscrowVerdict) String() string {
	switch v {
	case EscrowPending:
		return "pending"
	case EscrowAllow:
		return "allow"
	case EscrowBlock:
		return "block"
	default:
		return "unknown"
	}
}

// EscrowEvent is the Class B audit record consumed by the Tri-Factor Gate
// (88 bytes).
type EscrowEvent struct {
	PID                  uint32
	TID                  uint32
	CgroupID             uint64
	Timestamp            uint64
	ToolHash             uint64
	ActionClass          statestore.ActionClass
	TenantID             uint32
	BinaryHash           uint64
	TrustLevel           uint32
	ReversibilityIndex   uint32
	RequiredEntitlements uint64
	PresentEntitlements  uint64
	EntitlementValid     uint32
	DataSize             uint32
	Verdict              EscrowVerdict
	_                    [7]byte
}

// LifecycleKind tags a LifecycleEvent.
type LifecycleKind uint8

const (
	LifecycleFork    LifecycleKind = 0
	LifecycleExec    LifecycleKind = 1
	LifecycleExit    LifecycleKind = 2
	LifecycleCapture LifecycleKind = 3
)

func (k LifecycleKind) String() string {
	switch k {
	case LifecycleFork:
		return "fork"
	case LifecycleExec:
		return "exec"
	case LifecycleExit:
		return "exit"
	case LifecycleCapture:
		return "capture"
	default:
		return "unknown"
	}
}

// LifecycleEvent reports identity propagation (56 bytes).
type LifecycleEvent struct {
	PID       uint32
	ParentPID uint32
	Kind      LifecycleKind
	AgentID   [statestore.AgentIDLen]byte
	_         [3]byte
	Timestamp uint64
}

// Agent returns the agent identifier without trailing NUL bytes.
func (e LifecycleEvent) Agent() string {
	return string(bytes.TrimRight(e.AgentID[:], "\x00"))
}

// Channels groups the outbound rings shared by every hook.
type Channels struct {
	Audit     *Ring[SocketEvent]
	Escrow    *Ring[EscrowEvent]
	Lifecycle *Ring[LifecycleEvent]
}

// ChannelSizes sizes the rings in entries.
type ChannelSizes struct {
	Audit     int `yaml:"audit"`
	Escrow    int `yaml:"escrow"`
	Lifecycle int `yaml:"lifecycle"`
}

// Ring sizes equivalent to the kernel ring buffers (256KB / 512KB).
const (
	DefaultAuditEntries     = 4096
	DefaultEscrowEntries    = 4096
	DefaultLifecycleEntries = 4096
)

// NewChannels allocates all rings up front.
func NewChannels(s ChannelSizes) *Channels {
	if s.Audit <= 0 {
		s.Audit = DefaultAuditEntries
	}
	if s.Escrow <= 0 {
		s.Escrow = DefaultEscrowEntries
	}
	if s.Lifecycle <= 0 {
		s.Lifecycle = DefaultLifecycleEntries
	}
	return &Channels{
		Audit:     NewRing[SocketEvent](s.Audit),
		Escrow:    NewRing[EscrowEvent](s.Escrow),
		Lifecycle: NewRing[LifecycleEvent](s.Lifecycle),
	}
}
