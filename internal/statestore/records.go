package statestore

import "bytes"

// AgentIDLen is the fixed width of the opaque agent identifier.
const AgentIDLen = 36

// Verdict is the cached decision for a process. The numeric values are part
// of the contract with the control plane and the kernel maps.
type Verdict uint32

const (
	VerdictAllow Verdict = 0
	VerdictBlock Verdict = 1
	VerdictHold  Verdict = 2
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "ALLOW"
	case VerdictBlock:
		return "BLOCK"
	case VerdictHold:
		return "HOLD"
	default:
		return "UNKNOWN"
	}
}

// ActionClass is the reversibility tier of a tool.
type ActionClass uint32

const (
	// ClassA actions are reversible and may run speculatively.
	ClassA ActionClass = 0
	// ClassB actions are irreversible and require an escrow resolution.
	ClassB ActionClass = 1
)

func (c ActionClass) String() string {
	switch c {
	case ClassA:
		return "CLASS_A"
	case ClassB:
		return "CLASS_B"
	default:
		return "UNKNOWN"
	}
}

// IdentityRecord is the per-process identity. Field order and widths match
// struct identity_t in the kernel object (72 bytes, no implicit padding).
type IdentityRecord struct {
	AgentID        [AgentIDLen]byte
	TrustLevel     uint32
	BinaryHash     uint64
	CredentialHash uint64 // SPIFFE SVID hash
	RegisteredAt   uint64 // monotonic ns
	TenantID       uint32
	ParentPID      uint32
}

// SetAgentID copies id into the fixed-width field, truncating if needed.
func (r *IdentityRecord) SetAgentID(id string) {
	r.AgentID = [AgentIDLen]byte{}
	copy(r.AgentID[:], id)
}

// Agent returns the agent identifier without trailing NUL bytes.
func (r IdentityRecord) Agent() string {
	return string(bytes.TrimRight(r.AgentID[:], "\x00"))
}

// ToolMeta is the tool registry value, keyed by tool-id hash. Layout matches
// struct tool_meta_t (40 bytes including tail padding).
type ToolMeta struct {
	ToolHash             uint64
	ActionClass          ActionClass
	ReversibilityIndex   uint32 // 0 = irreversible, 100 = fully reversible
	MinReputation        uint32 // 0-100
	AuditMultiplier      uint32 // 100 = 1.0x
	RequiredEntitlements uint64
	HITLRequired         uint32
	_                    [4]byte
}

// HITL reports whether human review is mandatory for the tool.
func (t ToolMeta) HITL() bool { return t.HITLRequired != 0 }
