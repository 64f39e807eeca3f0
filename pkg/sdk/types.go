package sdk

import "time"

// Verdict values accepted and returned by the control API.
const (
	VerdictAllow = "ALLOW"
	VerdictBlock = "BLOCK"
	VerdictHold  = "HOLD"
	// VerdictNone is reported for a process with no verdict on record.
	VerdictNone = "NONE"
)

// Identity is the tracked identity of a process.
type Identity struct {
	AgentID        string `json:"agent_id"`
	TenantID       uint32 `json:"tenant_id"`
	BinaryHash     string `json:"binary_hash"`
	CredentialHash string `json:"credential_hash,omitempty"`
	ParentPID      uint32 `json:"parent_pid"`
	RegisteredAt   uint64 `json:"registered_at"`
}

// Grant is a time-boxed entitlement grant.
type Grant struct {
	ID        string    `json:"id"`
	PID       uint32    `json:"pid"`
	Mask      uint64    `json:"mask"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
	GrantedBy string    `json:"granted_by"`
	Reason    string    `json:"reason"`
}

// Process is the enforcement state of one pid.
type Process struct {
	PID          uint32    `json:"pid"`
	Verdict      string    `json:"verdict"`
	Trust        uint32    `json:"trust"`
	TrustDefault bool      `json:"trust_default"`
	Entitlements []string  `json:"entitlements"`
	Identity     *Identity `json:"identity,omitempty"`
	Grants       []Grant   `json:"grants,omitempty"`
}

// EntitlementChange is the body of an entitlement update. A non-empty TTL
// makes the grant ephemeral.
type EntitlementChange struct {
	Grant     []string `json:"grant,omitempty"`
	Revoke    []string `json:"revoke,omitempty"`
	TTL       string   `json:"ttl,omitempty"`
	GrantedBy string   `json:"granted_by,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// EntitlementResult is the state after an entitlement update.
type EntitlementResult struct {
	PID          uint32   `json:"pid"`
	Entitlements []string `json:"entitlements"`
	Grant        *Grant   `json:"grant,omitempty"`
}

// Tool is one catalog entry.
type Tool struct {
	ID              string   `json:"id"`
	Description     string   `json:"description,omitempty"`
	Class           string   `json:"class"`
	Reversibility   uint32   `json:"reversibility"`
	MinReputation   uint32   `json:"min_reputation"`
	AuditMultiplier float64  `json:"audit_multiplier,omitempty"`
	Entitlements    []string `json:"entitlements,omitempty"`
	HITL            bool     `json:"hitl,omitempty"`
	RiskCategory    string   `json:"risk_category,omitempty"`
	Hash            string   `json:"hash,omitempty"`
	Mask            string   `json:"entitlement_mask,omitempty"`
}

// EscrowRequest is an escrow request parked for a human decision.
type EscrowRequest struct {
	ID    string `json:"id"`
	Event struct {
		PID                uint32 `json:"PID"`
		TenantID           uint32 `json:"TenantID"`
		ToolHash           uint64 `json:"ToolHash"`
		TrustLevel         uint32 `json:"TrustLevel"`
		ReversibilityIndex uint32 `json:"ReversibilityIndex"`
		DataSize           uint32 `json:"DataSize"`
	} `json:"event"`
	Assessment struct {
		TrustOK         bool   `json:"trust_ok"`
		ReversibilityOK bool   `json:"reversibility_ok"`
		EntitlementOK   bool   `json:"entitlement_ok"`
		KnownTool       bool   `json:"known_tool"`
		Reason          string `json:"reason"`
	} `json:"assessment"`
	CreatedAt time.Time `json:"created_at"`
}

// Decision is the result of approving or rejecting a request.
type Decision struct {
	ID       string `json:"id"`
	PID      uint32 `json:"pid"`
	Approved bool   `json:"approved"`
}

// KillRecord is an active kill switch.
type KillRecord struct {
	Target      string     `json:"target"`
	Scope       string     `json:"scope"`
	Reason      string     `json:"reason"`
	TriggeredBy string     `json:"triggered_by"`
	TriggeredAt time.Time  `json:"triggered_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Blocked     int        `json:"blocked"`
}

// KillRequest is the body of a kill switch activation. An empty TTL makes
// the kill permanent until revived.
type KillRequest struct {
	Reason      string `json:"reason,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
	TTL         string `json:"ttl,omitempty"`
}
