// Package controlplane is the userspace writer of verdicts, trust and
// entitlements, and the HTTP API operators drive it through.
package controlplane

import (
	"errors"
	"fmt"

	"github.com/ocx/enforcer/internal/policy"
	"github.com/ocx/enforcer/internal/statestore"
)

// ErrUnknownProcess is returned when binding identity to an untracked pid.
var ErrUnknownProcess = errors.New("controlplane: process has no identity record")

// VerdictUpdater writes the maps the enforcement hooks read. The next
// intercepted syscall of the pid observes the new value.
type VerdictUpdater struct {
	store *statestore.Store
	scale uint32
}

func NewVerdictUpdater(store *statestore.Store, p policy.Policy) *VerdictUpdater {
	return &VerdictUpdater{store: store, scale: p.Scale}
}

// Release tells the hooks the speculative turn passed validation.
func (vu *VerdictUpdater) Release(pid uint32) error {
	return vu.SetVerdict(pid, statestore.VerdictAllow)
}

// Revoke blocks pid.
func (vu *VerdictUpdater) Revoke(pid uint32) error {
	return vu.SetVerdict(pid, statestore.VerdictBlock)
}

// Hold makes every action of pid retry until a new verdict is written.
func (vu *VerdictUpdater) Hold(pid uint32) error {
	return vu.SetVerdict(pid, statestore.VerdictHold)
}

func (vu *VerdictUpdater) SetVerdict(pid uint32, v statestore.Verdict) error {
	if v > statestore.VerdictHold {
		return fmt.Errorf("invalid verdict %d", v)
	}
	if err := vu.store.Verdict.Update(pid, v, statestore.UpdateAny); err != nil {
		return fmt.Errorf("failed to update verdict (%s) for pid %d: %w", v, pid, err)
	}
	return nil
}

// ClearVerdict removes the cached verdict so pid falls back to policy.
func (vu *VerdictUpdater) ClearVerdict(pid uint32) error {
	err := vu.store.Verdict.Delete(pid)
	if errors.Is(err, statestore.ErrKeyNotExist) {
		return nil
	}
	return err
}

// SetTrust writes the trust level of pid, in the policy's scale.
func (vu *VerdictUpdater) SetTrust(pid, trust uint32) error {
	if trust > vu.scale {
		return fmt.Errorf("trust %d exceeds scale %d", trust, vu.scale)
	}
	if err := vu.store.Trust.Update(pid, trust, statestore.UpdateAny); err != nil {
		return fmt.Errorf("failed to update trust for pid %d: %w", pid, err)
	}
	return nil
}

// Binding is the identity information the control plane may attach to a
// process the hooks already track.
type Binding struct {
	TenantID       uint32
	AgentID        string
	CredentialHash uint64
}

// BindIdentity fills tenant, agent id and credential hash of an existing
// record. Zero-valued fields are left unchanged.
func (vu *VerdictUpdater) BindIdentity(pid uint32, b Binding) (statestore.IdentityRecord, error) {
	rec, ok := vu.store.Identity.Lookup(pid)
	if !ok {
		return rec, fmt.Errorf("%w: pid %d", ErrUnknownProcess, pid)
	}
	if b.TenantID != 0 {
		rec.TenantID = b.TenantID
	}
	if b.AgentID != "" {
		if len(b.AgentID) > statestore.AgentIDLen {
			return rec, fmt.Errorf("agent id longer than %d bytes", statestore.AgentIDLen)
		}
		rec.SetAgentID(b.AgentID)
	}
	if b.CredentialHash != 0 {
		rec.CredentialHash = b.CredentialHash
	}
	// UpdateExist: a record removed by exit meanwhile is not resurrected
	if err := vu.store.Identity.Update(pid, rec, statestore.UpdateExist); err != nil {
		if errors.Is(err, statestore.ErrKeyNotExist) {
			return rec, fmt.Errorf("%w: pid %d", ErrUnknownProcess, pid)
		}
		return rec, err
	}
	return rec, nil
}

// Snapshot is everything the maps hold for one pid.
type Snapshot struct {
	PID          uint32                     `json:"pid"`
	Identity     *statestore.IdentityRecord `json:"-"`
	Verdict      string                     `json:"verdict"`
	Trust        uint32                     `json:"trust"`
	TrustDefault bool                       `json:"trust_default"`
	Entitlements uint64                     `json:"entitlements"`
}

// Inspect reads the current state of pid.
func (vu *VerdictUpdater) Inspect(pid uint32, defaultTrust uint32) Snapshot {
	s := Snapshot{PID: pid, Verdict: "NONE", Trust: defaultTrust, TrustDefault: true}
	if rec, ok := vu.store.Identity.Lookup(pid); ok {
		s.Identity = &rec
	}
	if v, ok := vu.store.Verdict.Lookup(pid); ok {
		s.Verdict = v.String()
	}
	if t, ok := vu.store.Trust.Lookup(pid); ok {
		s.Trust, s.TrustDefault = t, false
	}
	s.Entitlements, _ = vu.store.Entitlements.Lookup(pid)
	return s
}
