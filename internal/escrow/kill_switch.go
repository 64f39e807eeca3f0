package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ocx/enforcer/internal/events"
	"github.com/ocx/enforcer/internal/statestore"
)

// KillScope selects what a kill record targets.
type KillScope string

const (
	ScopeAgent  KillScope = "agent"
	ScopeTenant KillScope = "tenant"
)

// KillRecord stores the metadata of a kill switch activation.
type KillRecord struct {
	Target      string     `json:"target"` // agent id or decimal tenant id
	Scope       KillScope  `json:"scope"`
	Reason      string     `json:"reason"`
	TriggeredBy string     `json:"triggered_by"`
	TriggeredAt time.Time  `json:"triggered_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"` // nil = permanent
	// Blocked is how many live processes were revoked on activation.
	Blocked int `json:"blocked"`
}

func (r *KillRecord) active(now time.Time) bool {
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}

// KillSwitch is the emergency halt for a rogue agent or a whole tenant.
// Activation writes BLOCK for every live process of the target, and every
// later capture, fork or exec that lands in the target is blocked as soon
// as its lifecycle event is drained. Reviving stops the blocking of new
// processes; verdicts already written stay until an operator releases them.
type KillSwitch struct {
	events.NopHandler

	mu      sync.Mutex
	idents  statestore.Map[uint32, statestore.IdentityRecord]
	writer  VerdictWriter
	agents  map[string]*KillRecord
	tenants map[uint32]*KillRecord
	live    map[uint32]struct{} // pids seen alive
	now     func() time.Time
}

func NewKillSwitch(idents statestore.Map[uint32, statestore.IdentityRecord], writer VerdictWriter) *KillSwitch {
	return &KillSwitch{
		idents:  idents,
		writer:  writer,
		agents:  make(map[string]*KillRecord),
		tenants: make(map[uint32]*KillRecord),
		live:    make(map[uint32]struct{}),
		now:     time.Now,
	}
}

// KillAgent blocks every process carrying agentID.
func (ks *KillSwitch) KillAgent(agentID, reason, triggeredBy string, ttl time.Duration) (KillRecord, error) {
	if agentID == "" {
		return KillRecord{}, fmt.Errorf("kill switch: empty agent id")
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	r := ks.record(agentID, ScopeAgent, reason, triggeredBy, ttl)
	ks.agents[agentID] = r
	r.Blocked = ks.sweepLocked()
	slog.Warn("Kill switch activated", "scope", r.Scope, "agent", agentID, "reason", reason, "by", triggeredBy, "blocked", r.Blocked)
	return *r, nil
}

// KillTenant blocks every process of tenantID.
func (ks *KillSwitch) KillTenant(tenantID uint32, reason, triggeredBy string, ttl time.Duration) (KillRecord, error) {
	if tenantID == 0 {
		return KillRecord{}, fmt.Errorf("kill switch: tenant 0 is the unbound default")
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	r := ks.record(fmt.Sprint(tenantID), ScopeTenant, reason, triggeredBy, ttl)
	ks.tenants[tenantID] = r
	r.Blocked = ks.sweepLocked()
	slog.Warn("Kill switch activated", "scope", r.Scope, "tenant", tenantID, "reason", reason, "by", triggeredBy, "blocked", r.Blocked)
	return *r, nil
}

func (ks *KillSwitch) record(target string, scope KillScope, reason, by string, ttl time.Duration) *KillRecord {
	r := &KillRecord{Target: target, Scope: scope, Reason: reason, TriggeredBy: by, TriggeredAt: ks.now()}
	if ttl > 0 {
		exp := r.TriggeredAt.Add(ttl)
		r.ExpiresAt = &exp
	}
	return r
}

// ReviveAgent removes an agent kill. It reports whether one was active.
func (ks *KillSwitch) ReviveAgent(agentID string) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	_, ok := ks.agents[agentID]
	delete(ks.agents, agentID)
	if ok {
		slog.Info("Kill switch revived", "agent", agentID)
	}
	return ok
}

// ReviveTenant removes a tenant kill.
func (ks *KillSwitch) ReviveTenant(tenantID uint32) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	_, ok := ks.tenants[tenantID]
	delete(ks.tenants, tenantID)
	if ok {
		slog.Info("Kill switch revived", "tenant", tenantID)
	}
	return ok
}

// ListActive returns unexpired records, oldest first.
func (ks *KillSwitch) ListActive() []KillRecord {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	now := ks.now()
	var out []KillRecord
	for _, r := range ks.agents {
		if r.active(now) {
			out = append(out, *r)
		}
	}
	for _, r := range ks.tenants {
		if r.active(now) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out
}

// Enforce blocks pid if its identity falls under an active kill. It is
// also called after an identity is bound, since binding emits no event.
func (ks *KillSwitch) Enforce(pid uint32) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.enforceLocked(pid)
}

// Killed reports whether pid's identity is covered by an active kill.
func (ks *KillSwitch) Killed(pid uint32) (bool, string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	r := ks.matchLocked(pid)
	if r == nil {
		return false, ""
	}
	return true, fmt.Sprintf("%s killed: %s", r.Scope, r.Reason)
}

func (ks *KillSwitch) matchLocked(pid uint32) *KillRecord {
	id, ok := ks.idents.Lookup(pid)
	if !ok {
		return nil
	}
	now := ks.now()
	if agent := id.Agent(); agent != "" {
		if r, ok := ks.agents[agent]; ok {
			if r.active(now) {
				return r
			}
			delete(ks.agents, agent)
		}
	}
	if r, ok := ks.tenants[id.TenantID]; ok {
		if r.active(now) {
			return r
		}
		delete(ks.tenants, id.TenantID)
	}
	return nil
}

func (ks *KillSwitch) enforceLocked(pid uint32) bool {
	if ks.matchLocked(pid) == nil {
		return false
	}
	if err := ks.writer.Revoke(pid); err != nil {
		slog.Error("Kill switch revoke failed", "pid", pid, "error", err)
		return false
	}
	return true
}

func (ks *KillSwitch) sweepLocked() int {
	n := 0
	for pid := range ks.live {
		if ks.enforceLocked(pid) {
			n++
		}
	}
	return n
}

// HandleLifecycle tracks live pids and blocks new processes of a killed
// agent or tenant.
func (ks *KillSwitch) HandleLifecycle(_ context.Context, ev events.LifecycleEvent) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ev.Kind == events.LifecycleExit {
		delete(ks.live, ev.PID)
		return
	}
	ks.live[ev.PID] = struct{}{}
	if ks.enforceLocked(ev.PID) {
		slog.Warn("Kill switch blocked process", "pid", ev.PID, "kind", ev.Kind.String())
	}
}
