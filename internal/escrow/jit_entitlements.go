package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/enforcer/internal/events"
	"github.com/ocx/enforcer/internal/statestore"
)

// MaxGrantTTL caps ephemeral grants so permissions cannot accumulate.
const MaxGrantTTL = time.Hour

// Grant is one time-limited entitlement grant for a process.
type Grant struct {
	ID        string    `json:"id"`
	PID       uint32    `json:"pid"`
	Mask      uint64    `json:"mask"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
	GrantedBy string    `json:"granted_by"`
	Reason    string    `json:"reason"`

	// bits this grant switched on; only these are cleared on expiry
	added uint64
}

// JITEntitlements is the single writer of the per-process entitlement
// mask. It tracks ephemeral grants, swept by Run, and the bits granted
// without a TTL, which no expiry clears.
type JITEntitlements struct {
	events.NopHandler

	mu     sync.Mutex
	ents   statestore.Map[uint32, uint64]
	grants map[uint32][]Grant
	pinned map[uint32]uint64
	now    func() time.Time
}

func NewJITEntitlements(ents statestore.Map[uint32, uint64]) *JITEntitlements {
	return &JITEntitlements{
		ents:   ents,
		grants: make(map[uint32][]Grant),
		pinned: make(map[uint32]uint64),
		now:    time.Now,
	}
}

// GrantPermanent ORs mask into pid's entitlements until revoked or the
// process exits, and returns the resulting mask.
func (j *JITEntitlements) GrantPermanent(pid uint32, mask uint64) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cur, _ := j.ents.Lookup(pid)
	next := cur | mask
	if err := j.ents.Update(pid, next, statestore.UpdateAny); err != nil {
		return cur, fmt.Errorf("grant entitlements to pid %d: %w", pid, err)
	}
	j.pinned[pid] |= mask
	return next, nil
}

// RevokeMask clears mask from pid's entitlements, whether the bits came
// from a permanent or an ephemeral grant. Grants left with no bits are
// dropped.
func (j *JITEntitlements) RevokeMask(pid uint32, mask uint64) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if p := j.pinned[pid] &^ mask; p != 0 {
		j.pinned[pid] = p
	} else {
		delete(j.pinned, pid)
	}
	keep := j.grants[pid][:0]
	for _, g := range j.grants[pid] {
		g.Mask &^= mask
		g.added &^= mask
		if g.Mask != 0 {
			keep = append(keep, g)
		}
	}
	if len(keep) == 0 {
		delete(j.grants, pid)
	} else {
		j.grants[pid] = keep
	}

	cur, ok := j.ents.Lookup(pid)
	if !ok {
		return 0, nil
	}
	next := cur &^ mask
	if err := j.ents.Update(pid, next, statestore.UpdateExist); err != nil {
		return cur, fmt.Errorf("revoke entitlements of pid %d: %w", pid, err)
	}
	return next, nil
}

// Grant ORs mask into pid's entitlements for ttl.
func (j *JITEntitlements) Grant(pid uint32, mask uint64, ttl time.Duration, grantedBy, reason string) (Grant, error) {
	if ttl <= 0 {
		return Grant{}, fmt.Errorf("ttl must be positive, got %v", ttl)
	}
	if mask == 0 {
		return Grant{}, fmt.Errorf("empty entitlement mask")
	}
	if ttl > MaxGrantTTL {
		slog.Warn("Entitlement TTL capped", "pid", pid, "requested", ttl, "max", MaxGrantTTL)
		ttl = MaxGrantTTL
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	cur, _ := j.ents.Lookup(pid)
	if err := j.ents.Update(pid, cur|mask, statestore.UpdateAny); err != nil {
		return Grant{}, fmt.Errorf("grant entitlements to pid %d: %w", pid, err)
	}

	now := j.now()
	g := Grant{
		ID:        uuid.New().String(),
		PID:       pid,
		Mask:      mask,
		GrantedAt: now,
		ExpiresAt: now.Add(ttl),
		GrantedBy: grantedBy,
		Reason:    reason,
		added:     mask &^ cur,
	}
	j.grants[pid] = append(j.grants[pid], g)

	slog.Info("Ephemeral entitlement granted", "pid", pid, "mask", fmt.Sprintf("%#x", mask), "ttl", ttl, "by", grantedBy)
	return g, nil
}

// Revoke withdraws one grant before it expires.
func (j *JITEntitlements) Revoke(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	for pid, gs := range j.grants {
		for i, g := range gs {
			if g.ID != id {
				continue
			}
			j.grants[pid] = append(gs[:i:i], gs[i+1:]...)
			j.clear(pid, g)
			slog.Info("Ephemeral entitlement revoked", "pid", pid, "id", id)
			return true
		}
	}
	return false
}

// Active returns unexpired grants for pid.
func (j *JITEntitlements) Active(pid uint32) []Grant {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	var out []Grant
	for _, g := range j.grants[pid] {
		if now.Before(g.ExpiresAt) {
			out = append(out, g)
		}
	}
	return out
}

// Sweep clears every grant expired at now and returns how many it removed.
func (j *JITEntitlements) Sweep() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	n := 0
	for pid, gs := range j.grants {
		keep := gs[:0]
		var expired []Grant
		for _, g := range gs {
			if now.Before(g.ExpiresAt) {
				keep = append(keep, g)
			} else {
				expired = append(expired, g)
			}
		}
		if len(keep) == 0 {
			delete(j.grants, pid)
		} else {
			j.grants[pid] = keep
		}
		for _, g := range expired {
			j.clear(pid, g)
			n++
		}
	}
	return n
}

// Run sweeps on every tick until ctx is done.
func (j *JITEntitlements) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := j.Sweep(); n > 0 {
				slog.Debug("Expired ephemeral entitlements", "count", n)
			}
		}
	}
}

// HandleLifecycle forgets grants of exited processes; the exit hook has
// already removed their entitlement entry.
func (j *JITEntitlements) HandleLifecycle(_ context.Context, ev events.LifecycleEvent) {
	if ev.Kind != events.LifecycleExit {
		return
	}
	j.mu.Lock()
	delete(j.grants, ev.PID)
	delete(j.pinned, ev.PID)
	j.mu.Unlock()
}

// clear removes the bits g added that neither a remaining grant nor a
// permanent grant still covers. Caller holds j.mu and has already removed
// g from j.grants.
func (j *JITEntitlements) clear(pid uint32, g Grant) {
	still := j.pinned[pid]
	for _, other := range j.grants[pid] {
		still |= other.Mask
	}
	drop := g.added &^ still
	if drop == 0 {
		return
	}
	cur, ok := j.ents.Lookup(pid)
	if !ok {
		return
	}
	if err := j.ents.Update(pid, cur&^drop, statestore.UpdateExist); err != nil {
		slog.Warn("Clearing expired entitlement failed", "pid", pid, "error", err)
	}
}

var _ events.Handler = (*JITEntitlements)(nil)
