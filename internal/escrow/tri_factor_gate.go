package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/enforcer/internal/events"
	"github.com/ocx/enforcer/internal/metrics"
	"github.com/ocx/enforcer/internal/policy"
	"github.com/ocx/enforcer/internal/statestore"
)

var (
	// ErrUnknownEscrow is returned for an escrow id that is not pending.
	ErrUnknownEscrow = errors.New("escrow: unknown or already resolved request")
	// ErrStaleEscrow is returned when the requesting process has exited
	// (or its pid now belongs to a different binary).
	ErrStaleEscrow = errors.New("escrow: requesting process no longer exists")
	// ErrProcessBlocked is returned when approving a request of a process
	// that is blocked or under a kill switch. The request stays parked.
	ErrProcessBlocked = errors.New("escrow: process is blocked")
)

// VerdictWriter applies a terminal verdict for a pid.
type VerdictWriter interface {
	Release(pid uint32) error
	Revoke(pid uint32) error
}

// Outcome of a Tri-Factor assessment.
type Outcome uint8

const (
	OutcomeAllow Outcome = iota
	OutcomeBlock
	OutcomeReview
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeBlock:
		return "block"
	default:
		return "review"
	}
}

// Assessment is the per-factor result for one escrow record.
type Assessment struct {
	Outcome         Outcome `json:"outcome"`
	TrustOK         bool    `json:"trust_ok"`
	ReversibilityOK bool    `json:"reversibility_ok"`
	EntitlementOK   bool    `json:"entitlement_ok"`
	KnownTool       bool    `json:"known_tool"`
	Reason          string  `json:"reason"`
}

// TriFactorConfig tunes when a request is parked for a human.
type TriFactorConfig struct {
	// ReviewBelowReversibility parks requests whose reversibility index is
	// strictly below this value.
	ReviewBelowReversibility uint32 `yaml:"review_below_reversibility"`
	// AutoAllowUnresolved lets heuristic (tool not resolved) requests be
	// auto-allowed when every factor passes instead of going to review.
	AutoAllowUnresolved bool `yaml:"auto_allow_unresolved"`
}

// DefaultTriFactorConfig parks irreversible and unresolved requests.
func DefaultTriFactorConfig() TriFactorConfig {
	return TriFactorConfig{ReviewBelowReversibility: 10}
}

// TriFactorGate is the control-plane side of the escrow protocol: it
// consumes escrow records, validates trust, reversibility and entitlement
// sufficiency, and writes Allow or Block into the verdict map.
type TriFactorGate struct {
	events.NopHandler

	store   *statestore.Store
	writer  VerdictWriter
	pending PendingStore
	cfg     TriFactorConfig
	tenants func(tenantID uint32) (TriFactorConfig, bool)
	guard   func(pid uint32) (bool, string)
	pol     policy.Policy
	metrics *metrics.Metrics
}

// NewTriFactorGate wires the gate. m may be nil.
func NewTriFactorGate(store *statestore.Store, writer VerdictWriter, pending PendingStore, p policy.Policy, cfg TriFactorConfig, m *metrics.Metrics) *TriFactorGate {
	if m == nil {
		m = metrics.New(nil)
	}
	return &TriFactorGate{
		store:   store,
		writer:  writer,
		pending: pending,
		cfg:     cfg,
		pol:     p,
		metrics: m,
	}
}

// UseTenantOverrides installs a per-tenant lookup. Tenants it reports
// nothing for use the gate's own config. Call before the pump starts.
func (g *TriFactorGate) UseTenantOverrides(f func(tenantID uint32) (TriFactorConfig, bool)) {
	g.tenants = f
}

// UseReleaseGuard installs a check that vetoes Allow for a pid, such as
// KillSwitch.Killed. Call before the pump starts.
func (g *TriFactorGate) UseReleaseGuard(f func(pid uint32) (bool, string)) {
	g.guard = f
}

func (g *TriFactorGate) configFor(tenantID uint32) TriFactorConfig {
	if g.tenants != nil && tenantID != 0 {
		if cfg, ok := g.tenants(tenantID); ok {
			return cfg
		}
	}
	return g.cfg
}

// Assess evaluates the three factors without side effects.
func (g *TriFactorGate) Assess(ev events.EscrowEvent) Assessment {
	cfg := g.configFor(ev.TenantID)
	var (
		meta  statestore.ToolMeta
		known bool
	)
	if ev.ToolHash != 0 {
		meta, known = g.store.Tools.Lookup(ev.ToolHash)
	}

	a := Assessment{
		KnownTool:       known,
		EntitlementOK:   ev.EntitlementValid != 0,
		TrustOK:         !known || ev.TrustLevel >= g.pol.Percent(meta.MinReputation),
		ReversibilityOK: ev.ReversibilityIndex >= cfg.ReviewBelowReversibility,
	}

	switch {
	case !a.EntitlementOK:
		a.Outcome, a.Reason = OutcomeBlock, fmt.Sprintf("missing entitlements %#x", ev.RequiredEntitlements&^ev.PresentEntitlements)
	case !a.TrustOK:
		a.Outcome, a.Reason = OutcomeBlock, fmt.Sprintf("trust %d below required %d", ev.TrustLevel, g.pol.Percent(meta.MinReputation))
	case known && meta.HITL():
		a.Outcome, a.Reason = OutcomeReview, "tool requires human review"
	case !known && !cfg.AutoAllowUnresolved:
		a.Outcome, a.Reason = OutcomeReview, "tool not resolved; heuristic hold"
	case !a.ReversibilityOK:
		a.Outcome, a.Reason = OutcomeReview, fmt.Sprintf("reversibility index %d below %d", ev.ReversibilityIndex, cfg.ReviewBelowReversibility)
	default:
		a.Outcome, a.Reason = OutcomeAllow, "all factors passed"
	}
	return a
}

// Resolve assesses ev and applies the outcome: Allow and Block are written
// to the verdict map, Review parks the request for a human decision.
func (g *TriFactorGate) Resolve(ctx context.Context, ev events.EscrowEvent) (Assessment, error) {
	start := time.Now()
	defer func() { g.metrics.ResolveDuration.Observe(time.Since(start).Seconds()) }()

	a := g.Assess(ev)
	if !g.current(ev) {
		return a, ErrStaleEscrow
	}
	// a Block written after the request was raised is final
	if reason, ok := g.blocked(ev.PID); ok {
		a.Outcome, a.Reason = OutcomeBlock, reason
	}

	var err error
	switch a.Outcome {
	case OutcomeAllow:
		err = g.writer.Release(ev.PID)
	case OutcomeBlock:
		err = g.writer.Revoke(ev.PID)
	case OutcomeReview:
		err = g.pending.Put(ctx, Pending{
			ID:         uuid.New().String(),
			Event:      ev,
			Assessment: a,
			CreatedAt:  time.Now().UTC(),
		})
		if err == nil {
			g.metrics.EscrowPending.Inc()
		}
	}
	if err != nil {
		return a, fmt.Errorf("apply %s for pid %d: %w", a.Outcome, ev.PID, err)
	}
	g.metrics.EscrowResolved.WithLabelValues(a.Outcome.String()).Inc()
	return a, nil
}

// Decide applies a human decision to a parked request. Every other parked
// request of the same pid is resolved by the same verdict write and is
// removed too.
func (g *TriFactorGate) Decide(ctx context.Context, id string, approve bool) (Pending, error) {
	p, err := g.pending.Get(ctx, id)
	if err != nil {
		return Pending{}, err
	}

	if !g.current(p.Event) {
		g.forget(ctx, p.Event.PID)
		return p, ErrStaleEscrow
	}

	if approve {
		if reason, ok := g.blocked(p.Event.PID); ok {
			return p, fmt.Errorf("%w: pid %d: %s", ErrProcessBlocked, p.Event.PID, reason)
		}
		err = g.writer.Release(p.Event.PID)
	} else {
		err = g.writer.Revoke(p.Event.PID)
	}
	if err != nil {
		return p, fmt.Errorf("apply decision for pid %d: %w", p.Event.PID, err)
	}

	g.forget(ctx, p.Event.PID)
	outcome := OutcomeBlock
	if approve {
		outcome = OutcomeAllow
	}
	g.metrics.EscrowResolved.WithLabelValues(outcome.String()).Inc()
	slog.Info("Escrow decision applied", "id", id, "pid", p.Event.PID, "approved", approve)
	return p, nil
}

// Pending lists parked requests.
func (g *TriFactorGate) Pending(ctx context.Context) ([]Pending, error) {
	return g.pending.List(ctx)
}

// HandleEscrow resolves records drained from the escrow channel.
func (g *TriFactorGate) HandleEscrow(ctx context.Context, ev events.EscrowEvent) {
	a, err := g.Resolve(ctx, ev)
	if err != nil {
		slog.Warn("Escrow resolution failed", "pid", ev.PID, "outcome", a.Outcome.String(), "error", err)
		return
	}
	slog.Info("Escrow resolved", "pid", ev.PID, "outcome", a.Outcome.String(), "reason", a.Reason)
}

// HandleLifecycle drops parked requests of exiting processes so a later
// approval can never land on a recycled pid.
func (g *TriFactorGate) HandleLifecycle(ctx context.Context, ev events.LifecycleEvent) {
	if ev.Kind == events.LifecycleExit {
		g.forget(ctx, ev.PID)
	}
}

// current reports whether the process that raised ev still owns its pid.
func (g *TriFactorGate) current(ev events.EscrowEvent) bool {
	if ev.BinaryHash == 0 {
		return true
	}
	id, ok := g.store.Identity.Lookup(ev.PID)
	return ok && id.BinaryHash == ev.BinaryHash
}

// blocked reports why pid must not be released: a Block verdict already in
// the map, or the release guard.
func (g *TriFactorGate) blocked(pid uint32) (string, bool) {
	if v, ok := g.store.Verdict.Lookup(pid); ok && v == statestore.VerdictBlock {
		return "process is blocked", true
	}
	if g.guard != nil {
		if killed, reason := g.guard(pid); killed {
			return reason, true
		}
	}
	return "", false
}

func (g *TriFactorGate) forget(ctx context.Context, pid uint32) {
	items, err := g.pending.List(ctx)
	if err != nil {
		slog.Warn("Listing pending escrow failed", "error", err)
		return
	}
	for _, p := range items {
		if p.Event.PID != pid {
			continue
		}
		if err := g.pending.Delete(ctx, p.ID); err == nil {
			g.metrics.EscrowPending.Dec()
		}
	}
}

var _ events.Handler = (*TriFactorGate)(nil)
