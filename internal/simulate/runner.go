package simulate

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/ocx/enforcer/internal/catalog"
	"github.com/ocx/enforcer/internal/controlplane"
	"github.com/ocx/enforcer/internal/enforce"
	"github.com/ocx/enforcer/internal/escrow"
	"github.com/ocx/enforcer/internal/events"
	"github.com/ocx/enforcer/internal/identity"
	"github.com/ocx/enforcer/internal/policy"
	"github.com/ocx/enforcer/internal/statestore"
)

// Options configure the simulated system.
type Options struct {
	Policy    policy.Policy
	TriFactor escrow.TriFactorConfig
	// Catalog defaults to catalog.Default.
	Catalog  *catalog.Catalog
	Capacity statestore.Capacity
}

// counter tallies the events the pump drains.
type counter struct {
	audit, blocked, escrow, lifecycle int
}

func (c *counter) HandleAudit(_ context.Context, ev events.SocketEvent) {
	c.audit++
	if ev.Blocked != 0 {
		c.blocked++
	}
}

func (c *counter) HandleEscrow(context.Context, events.EscrowEvent) { c.escrow++ }

func (c *counter) HandleLifecycle(context.Context, events.LifecycleEvent) { c.lifecycle++ }

// system is one fresh in-memory deployment.
type system struct {
	store    *statestore.Store
	engine   *enforce.Engine
	tracker  *identity.Tracker
	verdicts *controlplane.VerdictUpdater
	catalog  *controlplane.CatalogSync
	gate     *escrow.TriFactorGate
	jit      *escrow.JITEntitlements
	kill     *escrow.KillSwitch
	pump     *events.Pump
	count    *counter
}

func newSystem(o Options) (*system, error) {
	if o.Policy.Scale == 0 {
		o.Policy = policy.Default()
	}
	if o.Catalog == nil {
		o.Catalog = catalog.Default()
	}
	if o.Capacity == (statestore.Capacity{}) {
		o.Capacity = statestore.Capacity{Identities: 4096, Verdicts: 4096, Tools: 256}
	}

	store := statestore.NewMemory(o.Capacity)
	ch := events.NewChannels(events.ChannelSizes{})
	cat := controlplane.NewCatalogSync(o.Catalog, store.Tools)
	if _, err := cat.Sync(); err != nil {
		return nil, fmt.Errorf("sync catalog: %w", err)
	}

	vu := controlplane.NewVerdictUpdater(store, o.Policy)
	gate := escrow.NewTriFactorGate(store, vu, escrow.NewMemoryPending(), o.Policy, o.TriFactor, nil)
	kill := escrow.NewKillSwitch(store.Identity, vu)
	gate.UseReleaseGuard(kill.Killed)
	jit := escrow.NewJITEntitlements(store.Entitlements)
	count := &counter{}
	return &system{
		store:    store,
		engine:   enforce.NewEngine(store, ch, o.Policy),
		tracker:  identity.NewTracker(store, ch.Lifecycle, o.Policy),
		verdicts: vu,
		catalog:  cat,
		gate:     gate,
		jit:      jit,
		kill:     kill,
		pump:     events.NewPump(ch, 0, gate, jit, kill, count),
		count:    count,
	}, nil
}

// Run executes every step of s against a fresh system. Steps share state;
// a later step sees what earlier steps did.
func Run(ctx context.Context, s *Scenario, o Options) (*RunResult, error) {
	sys, err := newSystem(o)
	if err != nil {
		return nil, err
	}

	result := &RunResult{Name: s.Name, Total: len(s.Steps)}
	for i, step := range s.Steps {
		actual, detail, err := sys.apply(ctx, step)
		sr := StepResult{
			Index:    i + 1,
			Op:       step.Op,
			PID:      step.PID,
			Expected: strings.ToLower(step.Expect),
			Actual:   actual,
			Detail:   detail,
		}
		switch {
		case err != nil:
			sr.Detail = err.Error()
		case sr.Expected == "" || sr.Expected == actual:
			sr.Passed = true
		}
		if sr.Passed {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Steps = append(result.Steps, sr)

		if s.AutoResolve {
			sys.pump.Drain(ctx)
		}
	}
	sys.pump.Drain(ctx)

	result.Audit = sys.count.audit
	result.Blocked = sys.count.blocked
	result.Escrow = sys.count.escrow
	result.Lifecycle = sys.count.lifecycle
	return result, nil
}

func binaryHash(name string) uint64 {
	return identity.Hash64(sha256.Sum256([]byte(name)))
}

// imageHash is the explicit hash, or the digest of the binary name.
func (st Step) imageHash() uint64 {
	if st.Hash == 0 && st.Binary != "" {
		return binaryHash(st.Binary)
	}
	return st.Hash
}

func (sys *system) apply(ctx context.Context, st Step) (actual, detail string, err error) {
	switch strings.ToLower(st.Op) {
	case "capture":
		sys.tracker.OnCapture(st.PID, st.imageHash())
	case "fork":
		sys.tracker.OnFork(st.Parent, st.PID)
	case "exec":
		sys.tracker.OnExec(st.PID, st.imageHash())
	case "exit":
		sys.tracker.OnExit(st.PID)

	case "send", "connect":
		a := enforce.Action{PID: st.PID, TID: st.PID, Size: st.Size}
		if st.Tool != "" {
			a.ToolHash = escrow.HashToolID(st.Tool)
		}
		var d enforce.Decision
		if st.Op == "send" {
			d = sys.engine.OnSend(a)
		} else {
			d = sys.engine.OnConnect(a)
		}
		trust, ok := sys.store.Trust.Lookup(st.PID)
		if ok {
			detail = fmt.Sprintf("trust=%d", trust)
		}
		return d.String(), detail, nil

	case "verdict":
		switch strings.ToLower(st.Verdict) {
		case "allow":
			err = sys.verdicts.Release(st.PID)
		case "block":
			err = sys.verdicts.Revoke(st.PID)
		case "hold":
			err = sys.verdicts.Hold(st.PID)
		case "clear":
			err = sys.verdicts.ClearVerdict(st.PID)
		default:
			err = fmt.Errorf("unknown verdict %q", st.Verdict)
		}
	case "trust":
		err = sys.verdicts.SetTrust(st.PID, st.Trust)
	case "grant":
		var mask uint64
		mask, err = sys.catalog.Catalog().Entitlements().Mask(st.Grant)
		if err == nil {
			_, err = sys.jit.GrantPermanent(st.PID, mask)
		}

	case "resolve":
		n := sys.pump.Drain(ctx)
		return "", fmt.Sprintf("%d events", n), nil
	case "approve", "reject":
		return sys.decide(ctx, st.PID, st.Op == "approve")

	case "bind":
		_, err = sys.verdicts.BindIdentity(st.PID, controlplane.Binding{TenantID: st.Tenant, AgentID: st.Agent})
		if err == nil && sys.kill.Enforce(st.PID) {
			detail = "blocked by kill switch"
		}
		return "", detail, err
	case "kill":
		// the control plane is caught up with lifecycle before it acts
		sys.pump.Drain(ctx)
		var r escrow.KillRecord
		if st.Agent != "" {
			r, err = sys.kill.KillAgent(st.Agent, "scenario", "simulate", 0)
		} else {
			r, err = sys.kill.KillTenant(st.Tenant, "scenario", "simulate", 0)
		}
		return "", fmt.Sprintf("%d blocked", r.Blocked), err
	case "revive":
		var ok bool
		if st.Agent != "" {
			ok = sys.kill.ReviveAgent(st.Agent)
		} else {
			ok = sys.kill.ReviveTenant(st.Tenant)
		}
		if !ok {
			err = fmt.Errorf("no active kill switch for tenant %d agent %q", st.Tenant, st.Agent)
		}

	default:
		err = fmt.Errorf("unknown op %q", st.Op)
	}
	return "", "", err
}

func (sys *system) decide(ctx context.Context, pid uint32, approve bool) (string, string, error) {
	items, err := sys.gate.Pending(ctx)
	if err != nil {
		return "", "", err
	}
	for _, p := range items {
		if p.Event.PID != pid {
			continue
		}
		if _, err := sys.gate.Decide(ctx, p.ID, approve); err != nil {
			return "", "", err
		}
		v, _ := sys.store.Verdict.Lookup(pid)
		return strings.ToLower(v.String()), p.Assessment.Reason, nil
	}
	return "", "", fmt.Errorf("no pending escrow for pid %d", pid)
}

// Load parses a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var s Scenario
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = path
	}
	return &s, nil
}

// LoadAndRun loads and runs one scenario file.
func LoadAndRun(ctx context.Context, path string, o Options) (*RunResult, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	r, err := Run(ctx, s, o)
	if err != nil {
		return nil, err
	}
	r.File = path
	return r, nil
}
