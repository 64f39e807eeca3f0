// Package identity propagates agent identity across process fork, exec and
// exit, and derives the binary and credential hashes stored with it.
package identity

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocx/enforcer/internal/events"
	"github.com/ocx/enforcer/internal/metrics"
	"github.com/ocx/enforcer/internal/policy"
	"github.com/ocx/enforcer/internal/statestore"
)

// placeholderMul derives a stand-in binary hash from the pid when the
// loader could not hash the executable.
const placeholderMul uint64 = 0x123456789ABCDEF

// PlaceholderHash is the binary hash recorded for pid when none is known.
func PlaceholderHash(pid uint32) uint64 {
	return uint64(pid) * placeholderMul
}

// Tracker implements the lifecycle hooks. It is the only writer that
// creates or deletes identity records.
type Tracker struct {
	store     *statestore.Store
	lifecycle *events.Ring[events.LifecycleEvent]
	pol       policy.Policy
	now       func() uint64

	kinds     [4]prometheus.Counter
	identFull prometheus.Counter
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the monotonic clock used for timestamps.
func WithClock(now func() uint64) Option {
	return func(t *Tracker) { t.now = now }
}

// WithMetrics counts hook invocations on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.bindMetrics(m) }
}

// NewTracker builds the lifecycle hooks over store, publishing on ring.
func NewTracker(store *statestore.Store, ring *events.Ring[events.LifecycleEvent], p policy.Policy, opts ...Option) *Tracker {
	t := &Tracker{
		store:     store,
		lifecycle: ring,
		pol:       p,
		now:       events.Now,
	}
	t.bindMetrics(metrics.New(nil))
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) bindMetrics(m *metrics.Metrics) {
	for _, k := range []events.LifecycleKind{events.LifecycleFork, events.LifecycleExec, events.LifecycleExit, events.LifecycleCapture} {
		t.kinds[k] = m.Lifecycle.WithLabelValues(k.String())
	}
	t.identFull = m.StoreFailures.WithLabelValues("identity")
}

// OnFork copies the parent's identity to child. Untracked parents produce
// untracked children.
func (t *Tracker) OnFork(parent, child uint32) {
	rec, ok := t.store.Identity.Lookup(parent)
	if !ok {
		return
	}
	rec.ParentPID = parent
	if err := t.store.Identity.Update(child, rec, statestore.UpdateAny); err != nil {
		t.identFull.Inc()
		return
	}
	t.emit(events.LifecycleFork, child, parent, rec.AgentID)
}

// OnExec keeps an existing identity unchanged, or captures an untracked
// process for the first time.
func (t *Tracker) OnExec(pid uint32, binaryHash uint64) {
	rec, ok := t.store.Identity.Lookup(pid)
	if !ok {
		t.OnCapture(pid, binaryHash)
		return
	}
	t.emit(events.LifecycleExec, pid, rec.ParentPID, rec.AgentID)
}

// OnCapture registers pid on first sight: identity with unknown tenant,
// default trust and a Hold verdict. Existing state is never overwritten.
func (t *Tracker) OnCapture(pid uint32, binaryHash uint64) {
	if binaryHash == 0 {
		binaryHash = PlaceholderHash(pid)
	}
	rec := statestore.IdentityRecord{
		TrustLevel:   t.pol.DefaultTrust,
		BinaryHash:   binaryHash,
		RegisteredAt: t.now(),
	}
	switch err := t.store.Identity.Update(pid, rec, statestore.UpdateNoExist); {
	case err == nil:
	case errors.Is(err, statestore.ErrKeyExist):
		return
	default:
		t.identFull.Inc()
		return
	}

	// a value the control plane wrote before first capture wins
	_ = t.store.Trust.Update(pid, t.pol.DefaultTrust, statestore.UpdateNoExist)
	_ = t.store.Verdict.Update(pid, statestore.VerdictHold, statestore.UpdateNoExist)

	t.emit(events.LifecycleCapture, pid, 0, rec.AgentID)
}

// OnExit reports and removes all per-process state. Repeating it for a pid
// that is already clean does nothing.
func (t *Tracker) OnExit(pid uint32) {
	if rec, ok := t.store.Identity.Lookup(pid); ok {
		t.emit(events.LifecycleExit, pid, rec.ParentPID, rec.AgentID)
	}
	_ = t.store.Identity.Delete(pid)
	_ = t.store.Verdict.Delete(pid)
	_ = t.store.Trust.Delete(pid)
	_ = t.store.Entitlements.Delete(pid)
}

func (t *Tracker) emit(kind events.LifecycleKind, pid, parent uint32, agent [statestore.AgentIDLen]byte) {
	t.kinds[kind].Inc()
	t.lifecycle.TryPublish(events.LifecycleEvent{
		PID:       pid,
		ParentPID: parent,
		Kind:      kind,
		AgentID:   agent,
		Timestamp: t.now(),
	})
}
