package identity

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/enforcer/internal/events"
	"github.com/ocx/enforcer/internal/metrics"
	"github.com/ocx/enforcer/internal/policy"
	"github.com/ocx/enforcer/internal/statestore"
)

type fixture struct {
	store   *statestore.Store
	ring    *events.Ring[events.LifecycleEvent]
	metrics *metrics.Metrics
	tracker *Tracker
}

func newFixture(t *testing.T, p policy.Policy) *fixture {
	t.Helper()
	f := &fixture{
		store:   statestore.NewMemory(statestore.Capacity{Identities: 16, Verdicts: 16, Tools: 4}),
		ring:    events.NewRing[events.LifecycleEvent](64),
		metrics: metrics.New(nil),
	}
	var clock uint64
	f.tracker = NewTracker(f.store, f.ring, p,
		WithClock(func() uint64 { clock += 10; return clock }),
		WithMetrics(f.metrics))
	return f
}

func (f *fixture) drain() []events.LifecycleEvent {
	var out []events.LifecycleEvent
	var ev events.LifecycleEvent
	for f.ring.TryConsume(&ev) {
		out = append(out, ev)
	}
	return out
}

func TestCapture_SeedsDefaults(t *testing.T) {
	f := newFixture(t, policy.Default())
	f.tracker.OnCapture(100, 0xbeef)

	rec, ok := f.store.Identity.Lookup(100)
	require.True(t, ok)
	assert.Equal(t, uint64(0xbeef), rec.BinaryHash)
	assert.Zero(t, rec.TenantID)
	assert.NotZero(t, rec.RegisteredAt)

	trust, _ := f.store.Trust.Lookup(100)
	assert.Equal(t, uint32(50), trust)
	v, _ := f.store.Verdict.Lookup(100)
	assert.Equal(t, statestore.VerdictHold, v)

	evs := f.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.LifecycleCapture, evs[0].Kind)
}

func TestCapture_PlaceholderHashAndScale(t *testing.T) {
	f := newFixture(t, policy.Default().Rescale(policy.ScaleBasisPts))
	f.tracker.OnCapture(7, 0)

	rec, _ := f.store.Identity.Lookup(7)
	assert.Equal(t, PlaceholderHash(7), rec.BinaryHash)
	assert.NotZero(t, rec.BinaryHash)

	trust, _ := f.store.Trust.Lookup(7)
	assert.Equal(t, uint32(5000), trust)
}

func TestCapture_IsInsertIfAbsent(t *testing.T) {
	f := newFixture(t, policy.Default())
	require.NoError(t, f.store.Identity.Update(5, statestore.IdentityRecord{BinaryHash: 1, TenantID: 9}, statestore.UpdateAny))
	require.NoError(t, f.store.Verdict.Update(5, statestore.VerdictAllow, statestore.UpdateAny))

	f.tracker.OnCapture(5, 2)

	rec, _ := f.store.Identity.Lookup(5)
	assert.Equal(t, uint64(1), rec.BinaryHash)
	assert.Equal(t, uint32(9), rec.TenantID)
	v, _ := f.store.Verdict.Lookup(5)
	assert.Equal(t, statestore.VerdictAllow, v)
	assert.Empty(t, f.drain())
}

func TestFork_CopiesParentIdentity(t *testing.T) {
	f := newFixture(t, policy.Default())
	parent := statestore.IdentityRecord{BinaryHash: 0x1234, TenantID: 3, CredentialHash: 0x77, TrustLevel: 80}
	parent.SetAgentID("agent-alpha")
	require.NoError(t, f.store.Identity.Update(10, parent, statestore.UpdateAny))

	f.tracker.OnFork(10, 11)

	child, ok := f.store.Identity.Lookup(11)
	require.True(t, ok)
	assert.Equal(t, uint32(10), child.ParentPID)
	assert.Equal(t, "agent-alpha", child.Agent())
	assert.Equal(t, uint32(3), child.TenantID)
	assert.Equal(t, uint64(0x1234), child.BinaryHash)
	assert.Equal(t, uint64(0x77), child.CredentialHash)

	// the parent record is untouched
	p, _ := f.store.Identity.Lookup(10)
	assert.Zero(t, p.ParentPID)

	evs := f.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.LifecycleFork, evs[0].Kind)
	assert.Equal(t, uint32(11), evs[0].PID)
	assert.Equal(t, uint32(10), evs[0].ParentPID)
	assert.Equal(t, "agent-alpha", evs[0].Agent())
}

func TestFork_UntrackedParentIsNoop(t *testing.T) {
	f := newFixture(t, policy.Default())
	f.tracker.OnFork(1, 2)

	_, ok := f.store.Identity.Lookup(2)
	assert.False(t, ok)
	assert.Empty(t, f.drain())
}

func TestExec_KeepsIdentityOrCaptures(t *testing.T) {
	f := newFixture(t, policy.Default())
	rec := statestore.IdentityRecord{BinaryHash: 0xaa, ParentPID: 1}
	require.NoError(t, f.store.Identity.Update(20, rec, statestore.UpdateAny))

	f.tracker.OnExec(20, 0xbb)
	got, _ := f.store.Identity.Lookup(20)
	assert.Equal(t, rec, got)

	f.tracker.OnExec(21, 0xcc)
	_, ok := f.store.Identity.Lookup(21)
	assert.True(t, ok)

	evs := f.drain()
	require.Len(t, evs, 2)
	assert.Equal(t, events.LifecycleExec, evs[0].Kind)
	assert.Equal(t, uint32(1), evs[0].ParentPID)
	assert.Equal(t, events.LifecycleCapture, evs[1].Kind)
}

func TestExit_RemovesAllStateOnce(t *testing.T) {
	f := newFixture(t, policy.Default())
	f.tracker.OnCapture(30, 1)
	require.NoError(t, f.store.Entitlements.Update(30, 0xff, statestore.UpdateAny))
	f.drain()

	f.tracker.OnExit(30)

	_, ok := f.store.Identity.Lookup(30)
	assert.False(t, ok)
	_, ok = f.store.Verdict.Lookup(30)
	assert.False(t, ok)
	_, ok = f.store.Trust.Lookup(30)
	assert.False(t, ok)
	_, ok = f.store.Entitlements.Lookup(30)
	assert.False(t, ok)

	evs := f.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.LifecycleExit, evs[0].Kind)

	// second exit is a silent no-op
	f.tracker.OnExit(30)
	assert.Empty(t, f.drain())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Lifecycle.WithLabelValues("exit")))
}

func TestExit_UntrackedPidCleansVerdict(t *testing.T) {
	f := newFixture(t, policy.Default())
	require.NoError(t, f.store.Verdict.Update(40, statestore.VerdictBlock, statestore.UpdateAny))

	f.tracker.OnExit(40)

	_, ok := f.store.Verdict.Lookup(40)
	assert.False(t, ok)
	assert.Empty(t, f.drain())
}

func TestFork_FullIdentityMapDegrades(t *testing.T) {
	f := &fixture{
		store:   statestore.NewMemory(statestore.Capacity{Identities: 1, Verdicts: 4, Tools: 1}),
		ring:    events.NewRing[events.LifecycleEvent](8),
		metrics: metrics.New(nil),
	}
	f.tracker = NewTracker(f.store, f.ring, policy.Default(), WithMetrics(f.metrics))

	f.tracker.OnCapture(1, 1)
	f.drain()
	f.tracker.OnFork(1, 2)

	_, ok := f.store.Identity.Lookup(2)
	assert.False(t, ok)
	assert.Empty(t, f.drain())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StoreFailures.WithLabelValues("identity")))
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bin")
	require.NoError(t, os.WriteFile(path, []byte("agent binary"), 0o600))

	h, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, Hash64(sha256.Sum256([]byte("agent binary"))), h)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
	assert.Zero(t, BinaryHasher{ProcRoot: t.TempDir()}.HashPID(1))
}

func TestHashRefiner_ReplacesPlaceholder(t *testing.T) {
	procRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(procRoot, "42"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "42", "exe"), []byte("agent binary"), 0o600))
	want := Hash64(sha256.Sum256([]byte("agent binary")))

	f := newFixture(t, policy.Default())
	r := NewHashRefiner(f.store.Identity, BinaryHasher{ProcRoot: procRoot})
	ctx := context.Background()

	f.tracker.OnCapture(42, 0)
	for _, ev := range f.drain() {
		r.HandleLifecycle(ctx, ev)
	}
	rec, ok := f.store.Identity.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, want, rec.BinaryHash)

	// a hash supplied by the capture hook is kept
	f.tracker.OnCapture(43, 0xabc)
	require.NoError(t, os.MkdirAll(filepath.Join(procRoot, "43"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "43", "exe"), []byte("other"), 0o600))
	r.HandleLifecycle(ctx, events.LifecycleEvent{PID: 43, Kind: events.LifecycleCapture})
	rec, _ = f.store.Identity.Lookup(43)
	assert.Equal(t, uint64(0xabc), rec.BinaryHash)

	// unreadable executables keep the placeholder
	f.tracker.OnCapture(44, 0)
	r.HandleLifecycle(ctx, events.LifecycleEvent{PID: 44, Kind: events.LifecycleCapture})
	rec, _ = f.store.Identity.Lookup(44)
	assert.Equal(t, PlaceholderHash(44), rec.BinaryHash)

	// other lifecycle kinds are ignored
	f.tracker.OnCapture(45, 0)
	require.NoError(t, os.MkdirAll(filepath.Join(procRoot, "45"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "45", "exe"), []byte("x"), 0o600))
	r.HandleLifecycle(ctx, events.LifecycleEvent{PID: 45, Kind: events.LifecycleExec})
	rec, _ = f.store.Identity.Lookup(45)
	assert.Equal(t, PlaceholderHash(45), rec.BinaryHash)
}

type staticSource struct{ svid *x509svid.SVID }

func (s staticSource) GetX509SVID() (*x509svid.SVID, error) { return s.svid, nil }

func TestCredentialHasher(t *testing.T) {
	id := spiffeid.RequireFromString(AgentSPIFFEID("ocx.example.com", "procurement-bot"))
	cert := &x509.Certificate{Raw: []byte("leaf-der")}
	c := NewCredentialHasherFrom(staticSource{svid: &x509svid.SVID{ID: id, Certificates: []*x509.Certificate{cert}}})

	h, err := c.Hash("spiffe://ocx.example.com/agent/procurement-bot")
	require.NoError(t, err)
	assert.Equal(t, Hash64(sha256.Sum256([]byte("leaf-der"))), h)

	_, err = c.Hash("spiffe://ocx.example.com/agent/other")
	assert.ErrorContains(t, err, "mismatch")
	_, err = c.Hash("not a spiffe id")
	assert.Error(t, err)
	assert.NoError(t, c.Close())
}
