package sdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/enforcer/internal/catalog"
	"github.com/ocx/enforcer/internal/controlplane"
	"github.com/ocx/enforcer/internal/escrow"
	"github.com/ocx/enforcer/internal/events"
	"github.com/ocx/enforcer/internal/metrics"
	"github.com/ocx/enforcer/internal/policy"
	"github.com/ocx/enforcer/internal/statestore"
)

type fixture struct {
	store  *statestore.Store
	gate   *escrow.TriFactorGate
	client *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := statestore.NewMemory(statestore.Capacity{Identities: 32, Verdicts: 32, Tools: 32})
	p := policy.Default()
	reg := prometheus.NewRegistry()

	verdicts := controlplane.NewVerdictUpdater(store, p)
	cat := controlplane.NewCatalogSync(catalog.Default(), store.Tools)
	_, err := cat.Sync()
	require.NoError(t, err)
	gate := escrow.NewTriFactorGate(store, verdicts, escrow.NewMemoryPending(), p, escrow.DefaultTriFactorConfig(), metrics.New(reg))
	kill := escrow.NewKillSwitch(store.Identity, verdicts)
	gate.UseReleaseGuard(kill.Killed)

	srv := httptest.NewServer(controlplane.NewServer(controlplane.Deps{
		Verdicts: verdicts,
		Catalog:  cat,
		Escrow:   gate,
		JIT:      escrow.NewJITEntitlements(store.Entitlements),
		Kill:     kill,
		Gatherer: reg,
		Policy:   p,
	}).Router())
	t.Cleanup(srv.Close)

	return &fixture{store: store, gate: gate, client: NewClient(Config{ControlURL: srv.URL + "/"})}
}

func TestClient_ProcessLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.Health(ctx))

	p, err := f.client.Process(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, VerdictNone, p.Verdict)
	assert.True(t, p.TrustDefault)
	assert.Nil(t, p.Identity)

	require.NoError(t, f.client.SetVerdict(ctx, 5, VerdictHold))
	require.NoError(t, f.client.SetTrust(ctx, 5, 70))

	r, err := f.client.ChangeEntitlements(ctx, 5, EntitlementChange{Grant: []string{"data:read"}, TTL: "1m", GrantedBy: "test"})
	require.NoError(t, err)
	assert.Equal(t, []string{"data:read"}, r.Entitlements)
	require.NotNil(t, r.Grant)
	assert.Equal(t, "test", r.Grant.GrantedBy)

	p, err = f.client.Process(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, VerdictHold, p.Verdict)
	assert.Equal(t, uint32(70), p.Trust)
	assert.Len(t, p.Grants, 1)

	require.NoError(t, f.client.RevokeGrant(ctx, r.Grant.ID))
	p, err = f.client.Process(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, p.Grants)
	assert.Empty(t, p.Entitlements)
	var apiErr *APIError
	require.True(t, errors.As(f.client.RevokeGrant(ctx, r.Grant.ID), &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	require.NoError(t, f.client.ClearVerdict(ctx, 5))
	_, ok := f.store.Verdict.Lookup(5)
	assert.False(t, ok)
}

func TestClient_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.client.SetVerdict(ctx, 5, "sometimes")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, apiErr.Message, "verdict must be")

	_, err = f.client.BindIdentity(ctx, 99, 1, "agent", "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = f.client.Approve(ctx, "no-such-id")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestClient_ToolsAndEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tools, err := f.client.Tools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 8)
	assert.NotEmpty(t, tools[0].Hash)

	ev := events.EscrowEvent{PID: 30, TrustLevel: 60, ReversibilityIndex: 5, EntitlementValid: 1, DataSize: 2048}
	_, err = f.gate.Resolve(ctx, ev)
	require.NoError(t, err)

	pending, err := f.client.PendingEscrow(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint32(30), pending[0].Event.PID)
	assert.False(t, pending[0].Assessment.KnownTool)

	d, err := f.client.Reject(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.False(t, d.Approved)
	v, _ := f.store.Verdict.Lookup(30)
	assert.Equal(t, statestore.VerdictBlock, v)
}

func TestClient_KillSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	kills, err := f.client.Kills(ctx)
	require.NoError(t, err)
	assert.Empty(t, kills)

	r, err := f.client.KillTenant(ctx, 3, KillRequest{Reason: "incident", TriggeredBy: "oncall", TTL: "5m"})
	require.NoError(t, err)
	assert.Equal(t, "tenant", r.Scope)
	assert.Equal(t, "3", r.Target)
	require.NotNil(t, r.ExpiresAt)

	_, err = f.client.KillAgent(ctx, "agent-x", KillRequest{})
	require.NoError(t, err)

	kills, err = f.client.Kills(ctx)
	require.NoError(t, err)
	assert.Len(t, kills, 2)

	require.NoError(t, f.client.ReviveTenant(ctx, 3))
	require.NoError(t, f.client.ReviveAgent(ctx, "agent-x"))
	var apiErr *APIError
	require.True(t, errors.As(f.client.ReviveAgent(ctx, "agent-x"), &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
