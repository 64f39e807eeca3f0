package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/enforcer/internal/events"
	"github.com/ocx/enforcer/internal/statestore"
)

func killFixture(t *testing.T) (*KillSwitch, statestore.Map[uint32, statestore.IdentityRecord], *recordingWriter) {
	t.Helper()
	idents := statestore.NewHashMap[uint32, statestore.IdentityRecord](16)
	bind := func(pid, tenant uint32, agent string) {
		var id statestore.IdentityRecord
		id.SetAgentID(agent)
		id.TenantID = tenant
		require.NoError(t, idents.Update(pid, id, statestore.UpdateAny))
	}
	bind(10, 1, "agent-a")
	bind(11, 1, "agent-b")
	bind(20, 2, "agent-a")

	w := &recordingWriter{}
	ks := NewKillSwitch(idents, w)
	ctx := context.Background()
	for _, pid := range []uint32{10, 11, 20} {
		ks.HandleLifecycle(ctx, events.LifecycleEvent{PID: pid, Kind: events.LifecycleCapture})
	}
	return ks, idents, w
}

func TestKillSwitch_TenantBlocksLiveAndNewProcesses(t *testing.T) {
	ks, idents, w := killFixture(t)

	r, err := ks.KillTenant(1, "exfiltration", "oncall", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Blocked)
	assert.ElementsMatch(t, []uint32{10, 11}, w.revoked)

	// a child of a killed tenant is blocked when its fork is drained
	child, _ := idents.Lookup(10)
	require.NoError(t, idents.Update(12, child, statestore.UpdateAny))
	ks.HandleLifecycle(context.Background(), events.LifecycleEvent{PID: 12, ParentPID: 10, Kind: events.LifecycleFork})
	assert.Contains(t, w.revoked, uint32(12))

	killed, reason := ks.Killed(20)
	assert.False(t, killed)
	assert.Empty(t, reason)

	require.True(t, ks.ReviveTenant(1))
	assert.False(t, ks.ReviveTenant(1))
	assert.False(t, ks.Enforce(11))
}

func TestKillSwitch_AgentAcrossTenants(t *testing.T) {
	ks, _, w := killFixture(t)

	r, err := ks.KillAgent("agent-a", "loop", "oncall", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Blocked)
	assert.ElementsMatch(t, []uint32{10, 20}, w.revoked)

	killed, reason := ks.Killed(20)
	assert.True(t, killed)
	assert.Contains(t, reason, "loop")
}

func TestKillSwitch_ExpiryAndExit(t *testing.T) {
	ks, _, w := killFixture(t)
	now := time.Unix(5000, 0)
	ks.now = func() time.Time { return now }

	ks.HandleLifecycle(context.Background(), events.LifecycleEvent{PID: 11, Kind: events.LifecycleExit})
	r, err := ks.KillTenant(1, "incident", "oncall", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Blocked)
	require.NotNil(t, r.ExpiresAt)
	assert.Len(t, ks.ListActive(), 1)

	now = now.Add(2 * time.Minute)
	assert.Empty(t, ks.ListActive())
	w.revoked = nil
	assert.False(t, ks.Enforce(10))
	assert.Empty(t, w.revoked)
}

func TestKillSwitch_Validation(t *testing.T) {
	ks, _, _ := killFixture(t)
	_, err := ks.KillAgent("", "x", "y", 0)
	assert.Error(t, err)
	_, err = ks.KillTenant(0, "x", "y", 0)
	assert.Error(t, err)
}
