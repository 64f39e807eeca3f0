package controlplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/enforcer/internal/policy"
	"github.com/ocx/enforcer/internal/statestore"
)

func newStore() *statestore.Store {
	return statestore.NewMemory(statestore.Capacity{Identities: 32, Verdicts: 32, Tools: 32})
}

func TestVerdictUpdater_Verdicts(t *testing.T) {
	s := newStore()
	vu := NewVerdictUpdater(s, policy.Default())

	require.NoError(t, vu.Release(1))
	v, _ := s.Verdict.Lookup(1)
	assert.Equal(t, statestore.VerdictAllow, v)

	require.NoError(t, vu.Revoke(1))
	v, _ = s.Verdict.Lookup(1)
	assert.Equal(t, statestore.VerdictBlock, v)

	require.NoError(t, vu.Hold(1))
	v, _ = s.Verdict.Lookup(1)
	assert.Equal(t, statestore.VerdictHold, v)

	assert.Error(t, vu.SetVerdict(1, statestore.Verdict(9)))

	require.NoError(t, vu.ClearVerdict(1))
	require.NoError(t, vu.ClearVerdict(1))
	_, ok := s.Verdict.Lookup(1)
	assert.False(t, ok)
}

func TestVerdictUpdater_FullMap(t *testing.T) {
	s := statestore.NewMemory(statestore.Capacity{Identities: 1, Verdicts: 1, Tools: 1})
	vu := NewVerdictUpdater(s, policy.Default())

	require.NoError(t, vu.Release(1))
	assert.ErrorIs(t, vu.Release(2), statestore.ErrMapFull)
}

func TestVerdictUpdater_Trust(t *testing.T) {
	s := newStore()
	vu := NewVerdictUpdater(s, policy.Default())

	require.NoError(t, vu.SetTrust(3, 80))
	assert.Error(t, vu.SetTrust(3, 101))

	bp := NewVerdictUpdater(s, policy.Default().Rescale(policy.ScaleBasisPts))
	require.NoError(t, bp.SetTrust(3, 9000))

	snap := vu.Inspect(3, 50)
	assert.Equal(t, uint32(9000), snap.Trust)
	assert.False(t, snap.TrustDefault)

	snap = vu.Inspect(4, 50)
	assert.Equal(t, uint32(50), snap.Trust)
	assert.True(t, snap.TrustDefault)
	assert.Equal(t, "NONE", snap.Verdict)
	assert.Nil(t, snap.Identity)
}

func TestVerdictUpdater_BindIdentity(t *testing.T) {
	s := newStore()
	vu := NewVerdictUpdater(s, policy.Default())

	_, err := vu.BindIdentity(7, Binding{TenantID: 1})
	assert.ErrorIs(t, err, ErrUnknownProcess)
	_, ok := s.Identity.Lookup(7)
	assert.False(t, ok, "binding never creates a record")

	require.NoError(t, s.Identity.Update(7, statestore.IdentityRecord{BinaryHash: 0xab, ParentPID: 2}, statestore.UpdateAny))
	rec, err := vu.BindIdentity(7, Binding{TenantID: 4, AgentID: "billing-agent", CredentialHash: 0xcd})
	require.NoError(t, err)
	assert.Equal(t, "billing-agent", rec.Agent())

	rec, err = vu.BindIdentity(7, Binding{TenantID: 5})
	require.NoError(t, err)
	assert.Equal(t, uint32(5), rec.TenantID)
	assert.Equal(t, "billing-agent", rec.Agent())
	assert.Equal(t, uint64(0xcd), rec.CredentialHash)
	assert.Equal(t, uint64(0xab), rec.BinaryHash)
	assert.Equal(t, uint32(2), rec.ParentPID)

	_, err = vu.BindIdentity(7, Binding{AgentID: "an-agent-identifier-that-is-far-too-long-for-the-field"})
	assert.Error(t, err)
}
