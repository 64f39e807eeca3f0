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

func TestJIT_GrantAndExpire(t *testing.T) {
	ents := statestore.NewHashMap[uint32, uint64](8)
	require.NoError(t, ents.Update(7, 0b0001, statestore.UpdateAny))

	j := NewJITEntitlements(ents)
	now := time.Unix(1000, 0)
	j.now = func() time.Time { return now }

	short, err := j.Grant(7, 0b0011, time.Minute, "operator", "incident")
	require.NoError(t, err)
	_, err = j.Grant(7, 0b0100, 5*time.Minute, "operator", "deploy")
	require.NoError(t, err)

	mask, _ := ents.Lookup(7)
	assert.Equal(t, uint64(0b0111), mask)
	assert.Len(t, j.Active(7), 2)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, j.Sweep())

	// 0b0001 was held before the grant and survives its expiry
	mask, _ = ents.Lookup(7)
	assert.Equal(t, uint64(0b0101), mask)
	assert.Len(t, j.Active(7), 1)

	assert.False(t, j.Revoke(short.ID))
}

func TestJIT_OverlappingGrantsKeepSharedBits(t *testing.T) {
	ents := statestore.NewHashMap[uint32, uint64](8)
	j := NewJITEntitlements(ents)

	a, err := j.Grant(9, 0b11, time.Minute, "op", "")
	require.NoError(t, err)
	_, err = j.Grant(9, 0b10, time.Minute, "op", "")
	require.NoError(t, err)

	require.True(t, j.Revoke(a.ID))
	mask, _ := ents.Lookup(9)
	assert.Equal(t, uint64(0b10), mask)
}

func TestJIT_Validation(t *testing.T) {
	j := NewJITEntitlements(statestore.NewHashMap[uint32, uint64](8))

	_, err := j.Grant(1, 1, 0, "op", "")
	assert.Error(t, err)
	_, err = j.Grant(1, 0, time.Minute, "op", "")
	assert.Error(t, err)

	g, err := j.Grant(1, 1, 3*time.Hour, "op", "")
	require.NoError(t, err)
	assert.Equal(t, MaxGrantTTL, g.ExpiresAt.Sub(g.GrantedAt))
}

func TestJIT_ExitForgetsGrants(t *testing.T) {
	ents := statestore.NewHashMap[uint32, uint64](8)
	j := NewJITEntitlements(ents)

	_, err := j.Grant(5, 1, time.Minute, "op", "")
	require.NoError(t, err)
	require.NoError(t, ents.Delete(5))

	j.HandleLifecycle(context.Background(), events.LifecycleEvent{PID: 5, Kind: events.LifecycleExit})
	assert.Empty(t, j.Active(5))

	// a recycled pid does not inherit the old grant
	assert.Equal(t, 0, j.Sweep())
	_, ok := ents.Lookup(5)
	assert.False(t, ok)
}

func TestJIT_PermanentGrantSurvivesExpiry(t *testing.T) {
	ents := statestore.NewHashMap[uint32, uint64](8)
	j := NewJITEntitlements(ents)
	now := time.Unix(1000, 0)
	j.now = func() time.Time { return now }

	_, err := j.Grant(5, 0b100, time.Minute, "op", "window")
	require.NoError(t, err)
	m, err := j.GrantPermanent(5, 0b100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0b100), m)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, j.Sweep())
	mask, _ := ents.Lookup(5)
	assert.Equal(t, uint64(0b100), mask)

	// the reverse order keeps the bit as well
	_, err = j.GrantPermanent(6, 0b010)
	require.NoError(t, err)
	_, err = j.Grant(6, 0b011, time.Minute, "op", "")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, j.Sweep())
	mask, _ = ents.Lookup(6)
	assert.Equal(t, uint64(0b010), mask)
}

func TestJIT_RevokeMaskTrimsGrants(t *testing.T) {
	ents := statestore.NewHashMap[uint32, uint64](8)
	j := NewJITEntitlements(ents)

	_, err := j.GrantPermanent(9, 0b0001)
	require.NoError(t, err)
	_, err = j.Grant(9, 0b0010, time.Minute, "op", "")
	require.NoError(t, err)
	wide, err := j.Grant(9, 0b1100, time.Minute, "op", "")
	require.NoError(t, err)

	m, err := j.RevokeMask(9, 0b0011)
	require.NoError(t, err)
	assert.Equal(t, uint64(0b1100), m)

	// the fully revoked grant is no longer listed
	active := j.Active(9)
	require.Len(t, active, 1)
	assert.Equal(t, wide.ID, active[0].ID)

	m, err = j.RevokeMask(9, 0b0100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0b1000), m)
	require.Len(t, j.Active(9), 1)
	assert.Equal(t, uint64(0b1000), j.Active(9)[0].Mask)

	// a bit later granted permanently outlives the grant that first set it
	_, err = j.GrantPermanent(9, 0b1000)
	require.NoError(t, err)
	require.True(t, j.Revoke(wide.ID))
	mask, _ := ents.Lookup(9)
	assert.Equal(t, uint64(0b1000), mask)

	m, err = j.RevokeMask(10, 0b1)
	require.NoError(t, err)
	assert.Zero(t, m)
	_, ok := ents.Lookup(10)
	assert.False(t, ok)
}

func TestJIT_ExitForgetsPermanentGrants(t *testing.T) {
	ents := statestore.NewHashMap[uint32, uint64](8)
	j := NewJITEntitlements(ents)

	_, err := j.GrantPermanent(5, 0b1)
	require.NoError(t, err)
	require.NoError(t, ents.Delete(5))
	j.HandleLifecycle(context.Background(), events.LifecycleEvent{PID: 5, Kind: events.LifecycleExit})

	// the recycled pid's grant is cleared on expiry
	now := time.Unix(1000, 0)
	j.now = func() time.Time { return now }
	_, err = j.Grant(5, 0b1, time.Minute, "op", "")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	j.Sweep()
	mask, _ := ents.Lookup(5)
	assert.Zero(t, mask)
}
