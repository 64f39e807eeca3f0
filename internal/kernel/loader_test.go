package kernel

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/enforcer/internal/events"
	"github.com/ocx/enforcer/internal/policy"
	"github.com/ocx/enforcer/internal/statestore"
)

func readSource(t *testing.T) string {
	t.Helper()
	src, err := os.ReadFile(filepath.Join("bpf", "enforcer.bpf.c"))
	require.NoError(t, err)
	return string(src)
}

func ebpfTags(v interface{}) []string {
	var out []string
	typ := reflect.TypeOf(v)
	for i := 0; i < typ.NumField(); i++ {
		out = append(out, typ.Field(i).Tag.Get("ebpf"))
	}
	return out
}

func TestSource_DefinesEveryProgramAndMap(t *testing.T) {
	src := readSource(t)
	for _, name := range ebpfTags(Programs{}) {
		re := regexp.MustCompile(`(?m)^int (BPF_PROG\(` + name + `,|` + name + `\()`)
		assert.Regexp(t, re, src, "program %s", name)
	}
	for _, name := range ebpfTags(Maps{}) {
		assert.Contains(t, src, "} "+name+` SEC(".maps");`, "map %s", name)
	}
	for _, name := range []string{"events", "escrow_events", "identity_events"} {
		re := regexp.MustCompile(`__uint\(type, BPF_MAP_TYPE_RINGBUF\);\s+__uint\(max_entries, [^)]+\);\s+\} ` + name + ` SEC`)
		assert.Regexp(t, re, src, "%s must be a ring buffer", name)
	}
}

func TestSource_StructSizesMatchRecords(t *testing.T) {
	src := readSource(t)
	sizes := map[string]int{}
	for _, m := range regexp.MustCompile(`// (\d+) bytes, (\w+\.\w+)\n`).FindAllStringSubmatch(src, -1) {
		n, err := strconv.Atoi(m[1])
		require.NoError(t, err)
		sizes[m[2]] = n
	}

	for name, v := range map[string]interface{}{
		"statestore.IdentityRecord": statestore.IdentityRecord{},
		"statestore.ToolMeta":       statestore.ToolMeta{},
		"events.SocketEvent":        events.SocketEvent{},
		"events.EscrowEvent":        events.EscrowEvent{},
		"events.LifecycleEvent":     events.LifecycleEvent{},
	} {
		want, ok := sizes[name]
		require.True(t, ok, "no C struct documented for %s", name)
		assert.Equal(t, want, binary.Size(v), name)
	}
}

func TestPolicyConstants(t *testing.T) {
	src := readSource(t)
	p := policy.Default().Rescale(policy.ScaleBasisPts)
	p.FailClosed = true

	consts := policyConstants(p)
	for name, v := range consts {
		assert.Contains(t, src, "const volatile __u32 "+name+" =", name)
		assert.IsType(t, uint32(0), v, name)
	}
	assert.Equal(t, uint32(5000), consts["default_trust"])
	assert.Equal(t, uint32(3000), consts["trust_floor"])
	assert.Equal(t, uint32(1), consts["fail_closed"])
	assert.Equal(t, uint32(0), policyConstants(policy.Default())["fail_closed"])
}

func TestWhitelist(t *testing.T) {
	s := statestore.NewMemory(statestore.Capacity{Identities: 4, Verdicts: 4, Tools: 4})
	require.NoError(t, Whitelist(s))

	v, ok := s.Verdict.Lookup(uint32(os.Getpid()))
	require.True(t, ok)
	assert.Equal(t, statestore.VerdictAllow, v)
}

func TestWhitelist_FullMap(t *testing.T) {
	s := statestore.NewMemory(statestore.Capacity{Identities: 1, Verdicts: 1, Tools: 1})
	require.NoError(t, s.Verdict.Update(1, statestore.VerdictBlock, statestore.UpdateAny))
	assert.ErrorIs(t, Whitelist(s), statestore.ErrMapFull)
}

func TestLoad_MissingObject(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("needs CAP_SYS_RESOURCE to lift the memlock limit")
	}
	_, err := Load(filepath.Join(t.TempDir(), "missing.o"), policy.Default())
	assert.Error(t, err)
}

func TestObjectsClose_Empty(t *testing.T) {
	var o Objects
	assert.NoError(t, o.Close())
	assert.NoError(t, (&Hooks{}).Close())
}
