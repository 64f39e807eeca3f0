package simulate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/enforcer/internal/escrow"
	"github.com/ocx/enforcer/internal/policy"
)

const approvalScenario = `
name: payment escrow
steps:
  - {op: capture, pid: 100, hash: 0xabc}
  - {op: send, pid: 100, size: 10, expect: retry}
  - {op: trust, pid: 100, trust: 90}
  - {op: grant, pid: 100, grant: ["finance:write", "payment:execute"]}
  - {op: verdict, pid: 100, verdict: clear}
  - {op: send, pid: 100, tool: execute_payment, size: 256, expect: retry}
  - {op: resolve}
  - {op: approve, pid: 100, expect: allow}
  - {op: send, pid: 100, tool: execute_payment, size: 256, expect: admit}
  - {op: fork, parent: 100, pid: 101}
  - {op: send, pid: 101, size: 4096, expect: retry}
  - {op: exit, pid: 101}
  - {op: resolve}
  - {op: connect, pid: 100, expect: admit}
  - {op: exit, pid: 100}
  - {op: send, pid: 100, size: 10, expect: admit}
`

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRun_EscrowApproval(t *testing.T) {
	r, err := LoadAndRun(context.Background(), writeScenario(t, approvalScenario), Options{
		TriFactor: escrow.DefaultTriFactorConfig(),
	})
	require.NoError(t, err)

	for _, s := range r.Steps {
		assert.True(t, s.Passed, "step %d (%s): expected %q got %q %s", s.Index, s.Op, s.Expected, s.Actual, s.Detail)
	}
	assert.Equal(t, 16, r.Total)
	assert.Zero(t, r.Failed)
	assert.Equal(t, 3, r.Audit)
	assert.Zero(t, r.Blocked)
	assert.Equal(t, 2, r.Escrow)
	// capture, fork, two exits
	assert.Equal(t, 4, r.Lifecycle)
}

func TestRun_FailClosed(t *testing.T) {
	p := policy.Default()
	p.FailClosed = true
	s := &Scenario{
		Name: "fail closed",
		Steps: []Step{
			{Op: "capture", PID: 200},
			{Op: "verdict", PID: 200, Verdict: "clear"},
			{Op: "send", PID: 200, Size: 10, Expect: "deny"},
			{Op: "verdict", PID: 200, Verdict: "allow"},
			{Op: "send", PID: 200, Size: 10, Expect: "admit"},
			{Op: "trust", PID: 200, Trust: 10},
			{Op: "send", PID: 200, Size: 10, Expect: "deny"},
			{Op: "verdict", PID: 200, Verdict: "block"},
			{Op: "connect", PID: 200, Expect: "deny"},
		},
	}
	r, err := Run(context.Background(), s, Options{Policy: p, TriFactor: escrow.DefaultTriFactorConfig()})
	require.NoError(t, err)
	assert.Zero(t, r.Failed)
	assert.Equal(t, 4, r.Audit)
	assert.Equal(t, 3, r.Blocked)
}

func TestRun_AutoResolveBlocksOnMissingEntitlements(t *testing.T) {
	s := &Scenario{
		Name:        "auto",
		AutoResolve: true,
		Steps: []Step{
			{Op: "capture", PID: 300, Hash: 7},
			{Op: "verdict", PID: 300, Verdict: "clear"},
			{Op: "trust", PID: 300, Trust: 95},
			{Op: "send", PID: 300, Tool: "delete_data", Expect: "retry"},
			// the resolver has revoked by now
			{Op: "send", PID: 300, Tool: "delete_data", Expect: "deny"},
		},
	}
	r, err := Run(context.Background(), s, Options{TriFactor: escrow.DefaultTriFactorConfig()})
	require.NoError(t, err)
	assert.Zero(t, r.Failed, FormatText([]*RunResult{r}))
}

func TestRun_ReportsFailures(t *testing.T) {
	s := &Scenario{
		Name: "wrong expectations",
		Steps: []Step{
			{Op: "send", PID: 1, Expect: "deny"},
			{Op: "teleport", PID: 1},
			{Op: "approve", PID: 1},
			{Op: "grant", PID: 1, Grant: []string{"no:such"}},
		},
	}
	r, err := Run(context.Background(), s, Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, r.Failed)
	assert.Equal(t, "admit", r.Steps[0].Actual)
	assert.Contains(t, r.Steps[1].Detail, "unknown op")
	assert.Contains(t, r.Steps[2].Detail, "no pending escrow")

	text := FormatText([]*RunResult{r})
	assert.Contains(t, text, "FAIL  wrong expectations (0/4)")
	assert.Contains(t, text, "expected deny, got admit")
	assert.Contains(t, text, "0 of 4 steps passed. 1 of 1 scenarios failed.")

	out, err := FormatJSON([]*RunResult{r})
	require.NoError(t, err)
	var decoded []RunResult
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, 4, decoded[0].Failed)
}

func TestLoad_Rejects(t *testing.T) {
	_, err := Load(writeScenario(t, "steps: [{op: send, colour: red}]"))
	assert.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

const killScenario = `
name: tenant kill switch
steps:
  - {op: capture, pid: 500, binary: /usr/bin/agent}
  - {op: bind, pid: 500, tenant: 4, agent: bot}
  - {op: verdict, pid: 500, verdict: allow}
  - {op: send, pid: 500, size: 10, expect: admit}
  - {op: fork, parent: 500, pid: 501}
  - {op: kill, tenant: 4}
  - {op: send, pid: 500, size: 10, expect: deny}
  - {op: connect, pid: 501, expect: deny}
  - {op: revive, tenant: 4}
  - {op: verdict, pid: 500, verdict: allow}
  - {op: send, pid: 500, size: 10, expect: admit}
  - {op: exec, pid: 502, binary: /usr/bin/other}
  - {op: kill, agent: rogue}
  - {op: capture, pid: 600}
  - {op: verdict, pid: 600, verdict: allow}
  - {op: bind, pid: 600, agent: rogue}
  - {op: send, pid: 600, size: 10, expect: deny}
`

func TestRun_KillSwitch(t *testing.T) {
	r, err := LoadAndRun(context.Background(), writeScenario(t, killScenario), Options{
		TriFactor: escrow.DefaultTriFactorConfig(),
	})
	require.NoError(t, err)

	for _, s := range r.Steps {
		assert.True(t, s.Passed, "step %d (%s): expected %q got %q %s", s.Index, s.Op, s.Expected, s.Actual, s.Detail)
	}
	assert.Equal(t, "2 blocked", r.Steps[5].Detail)
	assert.Equal(t, "0 blocked", r.Steps[12].Detail)
	assert.Equal(t, "blocked by kill switch", r.Steps[15].Detail)
	assert.Equal(t, 5, r.Audit)
	assert.Equal(t, 3, r.Blocked)
	assert.Equal(t, 4, r.Lifecycle)
}
