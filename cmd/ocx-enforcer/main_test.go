package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		simulateFormat = "text"
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSimulate_BundledScenarios(t *testing.T) {
	out, err := execute(t, "simulate",
		filepath.Join("..", "..", "scenarios", "payment_escrow.yaml"),
		filepath.Join("..", "..", "scenarios", "untrusted_child.yaml"),
		filepath.Join("..", "..", "scenarios", "kill_switch.yaml"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "payment escrow")
	assert.Contains(t, out, "untrusted child")
	assert.Contains(t, out, "tenant kill switch")
	assert.NotContains(t, out, "FAIL")
}

func TestSimulate_FailingStepExitsNonZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: wrong expectation
steps:
  - {op: capture, pid: 1}
  - {op: send, pid: 1, size: 10, expect: admit}
`), 0o600))

	out, err := execute(t, "simulate", "--format", "json", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 step(s) failed")
	assert.Contains(t, out, `"failed": 1`)
}

func TestSimulate_RejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, "simulate", "--format", "xml", "x.yaml")
	require.Error(t, err)
}

func TestTools_ListsCatalog(t *testing.T) {
	out, err := execute(t, "tools")
	require.NoError(t, err)
	assert.Contains(t, out, "execute_payment")
	assert.Contains(t, out, "ENTITLEMENTS")
}

func TestParsePID(t *testing.T) {
	pid, err := parsePID("4242")
	require.NoError(t, err)
	assert.Equal(t, uint32(4242), pid)

	_, err = parsePID("-1")
	assert.Error(t, err)
}
