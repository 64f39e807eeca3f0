// Package kernel loads the compiled enforcement object, attaches its hooks
// and exposes the maps and ring buffers to the rest of the daemon.
package kernel

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"

	"github.com/ocx/enforcer/internal/policy"
	"github.com/ocx/enforcer/internal/statestore"
)

//go:generate sh -c "bpftool btf dump file /sys/kernel/btf/vmlinux format c > bpf/vmlinux.h"
//go:generate clang -O2 -g -target bpf -D__TARGET_ARCH_x86 -Ibpf -c bpf/enforcer.bpf.c -o bpf/enforcer.bpf.o

// DefaultObjectPath is where packaging installs the compiled object.
const DefaultObjectPath = "/usr/lib/ocx/enforcer.bpf.o"

// Programs are the hook programs in the object.
type Programs struct {
	SocketSendmsg *ebpf.Program `ebpf:"ocx_socket_sendmsg"`
	SocketConnect *ebpf.Program `ebpf:"ocx_socket_connect"`
	HandleFork    *ebpf.Program `ebpf:"handle_fork"`
	HandleExec    *ebpf.Program `ebpf:"handle_exec"`
	HandleExit    *ebpf.Program `ebpf:"handle_exit"`
	CaptureExecve *ebpf.Program `ebpf:"kprobe_do_execve"`
}

// Maps are the state maps and ring buffers in the object.
type Maps struct {
	VerdictCache     *ebpf.Map `ebpf:"verdict_cache"`
	IdentityCache    *ebpf.Map `ebpf:"identity_cache"`
	TrustCache       *ebpf.Map `ebpf:"trust_cache"`
	EntitlementCache *ebpf.Map `ebpf:"entitlement_cache"`
	ToolRegistry     *ebpf.Map `ebpf:"tool_registry"`
	Events           *ebpf.Map `ebpf:"events"`
	EscrowEvents     *ebpf.Map `ebpf:"escrow_events"`
	IdentityEvents   *ebpf.Map `ebpf:"identity_events"`
}

// Objects holds everything loaded from the object file.
type Objects struct {
	Programs
	Maps
}

func closeAll(cs ...interface{ Close() error }) error {
	var errs []error
	for _, c := range cs {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases every program and map.
func (o *Objects) Close() error {
	return closeAll(
		o.SocketSendmsg, o.SocketConnect, o.HandleFork, o.HandleExec, o.HandleExit, o.CaptureExecve,
		o.VerdictCache, o.IdentityCache, o.TrustCache, o.EntitlementCache, o.ToolRegistry,
		o.Events, o.EscrowEvents, o.IdentityEvents,
	)
}

// Store wraps the state maps.
func (o *Objects) Store() *statestore.Store {
	return statestore.NewKernel(statestore.KernelMaps{
		Identity:     o.IdentityCache,
		Trust:        o.TrustCache,
		Verdict:      o.VerdictCache,
		Entitlements: o.EntitlementCache,
		Tools:        o.ToolRegistry,
	})
}

// policyConstants are the read-only globals of the object that carry p.
func policyConstants(p policy.Policy) map[string]interface{} {
	failClosed := uint32(0)
	if p.FailClosed {
		failClosed = 1
	}
	return map[string]interface{}{
		"default_trust":         p.DefaultTrust,
		"trust_floor":           p.TrustFloor,
		"heuristic_trust_below": p.HeuristicTrustBelow,
		"heuristic_size_above":  p.HeuristicSizeAbove,
		"fail_closed":           failClosed,
	}
}

// Load reads the object at path into the kernel, with the hooks' thresholds
// taken from p.
func Load(path string, p policy.Policy) (*Objects, error) {
	if path == "" {
		path = DefaultObjectPath
	}
	// Allow the current process to lock memory for eBPF resources.
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("loading object %s: %w", path, err)
	}
	if err := spec.RewriteConstants(policyConstants(p)); err != nil {
		return nil, fmt.Errorf("applying policy to %s: %w", path, err)
	}

	var objs Objects
	if err := spec.LoadAndAssign(&objs, nil); err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			slog.Error("Verifier rejected program", "log", fmt.Sprintf("%+v", verr))
		}
		return nil, fmt.Errorf("loading objects: %w", err)
	}
	return &objs, nil
}

// Hooks are the attached links.
type Hooks struct {
	links []link.Link
}

// Attach wires every program to its hook point. The LSM hooks need a
// kernel built with CONFIG_BPF_LSM=y and "bpf" in the lsm= list.
func Attach(o *Objects) (*Hooks, error) {
	h := &Hooks{}
	attach := func(what string, l link.Link, err error) error {
		if err != nil {
			return fmt.Errorf("attaching %s: %w", what, err)
		}
		h.links = append(h.links, l)
		return nil
	}

	steps := []func() error{
		func() error {
			l, err := link.AttachLSM(link.LSMOptions{Program: o.SocketSendmsg})
			return attach("lsm/socket_sendmsg", l, err)
		},
		func() error {
			l, err := link.AttachLSM(link.LSMOptions{Program: o.SocketConnect})
			return attach("lsm/socket_connect", l, err)
		},
		func() error {
			l, err := link.Tracepoint("sched", "sched_process_fork", o.HandleFork, nil)
			return attach("tracepoint/sched_process_fork", l, err)
		},
		func() error {
			l, err := link.Tracepoint("sched", "sched_process_exec", o.HandleExec, nil)
			return attach("tracepoint/sched_process_exec", l, err)
		},
		func() error {
			l, err := link.Tracepoint("sched", "sched_process_exit", o.HandleExit, nil)
			return attach("tracepoint/sched_process_exit", l, err)
		},
		func() error {
			l, err := link.Kprobe("do_execve", o.CaptureExecve, nil)
			return attach("kprobe/do_execve", l, err)
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			h.Close()
			return nil, err
		}
	}
	slog.Info("Enforcement hooks attached", "links", len(h.links))
	return h, nil
}

// Close detaches every hook.
func (h *Hooks) Close() error {
	cs := make([]interface{ Close() error }, 0, len(h.links))
	for _, l := range h.links {
		cs = append(cs, l)
	}
	h.links = nil
	return closeAll(cs...)
}

// Whitelist pre-approves the loader itself so the daemon can always reach
// the control plane and its sinks.
func Whitelist(s *statestore.Store) error {
	pid := uint32(os.Getpid())
	if err := s.Verdict.Update(pid, statestore.VerdictAllow, statestore.UpdateAny); err != nil {
		return fmt.Errorf("failed to whitelist pid %d: %w", pid, err)
	}
	slog.Info("Loader whitelisted", "pid", pid)
	return nil
}
