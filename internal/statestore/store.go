package statestore

import "github.com/cilium/ebpf"

// Capacity sizes the in-memory maps. Zero fields take the kernel defaults.
type Capacity struct {
	Identities int `yaml:"identities"`
	Verdicts   int `yaml:"verdicts"`
	Tools      int `yaml:"tools"`
}

// Kernel object limits (MAX_IDENTITIES, MAX_VERDICTS, MAX_TOOLS).
const (
	DefaultIdentities = 100000
	DefaultVerdicts   = 100000
	DefaultTools      = 1000
)

func (c Capacity) withDefaults() Capacity {
	if c.Identities <= 0 {
		c.Identities = DefaultIdentities
	}
	if c.Verdicts <= 0 {
		c.Verdicts = DefaultVerdicts
	}
	if c.Tools <= 0 {
		c.Tools = DefaultTools
	}
	return c
}

// Store bundles the five maps. It is the single owner of persistent
// per-process state.
type Store struct {
	Identity     Map[uint32, IdentityRecord]
	Trust        Map[uint32, uint32]
	Verdict      Map[uint32, Verdict]
	Entitlements Map[uint32, uint64]
	Tools        Map[uint64, ToolMeta]
}

// NewMemory returns a Store backed by pre-sized in-memory maps.
func NewMemory(c Capacity) *Store {
	c = c.withDefaults()
	return &Store{
		Identity:     NewHashMap[uint32, IdentityRecord](c.Identities),
		Trust:        NewHashMap[uint32, uint32](c.Verdicts),
		Verdict:      NewHashMap[uint32, Verdict](c.Verdicts),
		Entitlements: NewHashMap[uint32, uint64](c.Identities),
		Tools:        NewHashMap[uint64, ToolMeta](c.Tools),
	}
}

// KernelMaps names the BPF maps backing a kernel-mode Store.
type KernelMaps struct {
	Identity     *ebpf.Map
	Trust        *ebpf.Map
	Verdict      *ebpf.Map
	Entitlements *ebpf.Map
	Tools        *ebpf.Map
}

// NewKernel returns a Store whose maps are the loaded BPF maps, so writes
// from userspace are observed by the in-kernel hooks.
func NewKernel(km KernelMaps) *Store {
	return &Store{
		Identity:     NewKernelMap[uint32, IdentityRecord](km.Identity),
		Trust:        NewKernelMap[uint32, uint32](km.Trust),
		Verdict:      NewKernelMap[uint32, Verdict](km.Verdict),
		Entitlements: NewKernelMap[uint32, uint64](km.Entitlements),
		Tools:        NewKernelMap[uint64, ToolMeta](km.Tools),
	}
}
