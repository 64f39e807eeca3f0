package catalog

import (
	"fmt"
	"math/bits"
	"sync"
)

// MaxEntitlements is the width of the per-process entitlement mask.
const MaxEntitlements = 64

// Entitlements assigns each entitlement name a stable bit in the u64 mask.
type Entitlements struct {
	mu    sync.RWMutex
	names []string
	bit   map[string]uint
}

func NewEntitlements() *Entitlements {
	return &Entitlements{bit: make(map[string]uint)}
}

// Assign returns the bit of name, allocating the next free one if needed.
func (e *Entitlements) Assign(name string) (uint64, error) {
	if name == "" {
		return 0, fmt.Errorf("empty entitlement name")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.bit[name]; ok {
		return 1 << b, nil
	}
	if len(e.names) >= MaxEntitlements {
		return 0, fmt.Errorf("entitlement %q: all %d bits assigned", name, MaxEntitlements)
	}
	b := uint(len(e.names))
	e.names = append(e.names, name)
	e.bit[name] = b
	return 1 << b, nil
}

// Mask ORs the bits of names. Unknown names are an error.
func (e *Entitlements) Mask(names []string) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var m uint64
	for _, n := range names {
		b, ok := e.bit[n]
		if !ok {
			return 0, fmt.Errorf("unknown entitlement %q", n)
		}
		m |= 1 << b
	}
	return m, nil
}

// Names lists the assigned names set in mask, in bit order. Bits without a
// name are rendered as "bit<N>".
func (e *Entitlements) Names(mask uint64) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for mask != 0 {
		b := uint(bits.TrailingZeros64(mask))
		mask &^= 1 << b
		if int(b) < len(e.names) {
			out = append(out, e.names[b])
		} else {
			out = append(out, fmt.Sprintf("bit%d", b))
		}
	}
	return out
}

// All returns the assigned names in bit order.
func (e *Entitlements) All() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.names...)
}
