package statestore

import (
	"errors"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// KernelMap adapts a pinned or loaded BPF hash map to Map. The value type
// must have the same binary layout as the kernel struct.
type KernelMap[K Key, V any] struct {
	m *ebpf.Map
}

// NewKernelMap wraps m.
func NewKernelMap[K Key, V any](m *ebpf.Map) *KernelMap[K, V] {
	return &KernelMap[K, V]{m: m}
}

// Lookup treats every lookup error as a miss; the enforcement path only
// needs the default fallback.
func (km *KernelMap[K, V]) Lookup(key K) (V, bool) {
	var v V
	if err := km.m.Lookup(key, &v); err != nil {
		return v, false
	}
	return v, true
}

func (km *KernelMap[K, V]) Update(key K, value V, flag UpdateFlag) error {
	var f ebpf.MapUpdateFlags
	switch flag {
	case UpdateNoExist:
		f = ebpf.UpdateNoExist
	case UpdateExist:
		f = ebpf.UpdateExist
	default:
		f = ebpf.UpdateAny
	}
	return kernelErr(km.m.Update(key, value, f))
}

func (km *KernelMap[K, V]) Delete(key K) error {
	return kernelErr(km.m.Delete(key))
}

func kernelErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ebpf.ErrKeyNotExist):
		return ErrKeyNotExist
	case errors.Is(err, ebpf.ErrKeyExist):
		return ErrKeyExist
	case errors.Is(err, unix.E2BIG):
		return ErrMapFull
	default:
		return err
	}
}
