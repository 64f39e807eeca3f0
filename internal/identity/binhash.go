package identity

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ocx/enforcer/internal/events"
	"github.com/ocx/enforcer/internal/statestore"
)

// Hash64 folds a SHA-256 digest into the 64-bit form stored in identity
// records.
func Hash64(sum [sha256.Size]byte) uint64 {
	return binary.BigEndian.Uint64(sum[:8])
}

// HashFile returns the 64-bit content hash of the file at path.
func HashFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("hash %s: %w", path, err)
	}
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return Hash64(sum), nil
}

// BinaryHasher hashes the executable behind a pid through procfs.
type BinaryHasher struct {
	ProcRoot string
}

// HashPID returns the content hash of pid's executable, or 0 when it cannot
// be read (the capture hook then records a placeholder).
func (b BinaryHasher) HashPID(pid uint32) uint64 {
	root := b.ProcRoot
	if root == "" {
		root = "/proc"
	}
	h, err := HashFile(filepath.Join(root, strconv.FormatUint(uint64(pid), 10), "exe"))
	if err != nil {
		return 0
	}
	return h
}

// HashRefiner replaces the placeholder binary hash recorded at capture with
// the content hash of the executable, once the capture event is drained.
// A record whose hash is no longer the placeholder is left alone.
type HashRefiner struct {
	events.NopHandler

	ids    statestore.Map[uint32, statestore.IdentityRecord]
	hasher BinaryHasher
}

func NewHashRefiner(ids statestore.Map[uint32, statestore.IdentityRecord], hasher BinaryHasher) *HashRefiner {
	return &HashRefiner{ids: ids, hasher: hasher}
}

func (r *HashRefiner) HandleLifecycle(_ context.Context, ev events.LifecycleEvent) {
	if ev.Kind != events.LifecycleCapture {
		return
	}
	h := r.hasher.HashPID(ev.PID)
	if h == 0 {
		return
	}
	rec, ok := r.ids.Lookup(ev.PID)
	if !ok || rec.BinaryHash != PlaceholderHash(ev.PID) {
		return
	}
	rec.BinaryHash = h
	if err := r.ids.Update(ev.PID, rec, statestore.UpdateExist); err != nil {
		slog.Debug("Binary hash refinement skipped", "pid", ev.PID, "error", err)
	}
}

var _ events.Handler = (*HashRefiner)(nil)
