// Package ringbuf forwards samples from the kernel ring buffers onto the
// userspace event rings so one pump serves both enforcement modes.
package ringbuf

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/ocx/enforcer/internal/events"
)

// ErrShortSample is returned when a sample is smaller than the record type.
var ErrShortSample = errors.New("ringbuf: short sample")

// SampleReader is the part of *ringbuf.Reader the forwarder uses.
type SampleReader interface {
	Read() (ringbuf.Record, error)
	Close() error
}

// Decode parses a little-endian kernel sample into out. Trailing bytes
// beyond the record size are ignored.
func Decode[T any](raw []byte, out *T) error {
	if n := binary.Size(out); n < 0 || len(raw) < n {
		return fmt.Errorf("%w: %d bytes, want %d", ErrShortSample, len(raw), binary.Size(out))
	}
	return binary.Read(bytes.NewReader(raw), binary.LittleEndian, out)
}

// Reader decodes one kernel ring buffer into one userspace ring.
type Reader[T any] struct {
	name string
	rd   SampleReader
	out  *events.Ring[T]

	decoded  uint64
	rejected uint64
}

// NewReader opens a reader over the kernel ring buffer m.
func NewReader[T any](name string, m *ebpf.Map, out *events.Ring[T]) (*Reader[T], error) {
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("opening %s ringbuf reader: %w", name, err)
	}
	return NewReaderFrom(name, rd, out), nil
}

// NewReaderFrom wraps an existing sample source.
func NewReaderFrom[T any](name string, rd SampleReader, out *events.Ring[T]) *Reader[T] {
	return &Reader[T]{name: name, rd: rd, out: out}
}

// Run reads until the reader is closed. Cancelling ctx closes it, which
// unblocks the pending Read.
func (r *Reader[T]) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { r.rd.Close() })
	defer stop()

	slog.Info("Kernel ring buffer consumer started", "ring", r.name)
	for {
		record, err := r.rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				slog.Info("Kernel ring buffer consumer stopped", "ring", r.name, "decoded", r.decoded, "rejected", r.rejected)
				return nil
			}
			slog.Warn("Ringbuf read error", "ring", r.name, "error", err)
			continue
		}

		var ev T
		if err := Decode(record.RawSample, &ev); err != nil {
			r.rejected++
			slog.Warn("Ringbuf parse error", "ring", r.name, "error", err)
			continue
		}
		r.decoded++
		// A full ring counts the drop itself.
		r.out.TryPublish(ev)
	}
}

// Close stops Run.
func (r *Reader[T]) Close() error {
	return r.rd.Close()
}
