package ringbuf

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/enforcer/internal/events"
	"github.com/ocx/enforcer/internal/statestore"
)

type fakeReader struct {
	mu      sync.Mutex
	records [][]byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeReader(samples ...[]byte) *fakeReader {
	return &fakeReader{records: samples, closed: make(chan struct{})}
}

func (f *fakeReader) Read() (ringbuf.Record, error) {
	f.mu.Lock()
	if len(f.records) > 0 {
		raw := f.records[0]
		f.records = f.records[1:]
		f.mu.Unlock()
		return ringbuf.Record{RawSample: raw}, nil
	}
	f.mu.Unlock()
	<-f.closed
	return ringbuf.Record{}, ringbuf.ErrClosed
}

func (f *fakeReader) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func encode(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	return buf.Bytes()
}

func TestRecordSizesMatchKernelLayout(t *testing.T) {
	assert.Equal(t, 64, binary.Size(events.SocketEvent{}))
	assert.Equal(t, 88, binary.Size(events.EscrowEvent{}))
	assert.Equal(t, 56, binary.Size(events.LifecycleEvent{}))
}

func TestDecode(t *testing.T) {
	in := events.EscrowEvent{
		PID:                  42,
		ToolHash:             0xdeadbeef,
		ActionClass:          statestore.ClassB,
		TrustLevel:           61,
		ReversibilityIndex:   5,
		RequiredEntitlements: 0b101,
		EntitlementValid:     1,
		DataSize:             4096,
	}
	raw := encode(t, in)

	var out events.EscrowEvent
	require.NoError(t, Decode(raw, &out))
	assert.Equal(t, in, out)

	// Trailing padding from the kernel reservation is ignored.
	require.NoError(t, Decode(append(raw, 0, 0, 0, 0), &out))
	assert.Equal(t, in, out)

	assert.ErrorIs(t, Decode(raw[:40], &out), ErrShortSample)
}

func TestReader_ForwardsSamples(t *testing.T) {
	life := events.LifecycleEvent{PID: 7, ParentPID: 1, Kind: events.LifecycleFork, Timestamp: 99}
	fr := newFakeReader(encode(t, life), []byte{1, 2, 3}, encode(t, events.LifecycleEvent{PID: 8, Kind: events.LifecycleExit}))
	ring := events.NewRing[events.LifecycleEvent](8)
	r := NewReaderFrom("lifecycle", fr, ring)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool { return ring.Len() == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	var got events.LifecycleEvent
	require.True(t, ring.TryConsume(&got))
	assert.Equal(t, life, got)
	require.True(t, ring.TryConsume(&got))
	assert.Equal(t, uint32(8), got.PID)
	assert.Equal(t, events.LifecycleExit, got.Kind)
	assert.Equal(t, uint64(1), r.rejected)
}
