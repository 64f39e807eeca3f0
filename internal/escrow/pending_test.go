package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/enforcer/internal/events"
)

// fakeHash is an in-memory RedisHash.
type fakeHash struct {
	data map[string]map[string]string
}

func newFakeHash() *fakeHash { return &fakeHash{data: map[string]map[string]string{}} }

func (f *fakeHash) HSet(_ context.Context, key, field string, value []byte) error {
	if f.data[key] == nil {
		f.data[key] = map[string]string{}
	}
	f.data[key][field] = string(value)
	return nil
}

func (f *fakeHash) HGet(_ context.Context, key, field string) ([]byte, error) {
	v, ok := f.data[key][field]
	if !ok {
		return nil, ErrFieldMissing
	}
	return []byte(v), nil
}

func (f *fakeHash) HGetAll(_ context.Context, key string) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range f.data[key] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeHash) HDel(_ context.Context, key string, fields ...string) (int64, error) {
	var n int64
	for _, field := range fields {
		if _, ok := f.data[key][field]; ok {
			delete(f.data[key], field)
			n++
		}
	}
	return n, nil
}

func TestPendingStores(t *testing.T) {
	stores := map[string]PendingStore{
		"memory": NewMemoryPending(),
		"redis":  NewRedisPending(newFakeHash(), ""),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

			second := Pending{ID: "b", Event: events.EscrowEvent{PID: 2, DataSize: 4096}, CreatedAt: base.Add(time.Second)}
			first := Pending{ID: "a", Event: events.EscrowEvent{PID: 1}, Assessment: Assessment{Outcome: OutcomeReview, Reason: "r"}, CreatedAt: base}
			require.NoError(t, s.Put(ctx, second))
			require.NoError(t, s.Put(ctx, first))

			got, err := s.Get(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, uint32(4096), got.Event.DataSize)

			list, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "a", list[0].ID)
			assert.Equal(t, "r", list[0].Assessment.Reason)

			require.NoError(t, s.Delete(ctx, "a"))
			assert.ErrorIs(t, s.Delete(ctx, "a"), ErrUnknownEscrow)
			_, err = s.Get(ctx, "a")
			assert.ErrorIs(t, err, ErrUnknownEscrow)
		})
	}
}
