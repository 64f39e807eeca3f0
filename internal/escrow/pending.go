package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ocx/enforcer/internal/events"
)

// Pending is an escrow request parked for a human decision.
type Pending struct {
	ID         string             `json:"id"`
	Event      events.EscrowEvent `json:"event"`
	Assessment Assessment         `json:"assessment"`
	CreatedAt  time.Time          `json:"created_at"`
}

// PendingStore persists parked requests. Get returns ErrUnknownEscrow for
// ids it does not hold.
type PendingStore interface {
	Put(ctx context.Context, p Pending) error
	Get(ctx context.Context, id string) (Pending, error)
	List(ctx context.Context) ([]Pending, error)
	Delete(ctx context.Context, id string) error
}

// MemoryPending keeps parked requests in process memory.
type MemoryPending struct {
	mu    sync.RWMutex
	items map[string]Pending
}

func NewMemoryPending() *MemoryPending {
	return &MemoryPending{items: make(map[string]Pending)}
}

func (m *MemoryPending) Put(_ context.Context, p Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[p.ID] = p
	return nil
}

func (m *MemoryPending) Get(_ context.Context, id string) (Pending, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.items[id]
	if !ok {
		return Pending{}, ErrUnknownEscrow
	}
	return p, nil
}

// List returns requests oldest first.
func (m *MemoryPending) List(_ context.Context) ([]Pending, error) {
	m.mu.RLock()
	out := make([]Pending, 0, len(m.items))
	for _, p := range m.items {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sortPending(out)
	return out, nil
}

func (m *MemoryPending) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrUnknownEscrow
	}
	delete(m.items, id)
	return nil
}

// RedisHash is the slice of a Redis client RedisPending needs. HGet must
// return ErrFieldMissing when the field is absent.
type RedisHash interface {
	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
}

// ErrFieldMissing is what a RedisHash returns for an absent field.
var ErrFieldMissing = errors.New("redis: hash field not found")

// RedisPending shares parked requests between control-plane replicas in a
// single Redis hash keyed by escrow id.
type RedisPending struct {
	client RedisHash
	key    string
}

// NewRedisPending stores requests under key (default "ocx:escrow:pending").
func NewRedisPending(client RedisHash, key string) *RedisPending {
	if key == "" {
		key = "ocx:escrow:pending"
	}
	return &RedisPending{client: client, key: key}
}

func (r *RedisPending) Put(ctx context.Context, p Pending) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending %s: %w", p.ID, err)
	}
	return r.client.HSet(ctx, r.key, p.ID, data)
}

func (r *RedisPending) Get(ctx context.Context, id string) (Pending, error) {
	data, err := r.client.HGet(ctx, r.key, id)
	if errors.Is(err, ErrFieldMissing) {
		return Pending{}, ErrUnknownEscrow
	}
	if err != nil {
		return Pending{}, err
	}
	var p Pending
	if err := json.Unmarshal(data, &p); err != nil {
		return Pending{}, fmt.Errorf("decode pending %s: %w", id, err)
	}
	return p, nil
}

func (r *RedisPending) List(ctx context.Context) ([]Pending, error) {
	all, err := r.client.HGetAll(ctx, r.key)
	if err != nil {
		return nil, err
	}
	out := make([]Pending, 0, len(all))
	for id, raw := range all {
		var p Pending
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode pending %s: %w", id, err)
		}
		out = append(out, p)
	}
	sortPending(out)
	return out, nil
}

func (r *RedisPending) Delete(ctx context.Context, id string) error {
	n, err := r.client.HDel(ctx, r.key, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownEscrow
	}
	return nil
}

func sortPending(items []Pending) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

var (
	_ PendingStore = (*MemoryPending)(nil)
	_ PendingStore = (*RedisPending)(nil)
)
