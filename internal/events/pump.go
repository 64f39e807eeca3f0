package events

import (
	"context"
	"time"
)

// Handler consumes decoded events off the rings.
type Handler interface {
	HandleAudit(ctx context.Context, ev SocketEvent)
	HandleEscrow(ctx context.Context, ev EscrowEvent)
	HandleLifecycle(ctx context.Context, ev LifecycleEvent)
}

// NopHandler can be embedded by handlers interested in a subset of events.
type NopHandler struct{}

func (NopHandler) HandleAudit(context.Context, SocketEvent)       {}
func (NopHandler) HandleEscrow(context.Context, EscrowEvent)      {}
func (NopHandler) HandleLifecycle(context.Context, LifecycleEvent) {}

// DefaultPollInterval is how long the pump sleeps when every ring is empty.
const DefaultPollInterval = 5 * time.Millisecond

// Pump is the single consumer of a Channels set. Each drained event is
// handed to every handler in order.
type Pump struct {
	ch       *Channels
	handlers []Handler
	interval time.Duration
}

// NewPump creates a pump over ch.
func NewPump(ch *Channels, interval time.Duration, handlers ...Handler) *Pump {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Pump{ch: ch, handlers: handlers, interval: interval}
}

// Run drains the rings until ctx is cancelled, then performs one final
// drain so events published before shutdown are not lost.
func (p *Pump) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if p.Drain(ctx) > 0 {
			select {
			case <-ctx.Done():
				p.Drain(context.Background())
				return
			default:
				continue
			}
		}
		select {
		case <-ctx.Done():
			p.Drain(context.Background())
			return
		case <-ticker.C:
		}
	}
}

// Drain consumes everything currently queued and returns the count.
func (p *Pump) Drain(ctx context.Context) int {
	n := 0

	var audit SocketEvent
	for p.ch.Audit.TryConsume(&audit) {
		for _, h := range p.handlers {
			h.HandleAudit(ctx, audit)
		}
		n++
	}

	var escrow EscrowEvent
	for p.ch.Escrow.TryConsume(&escrow) {
		for _, h := range p.handlers {
			h.HandleEscrow(ctx, escrow)
		}
		n++
	}

	var life LifecycleEvent
	for p.ch.Lifecycle.TryConsume(&life) {
		for _, h := range p.handlers {
			h.HandleLifecycle(ctx, life)
		}
		n++
	}
	return n
}
