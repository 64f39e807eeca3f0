// Package enforce implements the send and connect hooks: the verdict and
// trust state machine that admits, blocks or holds every socket action.
package enforce

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocx/enforcer/internal/escrow"
	"github.com/ocx/enforcer/internal/events"
	"github.com/ocx/enforcer/internal/metrics"
	"github.com/ocx/enforcer/internal/policy"
	"github.com/ocx/enforcer/internal/statestore"
)

// Action is one intercepted socket operation.
type Action struct {
	Op       events.Op
	PID      uint32
	TID      uint32
	CgroupID uint64
	Size     uint32
	// ToolHash is the resolved tool identifier hash, 0 when unknown.
	ToolHash uint64
	Flow     events.Flow
}

// Engine decides socket actions. It reads the state store and never
// writes the verdict map; verdicts are the control plane's.
type Engine struct {
	store      *statestore.Store
	classifier *escrow.Classifier
	gate       *escrow.Gate
	audit      *events.Ring[events.SocketEvent]
	pol        policy.Policy
	now        func() uint64

	decisions [2][3]prometheus.Counter
	escrowed  [2]prometheus.Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the monotonic clock used for event timestamps.
func WithClock(now func() uint64) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics counts decisions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.bindMetrics(m) }
}

// NewEngine wires the hooks to store and the outbound channels.
func NewEngine(store *statestore.Store, ch *events.Channels, p policy.Policy, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		classifier: escrow.NewClassifier(store.Tools, p),
		gate:       escrow.NewGate(ch.Escrow, p.Trace),
		audit:      ch.Audit,
		pol:        p,
		now:        events.Now,
	}
	e.bindMetrics(metrics.New(nil))
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) bindMetrics(m *metrics.Metrics) {
	for _, op := range []events.Op{events.OpSend, events.OpConnect} {
		e.decisions[op][Admit] = m.Decisions.WithLabelValues(op.String(), metrics.OutcomeAdmit)
		e.decisions[op][Deny] = m.Decisions.WithLabelValues(op.String(), metrics.OutcomeDeny)
		e.decisions[op][Retry] = m.Decisions.WithLabelValues(op.String(), metrics.OutcomeRetry)
		e.escrowed[op] = m.Decisions.WithLabelValues(op.String(), metrics.OutcomeEscrow)
	}
}

// OnSend is the sendmsg hook.
func (e *Engine) OnSend(a Action) Decision {
	a.Op = events.OpSend
	return e.decide(a)
}

// OnConnect is the connect hook. Connects carry no payload.
func (e *Engine) OnConnect(a Action) Decision {
	a.Op = events.OpConnect
	a.Size = 0
	return e.decide(a)
}

func (e *Engine) decide(a Action) Decision {
	d := e.evaluate(a)
	e.decisions[a.Op&1][d].Inc()
	return d
}

func (e *Engine) evaluate(a Action) Decision {
	verdict, hasVerdict := e.store.Verdict.Lookup(a.PID)
	trust, ok := e.store.Trust.Lookup(a.PID)
	if !ok {
		trust = e.pol.DefaultTrust
	}

	if hasVerdict {
		switch verdict {
		case statestore.VerdictAllow:
		case statestore.VerdictBlock:
			e.emit(a, trust, true)
			return Deny
		case statestore.VerdictHold:
			if e.pol.Trace {
				slog.Debug("Action held pending verdict", "pid", a.PID, "op", a.Op.String())
			}
			return Retry
		default:
			// unknown values are treated as not yet decided
			return Retry
		}
	}
	explicitAllow := hasVerdict && verdict == statestore.VerdictAllow

	present, _ := e.store.Entitlements.Lookup(a.PID)
	cls := e.classifier.Classify(a.ToolHash, trust, a.Size, present)
	if cls.Class == statestore.ClassB && !explicitAllow {
		id, _ := e.store.Identity.Lookup(a.PID)
		e.gate.Hold(escrow.Request{
			PID:        a.PID,
			TID:        a.TID,
			CgroupID:   a.CgroupID,
			Timestamp:  e.now(),
			TenantID:   id.TenantID,
			BinaryHash: id.BinaryHash,
			Trust:      trust,
			Size:       a.Size,
		}, cls)
		e.escrowed[a.Op&1].Inc()
		return Retry
	}

	if trust < e.pol.TrustFloor || (e.pol.FailClosed && !explicitAllow) {
		e.emit(a, trust, true)
		return Deny
	}
	e.emit(a, trust, false)
	return Admit
}

func (e *Engine) emit(a Action, trust uint32, blocked bool) {
	id, _ := e.store.Identity.Lookup(a.PID)
	ev := events.SocketEvent{
		PID:        a.PID,
		TID:        a.TID,
		CgroupID:   a.CgroupID,
		Timestamp:  e.now(),
		BinaryHash: id.BinaryHash,
		TenantID:   id.TenantID,
		Action:     statestore.VerdictAllow,
		TrustLevel: trust,
		SrcIP:      a.Flow.SrcIP,
		DstIP:      a.Flow.DstIP,
		SrcPort:    a.Flow.SrcPort,
		DstPort:    a.Flow.DstPort,
		DataSize:   a.Size,
		Protocol:   a.Flow.Protocol,
		Op:         a.Op,
	}
	if blocked {
		ev.Action = statestore.VerdictBlock
		ev.Blocked = 1
	}
	e.audit.TryPublish(ev)
}
