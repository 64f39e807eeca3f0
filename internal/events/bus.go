package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// CloudEvent types emitted by the engine.
const (
	TypeEnforcement = "ocx.enforcement.decision"
	TypeEscrow      = "ocx.escrow.request"
	TypeLifecycle   = "ocx.identity.lifecycle"
)

// CloudEvent is the CloudEvents 1.0 envelope used by every sink.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	TenantID    string                 `json:"tenantid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent creates a CloudEvents 1.0 compliant event.
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.New().String(),
		Time:        time.Now(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

func tenant(id uint32) string {
	if id == 0 {
		return ""
	}
	return "tenant-" + strconv.FormatUint(uint64(id), 10)
}

func hex64(v uint64) string {
	return fmt.Sprintf("%016x", v)
}

// FromSocket wraps an enforcement audit record.
func FromSocket(source string, ev SocketEvent) *CloudEvent {
	ce := NewCloudEvent(TypeEnforcement, source, "pid/"+strconv.FormatUint(uint64(ev.PID), 10), map[string]interface{}{
		"pid":         ev.PID,
		"tid":         ev.TID,
		"cgroup_id":   ev.CgroupID,
		"timestamp":   ev.Timestamp,
		"binary_hash": hex64(ev.BinaryHash),
		"tenant_id":   ev.TenantID,
		"op":          ev.Op.String(),
		"action":      ev.Action.String(),
		"trust":       ev.TrustLevel,
		"data_size":   ev.DataSize,
		"src_ip":      ev.SrcIP,
		"dst_ip":      ev.DstIP,
		"src_port":    ev.SrcPort,
		"dst_port":    ev.DstPort,
		"protocol":    ev.Protocol,
		"blocked":     ev.Blocked != 0,
	})
	ce.TenantID = tenant(ev.TenantID)
	return ce
}

// FromEscrow wraps an escrow record.
func FromEscrow(source string, ev EscrowEvent) *CloudEvent {
	ce := NewCloudEvent(TypeEscrow, source, "pid/"+strconv.FormatUint(uint64(ev.PID), 10), map[string]interface{}{
		"pid":                   ev.PID,
		"tid":                   ev.TID,
		"cgroup_id":             ev.CgroupID,
		"timestamp":             ev.Timestamp,
		"tool_hash":             hex64(ev.ToolHash),
		"action_class":          ev.ActionClass.String(),
		"tenant_id":             ev.TenantID,
		"binary_hash":           hex64(ev.BinaryHash),
		"trust":                 ev.TrustLevel,
		"reversibility_index":   ev.ReversibilityIndex,
		"required_entitlements": ev.RequiredEntitlements,
		"present_entitlements":  ev.PresentEntitlements,
		"entitlement_valid":     ev.EntitlementValid != 0,
		"data_size":             ev.DataSize,
		"verdict":               ev.Verdict.String(),
	})
	ce.TenantID = tenant(ev.TenantID)
	return ce
}

// FromLifecycle wraps an identity propagation record.
func FromLifecycle(source string, ev LifecycleEvent) *CloudEvent {
	return NewCloudEvent(TypeLifecycle, source, "pid/"+strconv.FormatUint(uint64(ev.PID), 10), map[string]interface{}{
		"pid":        ev.PID,
		"parent_pid": ev.ParentPID,
		"kind":       ev.Kind.String(),
		"agent_id":   ev.Agent(),
		"timestamp":  ev.Timestamp,
	})
}

// Sink delivers CloudEvents somewhere outside the process.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev *CloudEvent) error
}

// Bus fans decoded events out to every configured sink. A failing sink is
// logged and skipped; it never affects the other sinks or the hooks.
type Bus struct {
	source string
	sinks  []Sink
}

// NewBus creates a bus stamping events with source.
func NewBus(source string, sinks ...Sink) *Bus {
	return &Bus{source: source, sinks: sinks}
}

// Add registers another sink. Not safe once the pump is running.
func (b *Bus) Add(s Sink) {
	b.sinks = append(b.sinks, s)
}

// Sinks returns the registered sinks.
func (b *Bus) Sinks() []Sink {
	return b.sinks
}

func (b *Bus) publish(ctx context.Context, ce *CloudEvent) {
	for _, s := range b.sinks {
		if err := s.Send(ctx, ce); err != nil {
			slog.Warn("Sink delivery failed", "sink", s.Name(), "type", ce.Type, "error", err)
		}
	}
}

func (b *Bus) HandleAudit(ctx context.Context, ev SocketEvent) {
	b.publish(ctx, FromSocket(b.source, ev))
}

func (b *Bus) HandleEscrow(ctx context.Context, ev EscrowEvent) {
	b.publish(ctx, FromEscrow(b.source, ev))
}

func (b *Bus) HandleLifecycle(ctx context.Context, ev LifecycleEvent) {
	b.publish(ctx, FromLifecycle(b.source, ev))
}

var _ Handler = (*Bus)(nil)
