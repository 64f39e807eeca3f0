package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubSink publishes every CloudEvent to a Google Cloud Pub/Sub topic for
// durable, at-least-once delivery to the control plane. Messages are
// ordered per tenant.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink connects to projectID and creates topicID if it does not
// exist.
func NewPubSubSink(ctx context.Context, projectID, topicID string) (*PubSubSink, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true

	slog.Info("Connected to Pub/Sub topic", "project", projectID, "topic", topicID)
	return &PubSubSink{client: client, topic: topic}, nil
}

func (s *PubSubSink) Name() string { return "pubsub" }

// Send publishes without waiting for the server ack; the result is checked
// asynchronously so a slow broker never backs up the pump.
func (s *PubSubSink) Send(ctx context.Context, ev *CloudEvent) error {
	payload, err := ev.JSON()
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": ev.SpecVersion,
			"ce-type":        ev.Type,
			"ce-source":      ev.Source,
			"ce-id":          ev.ID,
			"ce-time":        ev.Time.Format(time.RFC3339Nano),
			"ce-tenantid":    ev.TenantID,
		},
		OrderingKey: ev.TenantID,
	}

	result := s.topic.Publish(ctx, msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			slog.Warn("Pub/Sub publish failed", "id", ev.ID, "type", ev.Type, "error", err)
			// an ordered key stays paused after a failure until resumed
			s.topic.ResumePublish(msg.OrderingKey)
		}
	}()
	return nil
}

// Close flushes pending messages and closes the client.
func (s *PubSubSink) Close() error {
	s.topic.Stop()
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

var _ Sink = (*PubSubSink)(nil)
