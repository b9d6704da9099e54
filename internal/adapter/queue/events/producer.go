// Package events streams terminal call-status events to Kafka/Redpanda for
// downstream analytics. Publishing is fire-and-forget: the webhook path is
// never blocked on the broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/campaign-dialer/internal/adapter/observability"
	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

// Producer implements domain.CallEventPublisher over a Kafka topic.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the brokers.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.NewProducer: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.RequestRetries(5),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.NewProducer: %w", err)
	}
	slog.Info("call-event producer created", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Producer{client: client, topic: topic}, nil
}

// PublishCallEvent produces one event keyed by campaign so per-campaign
// ordering is preserved. Delivery errors are logged, not returned: the
// stream is telemetry, not state.
func (p *Producer) PublishCallEvent(ctx domain.Context, ev domain.CallEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=events.publish: %w", err)
	}
	key := ev.CampaignID
	if key == "" {
		key = ev.CallLogID
	}
	record := &kgo.Record{Topic: p.topic, Key: []byte(key), Value: b}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			observability.CallEventsPublishedTotal.WithLabelValues("broker_error").Inc()
			slog.Warn("call event delivery failed",
				slog.String("call_log_id", ev.CallLogID), slog.Any("error", err))
		}
	})
	return nil
}

// Close flushes and releases the client.
func (p *Producer) Close() error {
	if err := p.client.Flush(context.Background()); err != nil {
		return err
	}
	p.client.Close()
	return nil
}
