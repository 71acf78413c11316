package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// DefaultRedisChannel is the pub/sub channel RedisSink publishes to.
const DefaultRedisChannel = "steward:events"

// RedisSink publishes events on a Redis pub/sub channel.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisSink wraps an existing client. An empty channel uses DefaultRedisChannel.
func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Publish(ctx context.Context, eventType contracts.EventType, payload map[string]any) error {
	data, err := newEvent(eventType, payload).encode()
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("notify: redis publish %s: %w", eventType, err)
	}
	return nil
}

// KafkaSink writes events to a Kafka topic, keyed by event type.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a writer for topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.LeastBytes{},
		},
	}
}

func (s *KafkaSink) Publish(ctx context.Context, eventType contracts.EventType, payload map[string]any) error {
	ev := newEvent(eventType, payload)
	data, err := ev.encode()
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(eventType),
		Value: data,
		Time:  ev.Timestamp,
	}); err != nil {
		return fmt.Errorf("notify: kafka write %s: %w", eventType, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// WebhookSink POSTs events as JSON to a URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

// NewWebhookSink creates a sink with a bounded HTTP client.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Client: &http.Client{Timeout: DefaultTimeout},
	}
}

func (s *WebhookSink) Publish(ctx context.Context, eventType contracts.EventType, payload map[string]any) error {
	data, err := newEvent(eventType, payload).encode()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("notify: webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Steward-Event", string(eventType))

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook %s: %w", eventType, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook %s: status %d", eventType, resp.StatusCode)
	}
	return nil
}
