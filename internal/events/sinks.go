package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// LogSink writes every event to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink builds a log-backed sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "event_log").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(_ context.Context, e Event) error {
	ev := s.logger.Debug()
	switch e.Type {
	case AlertNew, AlertCritical, MonitoringError:
		ev = s.logger.Info()
	}
	ev.Str("type", string(e.Type)).Str("account", e.AccountID).Interface("payload", e.Payload).Msg("event")
	return nil
}

// KafkaOptions configure the Kafka sink.
type KafkaOptions struct {
	Brokers []string
	Topic   string
}

// KafkaSink writes events to a Kafka topic keyed by account.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink builds a Kafka-backed sink.
func NewKafkaSink(opts KafkaOptions) (*KafkaSink, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaSink{writer: w}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, e Event) error {
	body, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(e.Key()),
		Value:   body,
		Time:    e.Time,
		Headers: []kafka.Header{{Key: "type", Value: []byte(e.Type)}},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// RedisOptions configure the Redis pub/sub sink.
type RedisOptions struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// RedisSink publishes events on channels named <prefix><type>.
type RedisSink struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSink builds a Redis-backed sink.
func NewRedisSink(opts RedisOptions) (*RedisSink, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis addr not configured")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisSinkWithClient(client, opts.ChannelPrefix), nil
}

// NewRedisSinkWithClient wraps an existing client.
func NewRedisSinkWithClient(client redis.UniversalClient, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "sentinel:"
	}
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) Name() string { return "redis" }

// Channel returns the pub/sub channel for an event type.
func (s *RedisSink) Channel(t Type) string {
	return s.prefix + strings.ReplaceAll(string(t), ":", ".")
}

func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	body, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(e.Type), body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// Filter forwards only the listed event types to the wrapped sink.
type Filter struct {
	Sink  Sink
	Types []Type
}

func (f Filter) Name() string { return f.Sink.Name() }

func (f Filter) Publish(ctx context.Context, e Event) error {
	for _, t := range f.Types {
		if t == e.Type {
			return f.Sink.Publish(ctx, e)
		}
	}
	return nil
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*KafkaSink)(nil)
	_ Sink = (*RedisSink)(nil)
	_ Sink = Filter{}
)
