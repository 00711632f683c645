package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka sink
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes notices to a topic, keyed by case so one case's
// notices land on one partition in order
type KafkaSink struct {
	topic  string
	writer messageWriter
	logger *zap.SugaredLogger
}

// NewKafkaSink creates a Kafka sink. Brokers are dialled lazily on first write.
func NewKafkaSink(cfg KafkaConfig, logger *zap.SugaredLogger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaSink(cfg.Topic, writer, logger), nil
}

func newKafkaSink(topic string, writer messageWriter, logger *zap.SugaredLogger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &KafkaSink{topic: topic, writer: writer, logger: logger}
}

// Name implements Sink
func (k *KafkaSink) Name() string { return "kafka" }

// Send implements Sink
func (k *KafkaSink) Send(ctx context.Context, notice ExecutionNotice) error {
	value, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal kafka payload: %w", err)
	}
	key := notice.CaseID
	if key == "" {
		key = notice.ExecutionID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  notice.CompletedAt,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(notice.Status)},
			{Key: "tool_id", Value: []byte(notice.ToolID)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to kafka topic %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
