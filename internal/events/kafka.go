package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/ntpctl/internal/config"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultMaxAttempts  = 3
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes records keyed by source, so one source stays on one
// kafka partition.
type KafkaSink struct {
	topic  string
	writer messageWriter
}

// NewKafkaSink builds a synchronous kafka writer.
func NewKafkaSink(kc config.EventKafkaConfig) (*KafkaSink, error) {
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if kc.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	batch := kc.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	wc := kafka.WriterConfig{
		Brokers:      kc.Brokers,
		Topic:        kc.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    batch,
		BatchTimeout: defaultBatchTimeout,
		MaxAttempts:  defaultMaxAttempts,
	}
	switch kc.Compression {
	case "none", "":
	case "gzip":
		wc.CompressionCodec = compress.Gzip.Codec()
	case "snappy":
		wc.CompressionCodec = compress.Snappy.Codec()
	case "lz4":
		wc.CompressionCodec = compress.Lz4.Codec()
	case "zstd":
		wc.CompressionCodec = compress.Zstd.Codec()
	default:
		return nil, fmt.Errorf("invalid compression type: %s", kc.Compression)
	}
	return &KafkaSink{topic: kc.Topic, writer: kafka.NewWriter(wc)}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, rec Record) error {
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.Source),
		Value: []byte(rec.Format()),
		Time:  rec.Time,
		Headers: []kafka.Header{
			{Key: "id", Value: []byte(rec.ID.String())},
			{Key: "source", Value: []byte(rec.Source)},
		},
	})
}

func (s *KafkaSink) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
