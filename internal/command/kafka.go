package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/log"
)

// KafkaCommand is the wire format of commands received from kafka.
//
//	{
//	  "version":    "v1",
//	  "target":     "ntp-01",
//	  "command":    "trap_set",
//	  "timestamp":  "2024-01-15T10:30:00Z",
//	  "request_id": "req-abc-123",
//	  "payload":    {"address": "192.0.2.50"}
//	}
type KafkaCommand struct {
	Version   string          `json:"version"`
	Target    string          `json:"target"` // hostname, or "*" for every node
	Command   string          `json:"command"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaCommandConsumer consumes commands from kafka and dispatches them to a handler.
type KafkaCommandConsumer struct {
	cfg      config.CommandKafkaConfig
	hostname string
	reader   messageReader
	handler  *CommandHandler
	ttl      time.Duration
	now      func() time.Time
	logger   log.Logger
}

// NewKafkaCommandConsumer creates a consumer for cfg. Commands addressed to
// another hostname or older than the command TTL are skipped.
func NewKafkaCommandConsumer(cfg config.CommandKafkaConfig, hostname string, handler *CommandHandler) (*KafkaCommandConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("group_id is required")
	}

	ttl := 5 * time.Minute
	if cfg.CommandTTL != "" {
		var err error
		if ttl, err = time.ParseDuration(cfg.CommandTTL); err != nil {
			return nil, fmt.Errorf("invalid command_ttl %q: %w", cfg.CommandTTL, err)
		}
	}

	startOffset := kafka.LastOffset
	if cfg.AutoOffsetReset == "earliest" {
		startOffset = kafka.FirstOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		StartOffset:    startOffset,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: time.Second,
		MaxWait:        time.Second,
	})

	return newKafkaCommandConsumer(cfg, hostname, reader, handler, ttl), nil
}

func newKafkaCommandConsumer(cfg config.CommandKafkaConfig, hostname string, r messageReader, h *CommandHandler, ttl time.Duration) *KafkaCommandConsumer {
	return &KafkaCommandConsumer{
		cfg:      cfg,
		hostname: hostname,
		reader:   r,
		handler:  h,
		ttl:      ttl,
		now:      time.Now,
		logger:   log.GetLogger().WithField("component", "kafka-command"),
	}
}

// Start consumes until ctx is cancelled.
func (c *KafkaCommandConsumer) Start(ctx context.Context) error {
	c.logger.WithFields(map[string]interface{}{
		"brokers":  c.cfg.Brokers,
		"topic":    c.cfg.Topic,
		"group_id": c.cfg.GroupID,
		"hostname": c.hostname,
		"ttl":      c.ttl,
	}).Info("kafka command consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("kafka command consumer stopped")
				return ctx.Err()
			}
			c.logger.WithError(err).Error("failed to fetch kafka message")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				continue
			}
		}

		if err := c.processMessage(ctx, msg); err != nil {
			c.logger.WithError(err).WithFields(map[string]interface{}{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Error("failed to process command")
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.WithError(err).Error("failed to commit message")
		}
	}
}

func (c *KafkaCommandConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var kc KafkaCommand
	if err := json.Unmarshal(msg.Value, &kc); err != nil {
		return fmt.Errorf("failed to parse kafka command: %w", err)
	}

	if kc.Target != "*" && kc.Target != "" && kc.Target != c.hostname {
		c.logger.WithField("target", kc.Target).WithField("request_id", kc.RequestID).
			Debug("skipping command not targeting this node")
		return nil
	}

	if !kc.Timestamp.IsZero() {
		if age := c.now().Sub(kc.Timestamp); age > c.ttl {
			c.logger.WithFields(map[string]interface{}{
				"command":    kc.Command,
				"request_id": kc.RequestID,
				"age":        age,
			}).Warn("skipping stale command")
			return nil
		}
	}

	resp := c.handler.Handle(ctx, Command{
		Method: kc.Command,
		Params: kc.Payload,
		ID:     kc.RequestID,
	})
	if resp.Error != nil {
		return fmt.Errorf("command %s (%s) failed: %w", kc.Command, kc.RequestID, resp.Error)
	}

	c.logger.WithField("method", kc.Command).WithField("request_id", kc.RequestID).Info("command executed")
	return nil
}

// Stop closes the reader. It is safe to call more than once.
func (c *KafkaCommandConsumer) Stop() error {
	if c.reader == nil {
		return nil
	}
	reader := c.reader
	c.reader = nil
	if err := reader.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}
	return nil
}
