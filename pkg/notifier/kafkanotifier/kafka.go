// Package kafkanotifier publishes reports to a Kafka topic.
package kafkanotifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/andrej220/opsflow/pkg/notifier"
	"github.com/andrej220/opsflow/pkg/registry"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Kind is the name the kafka notifier is registered under.
const Kind = "kafka"

type Config struct {
	notifier.BaseConfig `yaml:",inline"`
	Brokers             []string      `yaml:"brokers" validate:"required,min=1,dive,required"`
	Topic               string        `yaml:"topic" validate:"required"`
	AutoCreateTopic     bool          `yaml:"auto_create_topic"`
	Timeout             time.Duration `yaml:"timeout"`
}

func DefaultConfig() *Config {
	return &Config{Brokers: []string{"localhost:9092"}, Topic: "opsflow-reports", Timeout: 10 * time.Second}
}

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

var _ notifier.Notifier = (*Notifier)(nil)

type Notifier struct {
	name    string
	topic   string
	timeout time.Duration
	writer  messageWriter
	logger  lg.Logger
}

func New(name string, cfg *Config, logger lg.Logger) *Notifier {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		Async:                  false,
		AllowAutoTopicCreation: cfg.AutoCreateTopic,
	}
	return newWithWriter(name, cfg, w, logger)
}

func newWithWriter(name string, cfg *Config, w messageWriter, logger lg.Logger) *Notifier {
	return &Notifier{name: name, topic: cfg.Topic, timeout: cfg.Timeout, writer: w, logger: logger}
}

func (n *Notifier) Name() string { return n.name }

// Notify publishes one message keyed by a fresh UUID.
func (n *Notifier) Notify(ctx context.Context, subject, message string) error {
	value, err := json.Marshal(notifier.NewMessage(subject, message))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	key := uuid.New()
	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   key[:],
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			n.logger.Error("Kafka topic does not exist",
				lg.String("topic", n.topic),
				lg.String("action", "Create the topic manually or enable auto_create_topic"))
		}
		return fmt.Errorf("publish to %s: %w", n.topic, err)
	}
	n.logger.Info("Report published", lg.String("topic", n.topic), lg.String("key", key.String()))
	return nil
}

// Close flushes and closes the underlying writer.
func (n *Notifier) Close() error {
	return n.writer.Close()
}

// Definition describes a kafka notifier called name. defaults seeds every
// fresh configuration; nil means DefaultConfig.
func Definition(name string, defaults func() *Config) registry.Definition {
	if defaults == nil {
		defaults = DefaultConfig
	}
	return registry.Definition{
		Name:        name,
		Description: "Publishes the report to a Kafka topic",
		Prototype:   (*Notifier)(nil),
		Config:      func() registry.Config { return defaults() },
		New: func(cfg registry.Config, logger lg.Logger) (any, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, fmt.Errorf("kafka: unexpected config type %T", cfg)
			}
			return New(name, c, logger), nil
		},
	}
}

// Register adds the kafka notifier to reg under Kind.
func Register(reg *registry.Registry) error {
	return reg.Register(Definition(Kind, nil))
}
