// Package kafka publishes escalation payloads to a Kafka topic for the
// ticketing collaborator.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/vietddude/selfheal/internal/core/domain"
)

// Config holds broker settings.
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SASL         *SASLConfig   `yaml:"sasl,omitempty"`
}

// SASLConfig enables SASL_PLAINTEXT authentication.
type SASLConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mechanism {
	case "PLAIN", "plain", "":
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.Mechanism)
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Escalator writes one message per escalation, keyed by pattern and
// environment so the history of a pair lands on one partition.
type Escalator struct {
	writer messageWriter
	topic  string
}

// NewEscalator creates a synchronous producer so delivery errors reach the
// caller's retry loop.
func NewEscalator(cfg Config) (*Escalator, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	mechanism, err := buildSASLMechanism(cfg.SASL)
	if err != nil {
		return nil, fmt.Errorf("failed to build SASL mechanism: %w", err)
	}

	slog.Info("Kafka escalator configured", "brokers", cfg.Brokers, "topic", cfg.Topic, "sasl", mechanism != nil)

	return &Escalator{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			Transport:              &kafka.Transport{SASL: mechanism},
			RequiredAcks:           kafka.RequireAll,
			WriteTimeout:           cfg.WriteTimeout,
			ReadTimeout:            cfg.WriteTimeout,
		},
		topic: cfg.Topic,
	}, nil
}

// Escalate publishes the payload as JSON.
func (e *Escalator) Escalate(ctx context.Context, p domain.EscalationPayload) error {
	value, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(string(p.PatternID) + ":" + p.EnvironmentFingerprint),
		Value: value,
		Time:  p.CreatedAt,
		Headers: []kafka.Header{
			{Key: "reason", Value: []byte(p.Reason)},
		},
	}
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish escalation to %s: %w", e.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (e *Escalator) Close() error {
	return e.writer.Close()
}
