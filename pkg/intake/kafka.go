package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"domainproxy/pkg/models"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Message is one envelope read from the intake topic. Key, when set, is used
// as the idempotency key.
type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type KafkaConsumer struct {
	reader kafkaReader
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: r}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Key: msg.Key, Value: msg.Value}, nil
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// DecodeMessage reads a {"<type>Request": [...]} envelope whose single key
// names the message type.
func DecodeMessage(value []byte) (models.RequestType, []json.RawMessage, error) {
	var envelope map[string][]json.RawMessage
	if err := json.Unmarshal(value, &envelope); err != nil {
		return 0, nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(envelope) != 1 {
		return 0, nil, fmt.Errorf("envelope must carry exactly one request field, got %d", len(envelope))
	}
	for field, items := range envelope {
		t, err := models.ParseRequestType(field)
		if err != nil || field != t.RequestField() {
			return 0, nil, fmt.Errorf("unknown request field %q", field)
		}
		return t, items, nil
	}
	return 0, nil, errors.New("unreachable")
}

// Consume feeds envelopes from c into s until ctx ends. Malformed or invalid
// envelopes are logged and skipped; read errors back off briefly.
func Consume(ctx context.Context, c Consumer, s *Service, logger *zap.Logger, backoff time.Duration) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	for {
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("intake read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		t, items, err := DecodeMessage(msg.Value)
		if err != nil {
			logger.Warn("intake message dropped", zap.Error(err))
			continue
		}
		receipt, err := s.Submit(ctx, t, items, SourceKafka, string(msg.Key))
		if err != nil {
			logger.Warn("intake batch rejected", zap.String("request_type", t.String()), zap.Error(err))
			continue
		}
		logger.Debug("intake batch accepted",
			zap.String("request_type", t.String()),
			zap.Int("count", len(receipt.RequestIDs)),
			zap.Bool("replayed", receipt.Replayed),
		)
	}
}
