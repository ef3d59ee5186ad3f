package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"traffic-congestion-monitor/internal/models"
)

// DefaultKafkaTopic is the topic events are written to
const DefaultKafkaTopic = "traffic.congestion.events"

var (
	errNoBrokers    = errors.New("at least one kafka broker is required")
	errWriterClosed = errors.New("kafka writer closed")
)

// KafkaConfig selects the cluster and topic
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes every event as JSON, keyed by sensor uid so each
// sensor's events stay ordered within a partition.
type KafkaPublisher struct {
	writer kafkaMessageWriter
	topic  string
	log    *slog.Logger
	closed chan struct{}
}

// NewKafkaPublisher creates a publisher writing to cfg.Topic
func NewKafkaPublisher(cfg KafkaConfig, log *slog.Logger) (*KafkaPublisher, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errNoBrokers
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultKafkaTopic
	}
	if log == nil {
		log = slog.Default()
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisherWithWriter(cfg.Topic, w, log), nil
}

func newKafkaPublisherWithWriter(topic string, w kafkaMessageWriter, log *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		topic:  topic,
		log:    log.With("component", "kafka_publisher", "topic", topic),
		closed: make(chan struct{}),
	}
}

func (p *KafkaPublisher) ID() string { return "kafka:" + p.topic }

func (p *KafkaPublisher) Durable() bool { return true }

// Deliver writes ev; ctx bounds the write
func (p *KafkaPublisher) Deliver(ctx context.Context, ev models.Event) error {
	select {
	case <-p.closed:
		return errWriterClosed
	default:
	}

	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Reading.UID),
		Value: value,
		Time:  ev.Reading.ReceivedAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "status", Value: []byte(ev.Prediction.Status)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	select {
	case <-p.closed:
		return nil
	default:
		close(p.closed)
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	p.log.Info("kafka publisher closed")
	return nil
}
