package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/opensource-finance/credrisk/internal/domain"
)

// KafkaBus implements EventBus on Kafka topics. Records are keyed by message
// id with the envelope in headers. Work topics are consumed by the shared
// group so one trainer takes each request; other topics get a group per
// instance so every replica sees every record. Offsets are committed after
// the handler returns.
type KafkaBus struct {
	mu       sync.Mutex
	brokers  []string
	groupID  string
	instance string
	writers  map[string]*kafkago.Writer
	subs     map[string]*kafkaSubscription
	closed   bool
}

type kafkaSubscription struct {
	id     string
	topic  string
	reader *kafkago.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaBus creates a Kafka event bus. Connections are opened lazily.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("%w: kafka bus needs at least one broker", domain.ErrValidation)
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "credrisk"
	}
	return &KafkaBus{
		brokers:  cfg.KafkaBrokers,
		groupID:  groupID,
		instance: instanceName(cfg),
		writers:  make(map[string]*kafkago.Writer),
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

// Publish writes a message to the topic.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	w, err := b.writer(topic)
	if err != nil {
		return err
	}

	msg := newMessage(topic, payload)
	record := kafkago.Message{Key: []byte(msg.ID), Value: payload}
	for k, v := range envelopeHeaders(msg) {
		record.Headers = append(record.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}

	if err := w.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// readerConfig picks the consumer group for a topic. Fan-out groups are new
// per instance, so they start at the tail instead of replaying history.
func (b *KafkaBus) readerConfig(topic string) kafkago.ReaderConfig {
	cfg := kafkago.ReaderConfig{
		Brokers:     b.brokers,
		Topic:       topic,
		GroupID:     b.groupID,
		StartOffset: kafkago.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10 * 1024 * 1024, // 10 MB
	}
	if !domain.IsWorkTopic(topic) {
		cfg.GroupID = b.groupID + "." + b.instance
		cfg.StartOffset = kafkago.LastOffset
	}
	return cfg
}

// Subscribe starts a consumer-group reader for the topic.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	reader := kafkago.NewReader(b.readerConfig(topic))

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.subs[sub.id] = sub

	go sub.consume(subCtx, handler)

	return sub, nil
}

func (s *kafkaSubscription) consume(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)

	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				return
			}
			slog.Error("kafka fetch failed", "topic", s.topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		msg := recordMessage(m)
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error",
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
				"message_id", msg.ID,
				"error", err,
			)
		}

		if err := s.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			slog.Error("commit error",
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
				"error", err,
			)
		}
	}
}

func recordMessage(m kafkago.Message) *domain.Message {
	header := func(key string) string {
		for _, h := range m.Headers {
			if h.Key == key {
				return string(h.Value)
			}
		}
		return ""
	}
	msg := messageFromHeaders(m.Topic, m.Value, header, m.Time)
	if header(headerMessageID) == "" && len(m.Key) > 0 {
		msg.ID = string(m.Key)
	}
	msg.Metadata["partition"] = strconv.Itoa(m.Partition)
	msg.Metadata["offset"] = strconv.FormatInt(m.Offset, 10)
	return msg
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var errs []error
	for _, addr := range b.brokers {
		conn, err := kafkago.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn.Close()
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("no kafka broker reachable: %w", errors.Join(errs...))
}

// Close stops every subscription and flushes the writers.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for _, sub := range b.subs {
		errs = append(errs, sub.Unsubscribe())
	}
	for topic, w := range b.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing writer for topic %s: %w", topic, err))
		}
	}
	b.subs = make(map[string]*kafkaSubscription)
	b.writers = make(map[string]*kafkago.Writer)
	return errors.Join(errs...)
}

// writer lazily creates a writer for a topic.
func (b *KafkaBus) writer(topic string) (*kafkago.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if w, ok := b.writers[topic]; ok {
		return w, nil
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(b.brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	b.writers[topic] = w
	return w, nil
}

// Unsubscribe stops the reader and waits for the consumer to exit.
func (s *kafkaSubscription) Unsubscribe() error {
	s.cancel()
	<-s.done
	return s.reader.Close()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
