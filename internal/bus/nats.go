package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/credrisk/internal/domain"
)

// NATSBus implements EventBus on core NATS subjects named after the topics.
// Training requests are consumed through a queue group so one trainer takes
// each request; promotions and run events fan out to every subscriber.
type NATSBus struct {
	mu     sync.Mutex
	conn   *nats.Conn
	queue  string
	subs   map[*nats.Subscription]struct{}
	closed bool
}

type natsSubscription struct {
	bus   *NATSBus
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to NATS. An unreachable server is retried in the
// background up to NATSMaxReconnects times; Ping reports the state meanwhile.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}
	queue := cfg.NATSQueue
	if queue == "" {
		queue = "credrisk-trainers"
	}

	opts := []nats.Option{
		nats.Name("credrisk " + instanceName(cfg)),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats connected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				slog.Error("nats async error", "subject", sub.Subject, "error", err)
				return
			}
			slog.Error("nats async error", "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	conn, err := nats.Connect(cfg.NATSUrl, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.NATSUrl, err)
	}

	return &NATSBus{
		conn:  conn,
		queue: queue,
		subs:  make(map[*nats.Subscription]struct{}),
	}, nil
}

// Publish sends the payload as the message body with the envelope in headers.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.PublishMsg(natsMsg(newMessage(topic, payload))); err != nil {
		return fmt.Errorf("nats publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for the topic's subject.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	cb := func(m *nats.Msg) {
		msg := natsMessage(m, time.Now())
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	}

	var (
		ns  *nats.Subscription
		err error
	)
	if queue := b.queueFor(topic); queue != "" {
		ns, err = b.conn.QueueSubscribe(topic, queue, cb)
	} else {
		ns, err = b.conn.Subscribe(topic, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	b.subs[ns] = struct{}{}

	return &natsSubscription{bus: b, topic: topic, sub: ns}, nil
}

// queueFor returns the queue group for work topics and "" for fan-out.
func (b *NATSBus) queueFor(topic string) string {
	if domain.IsWorkTopic(topic) {
		return b.queue
	}
	return ""
}

// Ping flushes a round trip to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats not connected (status %s)", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains the subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for ns := range b.subs {
		if err := ns.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	b.subs = make(map[*nats.Subscription]struct{})
	b.conn.Close()
	return errors.Join(errs...)
}

func natsMsg(msg *domain.Message) *nats.Msg {
	m := nats.NewMsg(msg.Topic)
	m.Data = msg.Payload
	for k, v := range envelopeHeaders(msg) {
		m.Header.Set(k, v)
	}
	return m
}

func natsMessage(m *nats.Msg, received time.Time) *domain.Message {
	msg := messageFromHeaders(m.Subject, m.Data, m.Header.Get, received)
	msg.Metadata["subject"] = m.Subject
	if m.Sub != nil && m.Sub.Queue != "" {
		msg.Metadata["queue"] = m.Sub.Queue
	}
	return msg
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.sub)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
