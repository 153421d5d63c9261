package bus

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/credrisk/internal/domain"
)

// New creates a new event bus based on configuration.
// "channel" is in-process, "nats" and "kafka" connect to a broker.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	case "kafka":
		return NewKafkaBus(cfg)

	default:
		return nil, fmt.Errorf("%w: unsupported event bus type: %s", domain.ErrValidation, cfg.Type)
	}
}

// Broker transports carry the message envelope in headers and the payload
// as the raw body.
const (
	headerMessageID   = "Credrisk-Message-Id"
	headerPublishedAt = "Credrisk-Published-At"
)

func envelopeHeaders(msg *domain.Message) map[string]string {
	return map[string]string{
		headerMessageID:   msg.ID,
		headerPublishedAt: strconv.FormatInt(msg.Timestamp, 10),
	}
}

// messageFromHeaders rebuilds a Message from a delivered body. Missing or
// malformed envelope headers fall back to a fresh id and the given time.
func messageFromHeaders(topic string, payload []byte, header func(string) string, received time.Time) *domain.Message {
	msg := newMessage(topic, payload)
	if id := header(headerMessageID); id != "" {
		msg.ID = id
	}
	msg.Timestamp = received.UnixNano()
	if ts, err := strconv.ParseInt(header(headerPublishedAt), 10, 64); err == nil {
		msg.Timestamp = ts
	}
	return msg
}

// instanceName identifies this process on fan-out subscriptions.
func instanceName(cfg domain.EventBusConfig) string {
	if cfg.InstanceID != "" {
		return cfg.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "credrisk"
	}
	return host + "-" + uuid.NewString()[:8]
}
