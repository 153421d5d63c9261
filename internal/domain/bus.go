package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels, NATS or Kafka.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "kafka"
	Type string `yaml:"type"`

	// Channel settings
	ChannelBufferSize int `yaml:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `yaml:"nats_url"`
	NATSToken         string `yaml:"nats_token"`
	NATSMaxReconnects int    `yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `yaml:"nats_reconnect_wait"` // seconds

	// NATSQueue is the queue group shared by training workers.
	NATSQueue string `yaml:"nats_queue"`

	// Kafka settings
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaGroupID string   `yaml:"kafka_group_id"`

	// InstanceID names this process on broadcast subscriptions. Empty means
	// hostname plus a random suffix.
	InstanceID string `yaml:"instance_id"`
}

// Standard topic names for the training lifecycle.
const (
	TopicTrainingRequested = "credrisk.training.requested"
	TopicRunCompleted      = "credrisk.run.completed"
	TopicModelPromoted     = "credrisk.model.promoted"
)

// IsWorkTopic reports whether a topic is a work queue: each message goes to
// one subscriber of the group. Every other topic is delivered to all
// subscribers, so each serving replica sees every promotion.
func IsWorkTopic(topic string) bool {
	return topic == TopicTrainingRequested
}

// TrainingRequest is the payload of TopicTrainingRequested.
type TrainingRequest struct {
	RequestID   string `json:"requestId"`
	RequestedAt int64  `json:"requestedAt"`
}

// RunCompleted is the payload of TopicRunCompleted.
type RunCompleted struct {
	RequestID string  `json:"requestId"`
	RunID     string  `json:"runId"`
	Family    string  `json:"family"`
	Status    string  `json:"status"`
	ROCAUC    float64 `json:"rocAuc,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// ModelPromoted is the payload of TopicModelPromoted.
type ModelPromoted struct {
	RequestID string          `json:"requestId"`
	Model     RegisteredModel `json:"model"`
}
