package bus

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/credrisk/internal/domain"
)

func TestKafkaReaderGroups(t *testing.T) {
	kb, err := NewKafkaBus(domain.EventBusConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaGroupID: "risk",
		InstanceID:   "serve-a",
	})
	require.NoError(t, err)
	defer kb.Close()

	t.Run("TrainingRequestsShareGroup", func(t *testing.T) {
		cfg := kb.readerConfig(domain.TopicTrainingRequested)
		assert.Equal(t, "risk", cfg.GroupID)
		assert.Equal(t, kafkago.FirstOffset, cfg.StartOffset)
	})

	t.Run("PromotionsReachEveryReplica", func(t *testing.T) {
		other, err := NewKafkaBus(domain.EventBusConfig{
			KafkaBrokers: []string{"localhost:9092"},
			KafkaGroupID: "risk",
			InstanceID:   "serve-b",
		})
		require.NoError(t, err)
		defer other.Close()

		for _, topic := range []string{domain.TopicModelPromoted, domain.TopicRunCompleted} {
			a := kb.readerConfig(topic)
			b := other.readerConfig(topic)
			assert.Equal(t, "risk.serve-a", a.GroupID)
			assert.NotEqual(t, a.GroupID, b.GroupID, topic)
			assert.Equal(t, kafkago.LastOffset, a.StartOffset)
		}
	})

	t.Run("GeneratedInstanceNamesDiffer", func(t *testing.T) {
		cfg := domain.EventBusConfig{KafkaBrokers: []string{"localhost:9092"}}
		a, err := NewKafkaBus(cfg)
		require.NoError(t, err)
		b, err := NewKafkaBus(cfg)
		require.NoError(t, err)
		defer a.Close()
		defer b.Close()

		assert.NotEqual(t,
			a.readerConfig(domain.TopicModelPromoted).GroupID,
			b.readerConfig(domain.TopicModelPromoted).GroupID)
	})
}

func TestKafkaRecordMessage(t *testing.T) {
	sent := newMessage(domain.TopicModelPromoted, []byte(`{"version":3}`))
	record := kafkago.Message{
		Topic:     domain.TopicModelPromoted,
		Partition: 2,
		Offset:    41,
		Key:       []byte(sent.ID),
		Value:     sent.Payload,
		Time:      time.Unix(0, 0),
	}
	for k, v := range envelopeHeaders(sent) {
		record.Headers = append(record.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}

	got := recordMessage(record)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, sent.Timestamp, got.Timestamp)
	assert.Equal(t, `{"version":3}`, string(got.Payload))
	assert.Equal(t, "2", got.Metadata["partition"])
	assert.Equal(t, "41", got.Metadata["offset"])

	t.Run("KeyWithoutHeaders", func(t *testing.T) {
		got := recordMessage(kafkago.Message{Topic: "t", Key: []byte("k-1"), Value: []byte("x"), Time: time.Unix(5, 0)})
		assert.Equal(t, "k-1", got.ID)
		assert.Equal(t, time.Unix(5, 0).UnixNano(), got.Timestamp)
	})
}

func TestNATSEnvelope(t *testing.T) {
	sent := newMessage(domain.TopicRunCompleted, []byte(`{"run_id":"r1"}`))

	m := natsMsg(sent)
	assert.Equal(t, domain.TopicRunCompleted, m.Subject)
	assert.Equal(t, sent.Payload, m.Data)
	assert.Equal(t, sent.ID, m.Header.Get(headerMessageID))

	got := natsMessage(m, time.Now())
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, sent.Timestamp, got.Timestamp)
	assert.Equal(t, domain.TopicRunCompleted, got.Topic)
	assert.Equal(t, domain.TopicRunCompleted, got.Metadata["subject"])

	t.Run("BareMessage", func(t *testing.T) {
		received := time.Unix(100, 0)
		got := natsMessage(&nats.Msg{Subject: "x", Data: []byte("raw")}, received)
		assert.NotEmpty(t, got.ID)
		assert.Equal(t, received.UnixNano(), got.Timestamp)
		assert.Equal(t, "raw", string(got.Payload))
	})
}

func TestNATSQueueGroups(t *testing.T) {
	b := &NATSBus{queue: "trainers"}
	assert.Equal(t, "trainers", b.queueFor(domain.TopicTrainingRequested))
	assert.Empty(t, b.queueFor(domain.TopicModelPromoted))
	assert.Empty(t, b.queueFor(domain.TopicRunCompleted))
}
