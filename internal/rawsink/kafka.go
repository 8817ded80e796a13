package rawsink

import (
	"fmt"
	"log"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/steveinatorx/data-pipeline/internal/config"
)

// NewKafkaConsumer creates a consumer with auto-commit disabled; the sink
// commits explicitly after each checkpoint
func NewKafkaConsumer(cfg *config.Config) (*KafkaConsumerAdapter, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":    cfg.Kafka.Brokers,
		"group.id":             cfg.Kafka.ConsumerGroup,
		"auto.offset.reset":    cfg.Kafka.Consumer.AutoOffsetReset,
		"enable.auto.commit":   false,
		"session.timeout.ms":   cfg.Kafka.Consumer.SessionTimeoutMs,
		"enable.partition.eof": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	return &KafkaConsumerAdapter{consumer: consumer}, nil
}

// NewKafkaProducer creates the dead-letter producer
func NewKafkaProducer(cfg *config.Config) (*KafkaProducerAdapter, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Kafka.Brokers,
		"acks":               cfg.Kafka.Producer.Acks,
		"enable.idempotence": true,
		"linger.ms":          5,
		"compression.type":   "lz4",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return &KafkaProducerAdapter{producer: producer}, nil
}

// CheckConnection fetches cluster metadata and logs every broker. When topic
// is set it also reports the topic's partitions.
func CheckConnection(brokers, topic string) error {
	log.Printf("🔍 Testing Kafka connection to: %s", brokers)

	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
	})
	if err != nil {
		return fmt.Errorf("failed to create test producer: %w", err)
	}
	defer producer.Close()

	var topicPtr *string
	if topic != "" {
		topicPtr = &topic
	}
	metadata, err := producer.GetMetadata(topicPtr, topicPtr == nil, 5000)
	if err != nil {
		return fmt.Errorf("failed to get metadata: %w", err)
	}

	log.Printf("✅ Connected to Kafka cluster with %d brokers", len(metadata.Brokers))
	for _, broker := range metadata.Brokers {
		log.Printf("  - Broker %d: %s:%d", broker.ID, broker.Host, broker.Port)
	}

	if topic != "" {
		tm, ok := metadata.Topics[topic]
		if !ok || tm.Error.Code() != kafka.ErrNoError {
			return &BrokerError{Op: "metadata", Err: fmt.Errorf("topic %s unavailable: %v", topic, tm.Error)}
		}
		log.Printf("✅ Topic %s has %d partition(s)", topic, len(tm.Partitions))
	}
	return nil
}

// KafkaConsumerAdapter adapts the Kafka consumer to Consumer
type KafkaConsumerAdapter struct {
	consumer *kafka.Consumer
}

func (a *KafkaConsumerAdapter) Subscribe(topics []string, rebalanceCb kafka.RebalanceCb) error {
	return a.consumer.SubscribeTopics(topics, rebalanceCb)
}

func (a *KafkaConsumerAdapter) Poll(timeoutMs int) kafka.Event {
	return a.consumer.Poll(timeoutMs)
}

func (a *KafkaConsumerAdapter) CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
	return a.consumer.CommitOffsets(offsets)
}

func (a *KafkaConsumerAdapter) GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error) {
	return a.consumer.GetMetadata(topic, allTopics, timeoutMs)
}

func (a *KafkaConsumerAdapter) Close() error {
	return a.consumer.Close()
}

// KafkaProducerAdapter adapts the Kafka producer to Producer
type KafkaProducerAdapter struct {
	producer *kafka.Producer
}

func (a *KafkaProducerAdapter) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	return a.producer.Produce(msg, deliveryChan)
}

func (a *KafkaProducerAdapter) Events() chan kafka.Event {
	return a.producer.Events()
}

func (a *KafkaProducerAdapter) Flush(timeoutMs int) int {
	return a.producer.Flush(timeoutMs)
}

func (a *KafkaProducerAdapter) Close() {
	a.producer.Close()
}
