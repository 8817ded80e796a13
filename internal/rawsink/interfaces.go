package rawsink

import (
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Consumer interface abstracts the Kafka consumer
type Consumer interface {
	Subscribe(topics []string, rebalanceCb kafka.RebalanceCb) error
	Poll(timeoutMs int) kafka.Event
	CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	Close() error
}

// Producer interface abstracts the dead-letter Kafka producer
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// Writer lands encoded lines into per-date raw files
type Writer interface {
	// Write appends line to the open file of date, rolling it first when
	// a threshold has been reached.
	Write(date string, line []byte) error
	// Sync flushes and fsyncs every open file.
	Sync() error
	// RollExpired rolls open files whose age threshold has passed.
	RollExpired() error
	// Close rolls every open file.
	Close() error
	// Abort closes open files without finalizing them.
	Abort() error
}
