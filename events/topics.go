package events

// Kafka Topics
// These constants define the default topics the landing pipeline reads and writes
const (
	// TopicEvents carries business event envelopes produced upstream
	TopicEvents = "events"

	// TopicDeadLetter receives records the raw sink could not decode
	TopicDeadLetter = "events.deadletter"
)

// Dead-letter message headers set by the raw sink
const (
	HeaderError           = "error"
	HeaderSourceTopic     = "source_topic"
	HeaderSourcePartition = "source_partition"
	HeaderSourceOffset    = "source_offset"
)
