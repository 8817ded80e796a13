package rawsink

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/steveinatorx/data-pipeline/events"
	"github.com/steveinatorx/data-pipeline/internal/config"
	"github.com/steveinatorx/data-pipeline/internal/metrics"
)

const metadataTimeoutMs = 10000

// Sink consumes the event topic and lands every record into date-partitioned
// raw files. Offsets are committed only after the files holding the records
// have been flushed and fsynced.
type Sink struct {
	config    *config.Config
	consumer  Consumer
	producer  Producer // dead letters; nil when disabled
	writer    Writer
	collector metrics.Collector
	now       func() time.Time

	// State owned by the consuming loop (the rebalance callback runs inside Poll)
	pending        map[int32]kafka.TopicPartition // next offset to commit per partition
	pendingRecords int
	lastCheckpoint time.Time
	processed      int64
	decodeErrors   int64
	fatalErr       error
}

// Option configures a Sink
type Option func(*Sink)

// WithClock replaces time.Now for ingest stamping and commit cadence
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// WithCollector reports counters to c
func WithCollector(c metrics.Collector) Option {
	return func(s *Sink) { s.collector = c }
}

// WithDeadLetterProducer forwards undecodable records to the dead-letter topic
func WithDeadLetterProducer(p Producer) Option {
	return func(s *Sink) { s.producer = p }
}

// NewSink creates a sink reading with consumer and writing through writer
func NewSink(cfg *config.Config, consumer Consumer, writer Writer, opts ...Option) (*Sink, error) {
	if consumer == nil || writer == nil {
		return nil, fmt.Errorf("consumer and writer are required")
	}

	s := &Sink{
		config:    cfg,
		consumer:  consumer,
		writer:    writer,
		collector: metrics.NewSimpleCollector(),
		now:       time.Now,
		pending:   make(map[int32]kafka.TopicPartition),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.producer != nil && cfg.Kafka.DeadLetterTopic == "" {
		return nil, fmt.Errorf("dead-letter producer given without dead_letter_topic")
	}
	return s, nil
}

// Run consumes until ctx is cancelled or a fatal error occurs. On
// cancellation it checkpoints and finalizes every open file. On a fatal
// error nothing further is committed.
func (s *Sink) Run(ctx context.Context) error {
	topic := s.config.Topic

	if err := s.verifyTopic(topic); err != nil {
		return err
	}

	if err := s.consumer.Subscribe([]string{topic}, s.rebalance); err != nil {
		return s.brokerErr("subscribe", err)
	}
	log.Printf("📋 Subscribed to topic %s as group %s", topic, s.config.Kafka.ConsumerGroup)

	if s.producer != nil {
		go s.handleProducerEvents()
	}

	s.lastCheckpoint = s.now()
	if err := s.loop(ctx); err != nil {
		log.Printf("❌ Stopping without commit: %v", err)
		s.halt(err)
		if abortErr := s.writer.Abort(); abortErr != nil {
			log.Printf("⚠️ Failed to close open files: %v", abortErr)
		}
		return err
	}

	log.Printf("🛑 Shutting down, checkpointing %d pending record(s)...", s.pendingRecords)
	if err := s.checkpoint("shutdown"); err != nil {
		s.halt(err)
		s.writer.Abort()
		return err
	}
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize open files: %w", err)
	}

	log.Printf("✅ Sink stopped. processed=%d decode_errors=%d", s.processed, s.decodeErrors)
	return nil
}

// verifyTopic fails fast when the topic is missing or not readable
func (s *Sink) verifyTopic(topic string) error {
	md, err := s.consumer.GetMetadata(&topic, false, metadataTimeoutMs)
	if err != nil {
		return &BrokerError{Op: "metadata", Err: err}
	}

	tm, ok := md.Topics[topic]
	if !ok {
		return &BrokerError{Op: "metadata", Err: kafka.NewError(kafka.ErrUnknownTopicOrPart, "topic "+topic+" not found", false)}
	}
	if tm.Error.Code() != kafka.ErrNoError {
		return &BrokerError{Op: "metadata", Err: tm.Error}
	}

	log.Printf("✅ Topic %s has %d partition(s)", topic, len(tm.Partitions))
	return nil
}

func (s *Sink) loop(ctx context.Context) error {
	pollTimeout := s.config.Sink.PollTimeoutMs

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ev := s.consumer.Poll(pollTimeout)
		if s.fatalErr != nil {
			return s.fatalErr
		}

		switch e := ev.(type) {
		case nil:
		case *kafka.Message:
			if err := s.handleMessage(e); err != nil {
				return err
			}
		case kafka.Error:
			if isFatal(e) {
				return s.brokerErr("consume", e)
			}
			log.Printf("⚠️ Kafka error (client will retry): %v", e)
		default:
			s.handleNonMessageEvent(ev)
		}

		// A date that stops receiving writes still rolls by age under load
		if err := s.writer.RollExpired(); err != nil {
			return err
		}

		if s.checkpointDue() {
			if err := s.checkpoint("interval"); err != nil {
				return err
			}
		}
	}
}

func (s *Sink) handleMessage(msg *kafka.Message) error {
	if msg.TopicPartition.Error != nil {
		if isFatal(msg.TopicPartition.Error) {
			return s.brokerErr("consume", msg.TopicPartition.Error)
		}
		log.Printf("⚠️ Consume error on partition %d: %v", msg.TopicPartition.Partition, msg.TopicPartition.Error)
		return nil
	}

	env, err := events.DecodeIncoming(msg.Value)
	if err == nil {
		// Parquet keeps microseconds; truncating here keeps raw and columnar identical
		env.IngestTime = s.now().UTC().Truncate(time.Microsecond)

		var line []byte
		if line, err = events.EncodeLine(env); err == nil {
			date := events.IngestDate(env.IngestTime)
			if writeErr := s.writer.Write(date, line); writeErr != nil {
				return writeErr
			}
			s.collector.RecordsLanded(date, 1)
			s.processed++
		}
	}
	if err != nil {
		s.reportDecodeError(msg, err)
	}

	s.track(msg.TopicPartition)

	if every := int64(s.config.Sink.ProgressEvery); every > 0 && s.processed > 0 && s.processed%every == 0 && err == nil {
		log.Printf("📊 processed=%d", s.processed)
	}
	return nil
}

// track records the offset after tp as the next one to commit
func (s *Sink) track(tp kafka.TopicPartition) {
	next := tp
	next.Offset = tp.Offset + 1
	next.Metadata = nil
	next.Error = nil
	s.pending[tp.Partition] = next
	s.pendingRecords++
}

func (s *Sink) reportDecodeError(msg *kafka.Message, err error) {
	s.decodeErrors++
	s.collector.DecodeErrors("sink", 1)

	topic := ""
	if msg.TopicPartition.Topic != nil {
		topic = *msg.TopicPartition.Topic
	}
	log.Printf("⚠️ Skipping undecodable record topic=%s partition=%d offset=%d: %v",
		topic, msg.TopicPartition.Partition, msg.TopicPartition.Offset, err)

	if s.producer == nil {
		return
	}

	deadLetterTopic := s.config.Kafka.DeadLetterTopic
	dl := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &deadLetterTopic,
			Partition: kafka.PartitionAny,
		},
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: events.HeaderError, Value: []byte(err.Error())},
			{Key: events.HeaderSourceTopic, Value: []byte(topic)},
			{Key: events.HeaderSourcePartition, Value: []byte(strconv.Itoa(int(msg.TopicPartition.Partition)))},
			{Key: events.HeaderSourceOffset, Value: []byte(strconv.FormatInt(int64(msg.TopicPartition.Offset), 10))},
		},
	}
	if produceErr := s.producer.Produce(dl, nil); produceErr != nil {
		log.Printf("❌ Failed to forward record at offset %d to %s: %v", msg.TopicPartition.Offset, deadLetterTopic, produceErr)
	}
}

func (s *Sink) checkpointDue() bool {
	if s.pendingRecords == 0 {
		return false
	}
	return s.pendingRecords >= s.config.Sink.CommitMaxRecords ||
		s.now().Sub(s.lastCheckpoint) >= s.config.Sink.CommitInterval
}

// checkpoint makes every landed record durable and then commits the pending
// offsets. A storage error returns before anything is committed.
func (s *Sink) checkpoint(reason string) error {
	if s.fatalErr != nil {
		return s.fatalErr
	}
	if err := s.writer.Sync(); err != nil {
		return err
	}

	if s.producer != nil {
		if remaining := s.producer.Flush(s.config.Kafka.Producer.FlushTimeoutMs); remaining > 0 {
			log.Printf("⚠️ %d dead-letter record(s) still in flight after flush", remaining)
		}
	}

	s.lastCheckpoint = s.now()
	if len(s.pending) == 0 {
		s.pendingRecords = 0
		return nil
	}

	offsets := make([]kafka.TopicPartition, 0, len(s.pending))
	for _, tp := range s.pending {
		offsets = append(offsets, tp)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i].Partition < offsets[j].Partition })

	if _, err := s.consumer.CommitOffsets(offsets); err != nil {
		if isFatal(err) {
			return s.brokerErr("commit", err)
		}
		// Pending offsets stay queued for the next checkpoint
		log.Printf("⚠️ Commit failed (%s), will retry: %v", reason, err)
		return nil
	}

	s.collector.OffsetsCommitted(len(offsets))
	s.pending = make(map[int32]kafka.TopicPartition)
	s.pendingRecords = 0
	return nil
}

// halt drops uncommitted offsets after a fatal error. Open files may hold
// bytes that were never fsynced, so nothing may be committed from here on,
// including from the revoke that Close triggers.
func (s *Sink) halt(err error) {
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.pending = make(map[int32]kafka.TopicPartition)
	s.pendingRecords = 0
}

// rebalance is invoked from within Poll on the consuming goroutine, and from
// Close after Run has returned
func (s *Sink) rebalance(_ *kafka.Consumer, ev kafka.Event) error {
	switch e := ev.(type) {
	case kafka.AssignedPartitions:
		log.Printf("📥 Assigned %d partition(s)", len(e.Partitions))
	case kafka.RevokedPartitions:
		if s.fatalErr != nil {
			log.Printf("🛑 Releasing %d partition(s) without commit after fatal error", len(e.Partitions))
			return nil
		}
		log.Printf("📤 Revoking %d partition(s), checkpointing first", len(e.Partitions))
		if err := s.checkpoint("rebalance"); err != nil {
			s.fatalErr = err
			return err
		}
		// Offsets we could not commit will be redelivered to the new owner
		for _, tp := range e.Partitions {
			delete(s.pending, tp.Partition)
		}
	}
	return nil
}

func (s *Sink) handleNonMessageEvent(event kafka.Event) {
	switch e := event.(type) {
	case kafka.OffsetsCommitted:
		if e.Error != nil {
			log.Printf("⚠️ Offset commit reported error: %v", e.Error)
		}
	case kafka.PartitionEOF:
		log.Printf("📭 Reached end of partition %d", e.Partition)
	default:
		log.Printf("🤔 Unhandled event type: %T", event)
	}
}

// handleProducerEvents logs dead-letter delivery failures
func (s *Sink) handleProducerEvents() {
	for event := range s.producer.Events() {
		switch e := event.(type) {
		case *kafka.Message:
			if e.TopicPartition.Error != nil {
				log.Printf("❌ Failed to deliver dead-letter record: %v", e.TopicPartition.Error)
			}
		case kafka.Error:
			log.Printf("⚠️ Dead-letter producer error: %v", e)
		}
	}
}

func (s *Sink) brokerErr(op string, err error) error {
	var be *BrokerError
	if errors.As(err, &be) {
		return err
	}
	return &BrokerError{Op: op, Err: err}
}
