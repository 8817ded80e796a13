package main

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveinatorx/data-pipeline/internal/config"
	"github.com/steveinatorx/data-pipeline/internal/rawsink"
)

var (
	consumerGroup   string
	autoOffsetReset string
	deadLetterTopic string
	rollMaxMB       int
	rollMaxBytes    int64
	rollMaxSeconds  int
)

var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Consume the event topic and land records as NDJSON",
	Long: `Consumes the event topic and appends every record to
<raw-dir>/<topic>/ingest_date=YYYY-MM-DD/part-NNNNN.ndjson.

Files are written under an .inprogress name and renamed when they roll
on size or age. Offsets are committed only after the data is fsynced.
On SIGINT/SIGTERM the sink commits, finalizes open files and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, "sink")
		if err != nil {
			return err
		}
		applySinkFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return runSink(cfg)
	},
}

func init() {
	sinkCmd.Flags().StringVarP(&consumerGroup, "group", "g", "", "Kafka consumer group ID")
	sinkCmd.Flags().StringVar(&autoOffsetReset, "auto-offset-reset", "", "starting offset without a committed position: earliest or latest")
	sinkCmd.Flags().StringVar(&deadLetterTopic, "dead-letter-topic", "", "forward undecodable records to this topic")
	sinkCmd.Flags().IntVar(&rollMaxMB, "roll-max-mb", 0, "roll raw files at this size in MB")
	sinkCmd.Flags().Int64Var(&rollMaxBytes, "roll-max-bytes", 0, "roll raw files at this size in bytes (overrides --roll-max-mb)")
	sinkCmd.Flags().IntVar(&rollMaxSeconds, "roll-max-seconds", 0, "roll raw files after this many seconds open")
}

func applySinkFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("group") {
		cfg.Kafka.ConsumerGroup = consumerGroup
	}
	if flags.Changed("auto-offset-reset") {
		cfg.Kafka.Consumer.AutoOffsetReset = autoOffsetReset
	}
	if flags.Changed("dead-letter-topic") {
		cfg.Kafka.DeadLetterTopic = deadLetterTopic
	}
	if flags.Changed("roll-max-mb") {
		cfg.Sink.RollMaxBytes = int64(rollMaxMB) * 1024 * 1024
	}
	if flags.Changed("roll-max-bytes") {
		cfg.Sink.RollMaxBytes = rollMaxBytes
	}
	if flags.Changed("roll-max-seconds") {
		cfg.Sink.RollMaxAge = time.Duration(rollMaxSeconds) * time.Second
	}
}

func runSink(cfg *config.Config) error {
	log.Printf("⚙️ Running sink: topic=%s group=%s raw_dir=%s roll=%d bytes/%s",
		cfg.Topic, cfg.Kafka.ConsumerGroup, cfg.Storage.RawDir, cfg.Sink.RollMaxBytes, cfg.Sink.RollMaxAge)

	ctx, cancel := signalContext()
	defer cancel()

	collector, finish, err := newCollector(ctx, cfg)
	if err != nil {
		return err
	}
	defer finish()

	// Finalize files a crashed predecessor left open before claiming new sequences
	recovered, err := rawsink.RecoverInProgress(cfg.Storage.RawDir, cfg.Topic)
	if err != nil {
		return fmt.Errorf("failed to recover in-progress files: %w", err)
	}
	if recovered > 0 {
		log.Printf("♻️ Finalized %d in-progress file(s) from a previous run", recovered)
	}

	writer, err := rawsink.NewRollingWriter(cfg.Storage.RawDir, cfg.Topic, cfg.Sink.RollMaxBytes, cfg.Sink.RollMaxAge,
		rawsink.WithWriterCollector(collector))
	if err != nil {
		return err
	}

	consumer, err := rawsink.NewKafkaConsumer(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			log.Printf("⚠️ Failed to close consumer: %v", err)
		}
	}()

	opts := []rawsink.Option{rawsink.WithCollector(collector)}
	if cfg.Kafka.DeadLetterTopic != "" {
		producer, err := rawsink.NewKafkaProducer(cfg)
		if err != nil {
			return err
		}
		defer producer.Close()
		opts = append(opts, rawsink.WithDeadLetterProducer(producer))
		log.Printf("📮 Undecodable records go to %s", cfg.Kafka.DeadLetterTopic)
	}

	sink, err := rawsink.NewSink(cfg, consumer, writer, opts...)
	if err != nil {
		return err
	}
	return sink.Run(ctx)
}
