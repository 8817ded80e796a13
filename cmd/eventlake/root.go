package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveinatorx/data-pipeline/internal/config"
	"github.com/steveinatorx/data-pipeline/internal/metrics"
)

var (
	configPath string
	brokers    string
	topic      string
	rawDir     string
	outDir     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "eventlake",
	Short: "Land a Kafka event topic on disk and compact it into Parquet",
	Long: `Moves business events from a Kafka topic into durable, queryable storage.

The sink consumes the topic and lands every record as date-partitioned
NDJSON files, committing offsets only after the files are fsynced.
The compactor rewrites one or all ingest dates as deduplicated Parquet.

Examples:
  # Land the events topic under ./data/raw
  eventlake sink --brokers localhost:9092 --topic events

  # Roll raw files at 1 MB or after an hour
  eventlake sink --roll-max-mb 1 --roll-max-seconds 3600

  # Compact one ingest date
  eventlake compact --date 2026-02-05 --rows-per-file 250000

  # Compact every ingest date present under the raw root
  eventlake compact --all

  # Check broker connectivity and the topic
  eventlake check-kafka --brokers localhost:9092 --topic events`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: environment variables)")
	rootCmd.PersistentFlags().StringVar(&brokers, "brokers", "", "Kafka brokers (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&topic, "topic", "t", "", "event topic (overrides config)")
	rootCmd.PersistentFlags().StringVar(&rawDir, "raw-dir", "", "raw NDJSON root (overrides config)")
	rootCmd.PersistentFlags().StringVar(&outDir, "out-dir", "", "Parquet output root (overrides config)")

	rootCmd.AddCommand(sinkCmd, compactCmd, checkKafkaCmd)
}

// loadConfig loads file or environment configuration for mode and applies
// the flags the user set explicitly
func loadConfig(cmd *cobra.Command, mode string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Mode = mode

	flags := cmd.Flags()
	if flags.Changed("brokers") {
		cfg.Kafka.Brokers = brokers
	}
	if flags.Changed("topic") {
		cfg.Topic = topic
	}
	if flags.Changed("raw-dir") {
		cfg.Storage.RawDir = rawDir
	}
	if flags.Changed("out-dir") {
		cfg.Storage.OutDir = outDir
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("🛑 Received signal %v, shutting down gracefully...", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// newCollector always keeps in-process totals and adds OpenTelemetry
// counters when an OTLP endpoint is configured. The returned func logs the
// totals and flushes the exporter.
func newCollector(ctx context.Context, cfg *config.Config) (metrics.Collector, func(), error) {
	simple := metrics.NewSimpleCollector()

	provider, err := metrics.NewProvider(ctx, cfg.Metrics.OTLPEndpoint, cfg.Metrics.ServiceName, cfg.Metrics.ExportInterval)
	if err != nil {
		return nil, nil, err
	}

	var collector metrics.Collector = simple
	if cfg.Metrics.OTLPEndpoint != "" {
		otelCollector, err := metrics.NewOTelCollector(provider.MeterProvider)
		if err != nil {
			provider.Shutdown(ctx)
			return nil, nil, err
		}
		collector = metrics.Multi{simple, otelCollector}
	}

	finish := func() {
		log.Printf("📊 %s", simple.Snapshot())
		// ctx may already be cancelled by a signal
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️ Failed to flush metrics: %v", err)
		}
	}
	return collector, finish, nil
}
