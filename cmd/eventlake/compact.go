package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/steveinatorx/data-pipeline/internal/compactor"
	"github.com/steveinatorx/data-pipeline/internal/config"
	"github.com/steveinatorx/data-pipeline/internal/storage"
)

var (
	compactDate    string
	compactAll     bool
	rowsPerFile    int
	compression    string
	maxConcurrency int
	publish        bool
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite raw ingest dates as deduplicated Parquet",
	Long: `Reads the finalized raw files of an ingest date, keeps the latest record
per event_id and writes them sorted by event_id into Parquet files of at
most --rows-per-file rows under <out-dir>/<topic>/ingest_date=YYYY-MM-DD.

The previous output of the date is replaced atomically. With --publish
the partition is also mirrored to Azure Blob Storage.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, "compact")
		if err != nil {
			return err
		}
		applyCompactFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return runCompact(cfg)
	},
}

func init() {
	compactCmd.Flags().StringVar(&compactDate, "date", "", "ingest date to compact (YYYY-MM-DD)")
	compactCmd.Flags().BoolVar(&compactAll, "all", false, "compact every ingest date under the raw root")
	compactCmd.Flags().IntVar(&rowsPerFile, "rows-per-file", 0, "maximum rows per Parquet file")
	compactCmd.Flags().StringVar(&compression, "compression", "", "Parquet codec: zstd, snappy, gzip, none")
	compactCmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "dates compacted in parallel with --all")
	compactCmd.Flags().BoolVar(&publish, "publish", false, "mirror compacted partitions to Azure Blob Storage")
	compactCmd.MarkFlagsMutuallyExclusive("date", "all")
}

func applyCompactFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("date") {
		cfg.Compact.Date = compactDate
		cfg.Compact.AllDates = false
	}
	if flags.Changed("all") {
		cfg.Compact.AllDates = compactAll
		if compactAll {
			cfg.Compact.Date = ""
		}
	}
	if flags.Changed("rows-per-file") {
		cfg.Compact.RowsPerFile = rowsPerFile
	}
	if flags.Changed("compression") {
		cfg.Compact.Compression = compression
	}
	if flags.Changed("max-concurrency") {
		cfg.Compact.MaxConcurrency = maxConcurrency
	}
	if flags.Changed("publish") {
		cfg.Compact.Publish.Enabled = publish
	}
}

func runCompact(cfg *config.Config) error {
	ctx, cancel := signalContext()
	defer cancel()

	collector, finish, err := newCollector(ctx, cfg)
	if err != nil {
		return err
	}
	defer finish()

	opts := []compactor.Option{compactor.WithCollector(collector)}
	if p := cfg.Compact.Publish; p.Enabled {
		uploader, err := storage.NewBlobUploaderFromRegistry(p.RegistryPath, p.SubscriptionID, p.Environment)
		if err != nil {
			return err
		}
		opts = append(opts, compactor.WithPublisher(uploader, p.Container, p.Prefix))
	}

	c, err := compactor.New(cfg, opts...)
	if err != nil {
		return err
	}

	reports, err := c.Run(ctx, cfg.Compact)
	rows := 0
	for _, r := range reports {
		rows += r.RowsWritten
	}
	log.Printf("📊 Compacted %d ingest date(s), %d row(s) into %s", len(reports), rows, cfg.Storage.OutDir)
	return err
}
