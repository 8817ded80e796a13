package compactor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go/compress"
	"golang.org/x/sync/errgroup"

	"github.com/steveinatorx/data-pipeline/events"
	"github.com/steveinatorx/data-pipeline/internal/config"
	"github.com/steveinatorx/data-pipeline/internal/metrics"
	"github.com/steveinatorx/data-pipeline/internal/storage"
)

// PartitionNotFoundError is returned when a requested ingest date has no
// finalized raw files
type PartitionNotFoundError struct {
	Topic string
	Date  string
	Dir   string
}

func (e *PartitionNotFoundError) Error() string {
	return fmt.Sprintf("no finalized raw files for topic %s ingest_date=%s in %s", e.Topic, e.Date, e.Dir)
}

// Report summarizes the rewrite of one ingest date
type Report struct {
	Date              string
	FilesRead         int
	LinesRead         int
	DecodeErrors      int
	DuplicatesDropped int
	RowsWritten       int
	FilesWritten      int
	OutputDir         string
	Duration          time.Duration
}

func (r *Report) String() string {
	return fmt.Sprintf("ingest_date=%s files_read=%d lines=%d decode_errors=%d duplicates=%d rows=%d files_written=%d",
		r.Date, r.FilesRead, r.LinesRead, r.DecodeErrors, r.DuplicatesDropped, r.RowsWritten, r.FilesWritten)
}

// publisher mirrors published partitions to blob storage
type publisher struct {
	uploader  storage.BlobUploader
	container string
	prefix    string
}

// Compactor rewrites raw partitions of one topic as deduplicated Parquet
type Compactor struct {
	rawDir         string
	outDir         string
	topic          string
	rowsPerFile    int
	maxConcurrency int
	codec          compress.Codec

	collector metrics.Collector
	publisher *publisher
}

// Option configures a Compactor
type Option func(*Compactor)

// WithCollector reports counters to c
func WithCollector(c metrics.Collector) Option {
	return func(cp *Compactor) { cp.collector = c }
}

// WithPublisher mirrors every published partition to container under prefix
func WithPublisher(uploader storage.BlobUploader, container, prefix string) Option {
	return func(cp *Compactor) {
		cp.publisher = &publisher{uploader: uploader, container: container, prefix: prefix}
	}
}

// New creates a compactor from the storage and compact sections of cfg
func New(cfg *config.Config, opts ...Option) (*Compactor, error) {
	if cfg.Compact.RowsPerFile <= 0 {
		return nil, fmt.Errorf("rows_per_file must be positive, got %d", cfg.Compact.RowsPerFile)
	}
	codec, err := codecFor(cfg.Compact.Compression)
	if err != nil {
		return nil, err
	}

	c := &Compactor{
		rawDir:         cfg.Storage.RawDir,
		outDir:         cfg.Storage.OutDir,
		topic:          cfg.Topic,
		rowsPerFile:    cfg.Compact.RowsPerFile,
		maxConcurrency: max(cfg.Compact.MaxConcurrency, 1),
		codec:          codec,
		collector:      metrics.NewSimpleCollector(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run compacts the date named in cfg, or every date when all-dates mode is
// set
func (c *Compactor) Run(ctx context.Context, cfg config.CompactConfig) ([]*Report, error) {
	if cfg.AllDates {
		return c.RunAll(ctx)
	}
	report, err := c.RunDate(ctx, cfg.Date)
	if err != nil {
		return nil, err
	}
	return []*Report{report}, nil
}

// RunDate rewrites one ingest date. The previous output of the date is
// replaced as a whole; nothing is published when an error occurs.
func (c *Compactor) RunDate(ctx context.Context, date string) (*Report, error) {
	if _, err := events.ParseIngestDate(date); err != nil {
		return nil, err
	}

	start := time.Now()
	rawDir := events.PartitionDir(c.rawDir, c.topic, date)
	files, err := events.ListRawFiles(rawDir, false)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, storage.Wrap("list", rawDir, err)
	}
	if len(files) == 0 {
		return nil, &PartitionNotFoundError{Topic: c.topic, Date: date, Dir: rawDir}
	}

	log.Printf("🔄 Compacting %s ingest_date=%s (%d raw file(s))", c.topic, date, len(files))

	dedup := newDeduper()
	stats, err := readPartition(ctx, files, dedup.add)
	if err != nil {
		return nil, fmt.Errorf("failed to read ingest_date=%s: %w", date, err)
	}
	records := dedup.sorted()

	report := &Report{
		Date:              date,
		FilesRead:         stats.filesRead,
		LinesRead:         stats.linesRead,
		DecodeErrors:      stats.decodeErrors,
		DuplicatesDropped: dedup.dropped(),
		RowsWritten:       len(records),
		OutputDir:         events.PartitionDir(c.outDir, c.topic, date),
	}

	if report.FilesWritten, err = c.publish(ctx, date, records); err != nil {
		return nil, fmt.Errorf("failed to publish ingest_date=%s: %w", date, err)
	}
	c.collector.PartitionsPublished(date)

	if c.publisher != nil {
		if err := c.mirror(ctx, date, report.OutputDir); err != nil {
			return nil, fmt.Errorf("failed to mirror ingest_date=%s: %w", date, err)
		}
	}

	report.Duration = time.Since(start)
	c.collector.DecodeErrors("compactor", report.DecodeErrors)
	c.collector.DuplicatesDropped(date, report.DuplicatesDropped)
	c.collector.RowsCompacted(date, report.RowsWritten)

	log.Printf("✅ Compacted %s in %s", report, report.Duration.Round(time.Millisecond))
	return report, nil
}

// publish writes records into a staging directory and swaps it in for the
// partition's previous output. The staging area is removed on every path.
func (c *Compactor) publish(ctx context.Context, date string, records []*events.Envelope) (int, error) {
	topicOut := events.TopicDir(c.outDir, c.topic)
	staging, err := storage.NewStagingDir(topicOut)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			log.Printf("⚠️ Failed to remove staging directory %s: %v", staging, err)
		}
	}()

	stagedPartition := filepath.Join(staging, events.PartitionDirPrefix+date)
	files, err := writeChunks(stagedPartition, date, records, c.rowsPerFile, c.codec)
	if err != nil {
		return 0, err
	}

	// Cancellation wins over a late publish
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := storage.ReplaceDir(stagedPartition, events.PartitionDir(c.outDir, c.topic, date)); err != nil {
		return 0, err
	}
	return files, nil
}

func (c *Compactor) mirror(ctx context.Context, date, localDir string) error {
	prefix := path.Join(c.publisher.prefix, c.topic, events.PartitionDirPrefix+date)
	n, err := storage.MirrorPartition(ctx, c.publisher.uploader, c.publisher.container, localDir, prefix)
	if err != nil {
		return err
	}
	log.Printf("☁️ Mirrored %d file(s) to %s/%s", n, c.publisher.container, prefix)
	return nil
}

// RunAll compacts every ingest date present under the raw root, at most
// maxConcurrency dates at a time. Dates without finalized files are skipped.
// A failed date does not stop the others; all failures are returned joined.
func (c *Compactor) RunAll(ctx context.Context) ([]*Report, error) {
	dates, err := events.ListIngestDates(c.rawDir, c.topic)
	if err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return nil, fmt.Errorf("no ingest_date partitions found under %s", events.TopicDir(c.rawDir, c.topic))
	}

	log.Printf("📋 Compacting %d ingest date(s) with concurrency %d", len(dates), c.maxConcurrency)

	reports := make([]*Report, len(dates))
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(c.maxConcurrency)
	for i, date := range dates {
		g.Go(func() error {
			report, err := c.RunDate(ctx, date)
			var notFound *PartitionNotFoundError
			switch {
			case errors.As(err, &notFound):
				log.Printf("⏭️ Skipping ingest_date=%s: no finalized raw files", date)
			case err != nil:
				log.Printf("❌ ingest_date=%s failed: %v", date, err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			default:
				reports[i] = report
			}
			return nil
		})
	}
	g.Wait()

	var done []*Report
	for _, r := range reports {
		if r != nil {
			done = append(done, r)
		}
	}
	return done, errors.Join(errs...)
}
