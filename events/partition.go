package events

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Layout constants shared by the raw sink and the compactor.
// Raw:      <root>/<topic>/ingest_date=YYYY-MM-DD/part-00000.ndjson
// Columnar: <root>/<topic>/ingest_date=YYYY-MM-DD/part-00000.parquet
const (
	IngestDateLayout   = "2006-01-02"
	PartitionDirPrefix = "ingest_date="

	RawExtension        = ".ndjson"
	InProgressExtension = ".inprogress"
	ColumnarExtension   = ".parquet"

	filePrefix = "part-"
)

// IngestDate returns the partition key for an ingest timestamp (UTC date).
func IngestDate(t time.Time) string {
	return t.UTC().Format(IngestDateLayout)
}

// ParseIngestDate validates a YYYY-MM-DD partition key.
func ParseIngestDate(date string) (time.Time, error) {
	t, err := time.Parse(IngestDateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("ingest date must be in YYYY-MM-DD format: %w", err)
	}
	return t, nil
}

// TopicDir is the directory holding every partition of a topic under root.
func TopicDir(root, topic string) string {
	return filepath.Join(root, topic)
}

// PartitionDir is the directory of one ingest-date partition.
func PartitionDir(root, topic, date string) string {
	return filepath.Join(root, topic, PartitionDirPrefix+date)
}

// RawFileName is the finalized name of raw file seq.
func RawFileName(seq int) string {
	return fmt.Sprintf("%s%05d%s", filePrefix, seq, RawExtension)
}

// InProgressFileName is the name a raw file carries while the sink still
// appends to it. The compactor never reads files with this name.
func InProgressFileName(seq int) string {
	return RawFileName(seq) + InProgressExtension
}

// ColumnarFileName is the name of columnar output file seq.
func ColumnarFileName(seq int) string {
	return fmt.Sprintf("%s%05d%s", filePrefix, seq, ColumnarExtension)
}

// ParseRawFileName extracts the sequence number from a raw file name.
// inProgress reports whether the name is an in-progress file.
func ParseRawFileName(name string) (seq int, inProgress bool, ok bool) {
	if strings.HasSuffix(name, InProgressExtension) {
		inProgress = true
		name = strings.TrimSuffix(name, InProgressExtension)
	}
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, RawExtension) {
		return 0, false, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), RawExtension)
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, false, false
	}
	return n, inProgress, true
}

// RawFile is one raw file discovered on disk.
type RawFile struct {
	Path       string
	Sequence   int
	InProgress bool
}

// ListRawFiles returns the raw files of a partition directory ordered by
// sequence. In-progress files are included only when includeInProgress is set.
func ListRawFiles(dir string, includeInProgress bool) ([]RawFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []RawFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		seq, inProgress, ok := ParseRawFileName(entry.Name())
		if !ok || (inProgress && !includeInProgress) {
			continue
		}
		files = append(files, RawFile{
			Path:       filepath.Join(dir, entry.Name()),
			Sequence:   seq,
			InProgress: inProgress,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Sequence < files[j].Sequence
	})
	return files, nil
}

// ListIngestDates returns the sorted ingest dates that have a partition
// directory under root/topic. A missing topic directory yields no dates.
func ListIngestDates(root, topic string) ([]string, error) {
	entries, err := os.ReadDir(TopicDir(root, topic))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions under %s: %w", TopicDir(root, topic), err)
	}

	var dates []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), PartitionDirPrefix) {
			continue
		}
		date := strings.TrimPrefix(entry.Name(), PartitionDirPrefix)
		if _, err := ParseIngestDate(date); err != nil {
			continue
		}
		dates = append(dates, date)
	}

	sort.Strings(dates)
	return dates, nil
}
