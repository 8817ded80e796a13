package compactor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveinatorx/data-pipeline/events"
	"github.com/steveinatorx/data-pipeline/internal/config"
	"github.com/steveinatorx/data-pipeline/internal/metrics"
	"github.com/steveinatorx/data-pipeline/internal/storage"
)

const scenarioDate = "2026-02-05"

func createTestConfig(root string, rowsPerFile int) *config.Config {
	return &config.Config{
		Mode:  "compact",
		Topic: "events",
		Storage: config.StorageConfig{
			RawDir: filepath.Join(root, "raw"),
			OutDir: filepath.Join(root, "parquet"),
		},
		Compact: config.CompactConfig{
			RowsPerFile:    rowsPerFile,
			Compression:    "zstd",
			MaxConcurrency: 2,
		},
	}
}

func envelopeLine(id, ingestClock, payload string) string {
	return fmt.Sprintf(`{"event_id":%q,"event_type":"order.created","schema_version":2,"event_time":"%sT09:00:00Z","ingest_time":"%sT%sZ","tenant_id":"t-1","payload":%s}`,
		id, scenarioDate, scenarioDate, ingestClock, payload)
}

func writeRaw(t *testing.T, cfg *config.Config, date, name string, lines ...string) {
	t.Helper()
	dir := events.PartitionDir(cfg.Storage.RawDir, cfg.Topic, date)
	require.NoError(t, os.MkdirAll(dir, 0755))
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

// writeScenario lays out three raw files of 2, 2 and 1 lines where E1 is
// landed twice with different payloads
func writeScenario(t *testing.T, cfg *config.Config) {
	t.Helper()
	writeRaw(t, cfg, scenarioDate, events.RawFileName(0),
		envelopeLine("E1", "10:00:00", `{"v":"old"}`),
		envelopeLine("E2", "10:00:01", `{"v":2}`))
	writeRaw(t, cfg, scenarioDate, events.RawFileName(1),
		envelopeLine("E3", "10:00:02", `{"v":3}`),
		envelopeLine("E1", "10:00:05", `{"v":"new"}`))
	writeRaw(t, cfg, scenarioDate, events.RawFileName(2),
		envelopeLine("E4", "10:00:06", `null`))
}

func readOutput(t *testing.T, dir string) ([]string, [][]Row) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var names []string
	var chunks [][]Row
	for _, entry := range entries {
		names = append(names, entry.Name())
		rows, err := parquet.ReadFile[Row](filepath.Join(dir, entry.Name()))
		require.NoError(t, err)
		chunks = append(chunks, rows)
	}
	return names, chunks
}

func allRows(chunks [][]Row) []Row {
	var rows []Row
	for _, c := range chunks {
		rows = append(rows, c...)
	}
	return rows
}

func TestCompactor_Scenario(t *testing.T) {
	cfg := createTestConfig(t.TempDir(), 3)
	writeScenario(t, cfg)

	collector := metrics.NewSimpleCollector()
	c, err := New(cfg, WithCollector(collector))
	require.NoError(t, err)

	report, err := c.RunDate(context.Background(), scenarioDate)
	require.NoError(t, err)

	assert.Equal(t, 3, report.FilesRead)
	assert.Equal(t, 5, report.LinesRead)
	assert.Equal(t, 0, report.DecodeErrors)
	assert.Equal(t, 1, report.DuplicatesDropped)
	assert.Equal(t, 4, report.RowsWritten)
	assert.Equal(t, 2, report.FilesWritten)

	names, chunks := readOutput(t, report.OutputDir)
	assert.Equal(t, []string{"part-00000.parquet", "part-00001.parquet"}, names)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 3)
	assert.Len(t, chunks[1], 1)

	rows := allRows(chunks)
	var ids []string
	for _, r := range rows {
		ids = append(ids, r.EventID)
	}
	assert.Equal(t, []string{"E1", "E2", "E3", "E4"}, ids, "rows are sorted by event_id")

	e1 := rows[0]
	require.NotNil(t, e1.Payload)
	assert.JSONEq(t, `{"v":"new"}`, *e1.Payload)
	assert.True(t, e1.IngestTime.Equal(time.Date(2026, 2, 5, 10, 0, 5, 0, time.UTC)))
	assert.True(t, e1.EventTime.Equal(time.Date(2026, 2, 5, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, int32(2), e1.SchemaVersion)
	assert.Equal(t, scenarioDate, e1.IngestDate)
	require.NotNil(t, e1.TenantID)
	assert.Equal(t, "t-1", *e1.TenantID)
	assert.Nil(t, e1.UserID)
	assert.Nil(t, rows[3].Payload, "null payload stays null")

	snap := collector.Snapshot()
	assert.Equal(t, int64(4), snap.RowsCompacted)
	assert.Equal(t, int64(1), snap.DuplicatesDropped)
	assert.Equal(t, int64(1), snap.PartitionsPublished)
}

func TestCompactor_MalformedAndBlankLines(t *testing.T) {
	cfg := createTestConfig(t.TempDir(), 100)
	writeRaw(t, cfg, scenarioDate, events.RawFileName(0),
		envelopeLine("E1", "10:00:00", `{}`),
		"",
		"   ",
		`{"event_id":"E2","event_type":"x"`,
		`{"event_id":"E3","event_type":"x","schema_version":1,"event_time":"2026-02-05T09:00:00Z"}`,
		`{"event_id":"E4","event_type":"x","schema_version":4294967297,"event_time":"2026-02-05T09:00:00Z","ingest_time":"2026-02-05T10:00:00Z"}`,
		envelopeLine("E2", "10:00:01", `{}`))
	// In-progress files are never read
	writeRaw(t, cfg, scenarioDate, events.InProgressFileName(1),
		envelopeLine("E9", "10:00:09", `{}`))

	c, err := New(cfg)
	require.NoError(t, err)

	report, err := c.RunDate(context.Background(), scenarioDate)
	require.NoError(t, err)

	assert.Equal(t, 1, report.FilesRead)
	assert.Equal(t, 5, report.LinesRead)
	assert.Equal(t, 3, report.DecodeErrors, "truncated line, missing ingest_time, schema_version beyond int32")
	assert.Equal(t, 2, report.RowsWritten)

	_, chunks := readOutput(t, report.OutputDir)
	for _, r := range allRows(chunks) {
		assert.NotEqual(t, "E9", r.EventID)
		assert.NotEqual(t, "E4", r.EventID)
	}
}

func TestCompactor_LastLineWithoutNewline(t *testing.T) {
	cfg := createTestConfig(t.TempDir(), 100)
	dir := events.PartitionDir(cfg.Storage.RawDir, cfg.Topic, scenarioDate)
	require.NoError(t, os.MkdirAll(dir, 0755))
	content := envelopeLine("E1", "10:00:00", `{}`) + "\n" + envelopeLine("E2", "10:00:00", `{}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, events.RawFileName(0)), []byte(content), 0644))

	c, err := New(cfg)
	require.NoError(t, err)

	report, err := c.RunDate(context.Background(), scenarioDate)
	require.NoError(t, err)
	assert.Equal(t, 2, report.RowsWritten)
}

func TestCompactor_RowCap(t *testing.T) {
	tests := []struct {
		name        string
		rowsPerFile int
		wantSizes   []int
	}{
		{"one per file", 1, []int{1, 1, 1, 1}},
		{"exact fit", 2, []int{2, 2}},
		{"remainder", 3, []int{3, 1}},
		{"single file", 10, []int{4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createTestConfig(t.TempDir(), tt.rowsPerFile)
			writeScenario(t, cfg)

			c, err := New(cfg)
			require.NoError(t, err)
			report, err := c.RunDate(context.Background(), scenarioDate)
			require.NoError(t, err)

			_, chunks := readOutput(t, report.OutputDir)
			var sizes []int
			for _, chunk := range chunks {
				assert.LessOrEqual(t, len(chunk), tt.rowsPerFile)
				sizes = append(sizes, len(chunk))
			}
			assert.Equal(t, tt.wantSizes, sizes)
			assert.Equal(t, len(tt.wantSizes), report.FilesWritten)
		})
	}
}

func TestCompactor_RerunIsIdempotent(t *testing.T) {
	cfg := createTestConfig(t.TempDir(), 3)
	writeScenario(t, cfg)

	c, err := New(cfg)
	require.NoError(t, err)

	first, err := c.RunDate(context.Background(), scenarioDate)
	require.NoError(t, err)
	firstNames, firstChunks := readOutput(t, first.OutputDir)

	second, err := c.RunDate(context.Background(), scenarioDate)
	require.NoError(t, err)
	secondNames, secondChunks := readOutput(t, second.OutputDir)

	assert.Equal(t, firstNames, secondNames)
	assert.Equal(t, allRows(firstChunks), allRows(secondChunks))
}

func TestCompactor_RewriteSupersedesPreviousOutput(t *testing.T) {
	root := t.TempDir()
	cfg := createTestConfig(root, 1)
	writeScenario(t, cfg)

	c, err := New(cfg)
	require.NoError(t, err)
	report, err := c.RunDate(context.Background(), scenarioDate)
	require.NoError(t, err)
	require.Equal(t, 4, report.FilesWritten)

	cfg.Compact.RowsPerFile = 3
	c, err = New(cfg)
	require.NoError(t, err)
	report, err = c.RunDate(context.Background(), scenarioDate)
	require.NoError(t, err)

	names, chunks := readOutput(t, report.OutputDir)
	assert.Equal(t, []string{"part-00000.parquet", "part-00001.parquet"}, names, "old parts are not unioned")
	assert.Len(t, allRows(chunks), 4)

	// Only published partitions remain next to each other
	entries, err := os.ReadDir(events.TopicDir(cfg.Storage.OutDir, cfg.Topic))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, events.PartitionDirPrefix+scenarioDate, entries[0].Name())
}

func TestCompactor_PartitionNotFound(t *testing.T) {
	cfg := createTestConfig(t.TempDir(), 3)
	c, err := New(cfg)
	require.NoError(t, err)

	_, err = c.RunDate(context.Background(), scenarioDate)
	var notFound *PartitionNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, scenarioDate, notFound.Date)

	// A partition holding only in-progress files is not ready either
	writeRaw(t, cfg, scenarioDate, events.InProgressFileName(0), envelopeLine("E1", "10:00:00", `{}`))
	_, err = c.RunDate(context.Background(), scenarioDate)
	require.ErrorAs(t, err, &notFound)

	_, err = os.Stat(events.PartitionDir(cfg.Storage.OutDir, cfg.Topic, scenarioDate))
	assert.True(t, errors.Is(err, os.ErrNotExist), "nothing is published")
}

func TestCompactor_InvalidDate(t *testing.T) {
	c, err := New(createTestConfig(t.TempDir(), 3))
	require.NoError(t, err)

	_, err = c.RunDate(context.Background(), "2026-13-45")
	assert.Error(t, err)
}

func TestCompactor_CancelledPublishesNothing(t *testing.T) {
	cfg := createTestConfig(t.TempDir(), 3)
	writeScenario(t, cfg)

	c, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.RunDate(ctx, scenarioDate)
	require.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(events.PartitionDir(cfg.Storage.OutDir, cfg.Topic, scenarioDate))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCompactor_UnwritableOutputLeavesNothing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, topicOut string)
	}{
		{
			name: "read-only topic directory",
			setup: func(t *testing.T, topicOut string) {
				if os.Geteuid() == 0 {
					t.Skip("root ignores directory permissions")
				}
				require.NoError(t, os.MkdirAll(topicOut, 0755))
				require.NoError(t, os.Chmod(topicOut, 0555))
				t.Cleanup(func() { os.Chmod(topicOut, 0755) })
			},
		},
		{
			name: "topic path is a file",
			setup: func(t *testing.T, topicOut string) {
				require.NoError(t, os.MkdirAll(filepath.Dir(topicOut), 0755))
				require.NoError(t, os.WriteFile(topicOut, []byte("x"), 0644))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createTestConfig(t.TempDir(), 3)
			writeScenario(t, cfg)
			tt.setup(t, events.TopicDir(cfg.Storage.OutDir, cfg.Topic))

			collector := metrics.NewSimpleCollector()
			c, err := New(cfg, WithCollector(collector))
			require.NoError(t, err)

			_, err = c.RunDate(context.Background(), scenarioDate)
			require.Error(t, err)
			var storageErr *storage.StorageError
			assert.ErrorAs(t, err, &storageErr)

			var leftovers []string
			require.NoError(t, filepath.WalkDir(cfg.Storage.OutDir, func(p string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				name := d.Name()
				if strings.HasPrefix(name, events.PartitionDirPrefix) || strings.HasPrefix(name, ".staging-") {
					leftovers = append(leftovers, p)
				}
				return nil
			}))
			assert.Empty(t, leftovers)
			assert.Zero(t, collector.Snapshot().PartitionsPublished)
		})
	}
}

func TestNew_Validation(t *testing.T) {
	cfg := createTestConfig(t.TempDir(), 0)
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = createTestConfig(t.TempDir(), 10)
	cfg.Compact.Compression = "lzma"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestCompactor_CompressionCodecs(t *testing.T) {
	for _, codec := range []string{"zstd", "snappy", "gzip", "none"} {
		t.Run(codec, func(t *testing.T) {
			cfg := createTestConfig(t.TempDir(), 3)
			cfg.Compact.Compression = codec
			writeScenario(t, cfg)

			c, err := New(cfg)
			require.NoError(t, err)
			report, err := c.RunDate(context.Background(), scenarioDate)
			require.NoError(t, err)

			_, chunks := readOutput(t, report.OutputDir)
			assert.Len(t, allRows(chunks), 4)
		})
	}
}

func TestCompactor_RunAll(t *testing.T) {
	cfg := createTestConfig(t.TempDir(), 3)
	writeScenario(t, cfg)
	writeRaw(t, cfg, "2026-02-06", events.RawFileName(0), envelopeLine("F1", "10:00:00", `{}`))
	// Still being written by the sink
	writeRaw(t, cfg, "2026-02-07", events.InProgressFileName(0), envelopeLine("G1", "10:00:00", `{}`))

	c, err := New(cfg)
	require.NoError(t, err)

	reports, err := c.Run(context.Background(), config.CompactConfig{AllDates: true})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, scenarioDate, reports[0].Date)
	assert.Equal(t, 4, reports[0].RowsWritten)
	assert.Equal(t, "2026-02-06", reports[1].Date)
	assert.Equal(t, 1, reports[1].RowsWritten)

	dates, err := events.ListIngestDates(cfg.Storage.OutDir, cfg.Topic)
	require.NoError(t, err)
	assert.Equal(t, []string{scenarioDate, "2026-02-06"}, dates)
}

func TestCompactor_RunAllNoDates(t *testing.T) {
	c, err := New(createTestConfig(t.TempDir(), 3))
	require.NoError(t, err)

	_, err = c.RunAll(context.Background())
	assert.Error(t, err)
}

func TestCompactor_RunSingleDate(t *testing.T) {
	cfg := createTestConfig(t.TempDir(), 3)
	writeScenario(t, cfg)

	c, err := New(cfg)
	require.NoError(t, err)

	reports, err := c.Run(context.Background(), config.CompactConfig{Date: scenarioDate})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 2, reports[0].FilesWritten)
}

// memoryBlobStore is an in-memory BlobUploader
type memoryBlobStore struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	uploadErr error
}

func newMemoryBlobStore() *memoryBlobStore {
	return &memoryBlobStore{blobs: make(map[string][]byte)}
}

func (m *memoryBlobStore) UploadFile(_ context.Context, containerName, blobName string, file *os.File) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	data, err := os.ReadFile(file.Name())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[containerName+"/"+blobName] = data
	return nil
}

func (m *memoryBlobStore) ListBlobs(_ context.Context, containerName, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for key := range m.blobs {
		name := strings.TrimPrefix(key, containerName+"/")
		if name != key && strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *memoryBlobStore) DeleteBlob(_ context.Context, containerName, blobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, containerName+"/"+blobName)
	return nil
}

func (m *memoryBlobStore) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for key := range m.blobs {
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}

func TestCompactor_MirrorsPublishedPartition(t *testing.T) {
	cfg := createTestConfig(t.TempDir(), 1)
	writeScenario(t, cfg)

	store := newMemoryBlobStore()
	collector := metrics.NewSimpleCollector()
	c, err := New(cfg, WithPublisher(store, "eventlake", "parquet"), WithCollector(collector))
	require.NoError(t, err)

	_, err = c.RunDate(context.Background(), scenarioDate)
	require.NoError(t, err)
	assert.Len(t, store.names(), 4)

	// A smaller rewrite removes the stale remote parts
	cfg.Compact.RowsPerFile = 3
	c, err = New(cfg, WithPublisher(store, "eventlake", "parquet"), WithCollector(collector))
	require.NoError(t, err)
	_, err = c.RunDate(context.Background(), scenarioDate)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"eventlake/parquet/events/ingest_date=2026-02-05/part-00000.parquet",
		"eventlake/parquet/events/ingest_date=2026-02-05/part-00001.parquet",
	}, store.names())
	assert.Equal(t, int64(2), collector.Snapshot().PartitionsPublished)
}

func TestCompactor_MirrorFailure(t *testing.T) {
	cfg := createTestConfig(t.TempDir(), 3)
	writeScenario(t, cfg)

	store := newMemoryBlobStore()
	store.uploadErr = errors.New("403 AuthorizationFailure")
	collector := metrics.NewSimpleCollector()
	c, err := New(cfg, WithPublisher(store, "eventlake", "parquet"), WithCollector(collector))
	require.NoError(t, err)

	_, err = c.RunDate(context.Background(), scenarioDate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to mirror")
	assert.Equal(t, int64(1), collector.Snapshot().PartitionsPublished, "the local publish is counted")

	// The local publish stands and no staging directory is left behind
	entries, err := os.ReadDir(events.TopicDir(cfg.Storage.OutDir, cfg.Topic))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, events.PartitionDirPrefix+scenarioDate, entries[0].Name())
}
