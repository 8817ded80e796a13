package compactor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/steveinatorx/data-pipeline/events"
	"github.com/steveinatorx/data-pipeline/internal/storage"
)

// Row is the columnar layout of one envelope. Optional context fields are
// nullable; payload is carried as its JSON text.
type Row struct {
	EventID       string    `parquet:"event_id"`
	EventType     string    `parquet:"event_type"`
	SchemaVersion int32     `parquet:"schema_version"`
	EventTime     time.Time `parquet:"event_time,timestamp(microsecond)"`
	IngestTime    time.Time `parquet:"ingest_time,timestamp(microsecond)"`
	TenantID      *string   `parquet:"tenant_id,optional"`
	UserID        *string   `parquet:"user_id,optional"`
	SessionID     *string   `parquet:"session_id,optional"`
	SourceSystem  *string   `parquet:"source_system,optional"`
	Environment   *string   `parquet:"environment,optional"`
	RecordSource  *string   `parquet:"record_source,optional"`
	Checksum      *string   `parquet:"checksum,optional"`
	Payload       *string   `parquet:"payload,optional"`
	IngestDate    string    `parquet:"ingest_date"`
}

func toRow(env *events.Envelope, date string) Row {
	row := Row{
		EventID:       env.EventID,
		EventType:     env.EventType,
		SchemaVersion: int32(env.SchemaVersion), // Decode rejects versions outside int32
		EventTime:     env.EventTime.UTC(),
		IngestTime:    env.IngestTime.UTC(),
		TenantID:      optional(env.TenantID),
		UserID:        optional(env.UserID),
		SessionID:     optional(env.SessionID),
		SourceSystem:  optional(env.SourceSystem),
		Environment:   optional(env.Environment),
		RecordSource:  optional(env.RecordSource),
		Checksum:      optional(env.Checksum),
		IngestDate:    date,
	}
	if len(env.Payload) > 0 {
		payload := string(env.Payload)
		row.Payload = &payload
	}
	return row
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var codecs = map[string]compress.Codec{
	"zstd":   &parquet.Zstd,
	"snappy": &parquet.Snappy,
	"gzip":   &parquet.Gzip,
	"none":   &parquet.Uncompressed,
}

// codecFor resolves a compression name; empty selects zstd
func codecFor(name string) (compress.Codec, error) {
	if name == "" {
		name = "zstd"
	}
	codec, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("unsupported compression %q", name)
	}
	return codec, nil
}

// writeChunks writes records to dir as consecutive files of at most
// rowsPerFile rows each and returns the number of files written
func writeChunks(dir, date string, records []*events.Envelope, rowsPerFile int, codec compress.Codec) (int, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, storage.Wrap("mkdir", dir, err)
	}

	files := 0
	for start := 0; start < len(records); start += rowsPerFile {
		end := min(start+rowsPerFile, len(records))

		rows := make([]Row, 0, end-start)
		for _, env := range records[start:end] {
			rows = append(rows, toRow(env, date))
		}

		path := filepath.Join(dir, events.ColumnarFileName(files))
		if err := writeFile(path, rows, codec); err != nil {
			return files, err
		}
		files++
	}

	if err := storage.SyncDir(dir); err != nil {
		return files, err
	}
	return files, nil
}

func writeFile(path string, rows []Row, codec compress.Codec) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return storage.Wrap("open", path, err)
	}
	defer f.Close()

	writer := parquet.NewGenericWriter[Row](f, parquet.Compression(codec))
	if _, err := writer.Write(rows); err != nil {
		return storage.Wrap("write", path, err)
	}
	if err := writer.Close(); err != nil {
		return storage.Wrap("flush", path, err)
	}
	if err := f.Sync(); err != nil {
		return storage.Wrap("sync", path, err)
	}
	return nil
}
