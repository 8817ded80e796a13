package compactor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"

	"github.com/steveinatorx/data-pipeline/events"
	"github.com/steveinatorx/data-pipeline/internal/storage"
)

const readBufferSize = 256 * 1024

// readStats counts what was read from one partition
type readStats struct {
	filesRead    int
	linesRead    int
	decodeErrors int
}

// readPartition decodes every finalized raw file in order and hands each
// envelope to visit. Blank lines are ignored; malformed lines are counted and
// logged with their file and line number.
func readPartition(ctx context.Context, files []events.RawFile, visit func(*events.Envelope)) (readStats, error) {
	var stats readStats
	for _, rf := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := readFile(rf.Path, &stats, visit); err != nil {
			return stats, err
		}
		stats.filesRead++
	}
	return stats, nil
}

func readFile(path string, stats *readStats, visit func(*events.Envelope)) error {
	f, err := os.Open(path)
	if err != nil {
		return storage.Wrap("open", path, err)
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, readBufferSize)
	lineNo := 0
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return storage.Wrap("read", path, err)
		}

		if len(line) > 0 {
			lineNo++
			// A last line without newline is still a complete record if it decodes
			handleLine(path, lineNo, line, stats, visit)
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

func handleLine(path string, lineNo int, line []byte, stats *readStats, visit func(*events.Envelope)) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	stats.linesRead++

	env, err := events.Decode(line)
	if err != nil {
		stats.decodeErrors++
		log.Printf("⚠️ Skipping malformed line %s:%d: %v", path, lineNo, err)
		return
	}
	visit(env)
}
