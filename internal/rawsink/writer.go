package rawsink

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/steveinatorx/data-pipeline/events"
	"github.com/steveinatorx/data-pipeline/internal/metrics"
	"github.com/steveinatorx/data-pipeline/internal/storage"
)

const writeBufferSize = 256 * 1024

// partitionFile is the OPEN raw file of one ingest date
type partitionFile struct {
	date         string
	sequence     int
	path         string // in-progress name
	file         *os.File
	buf          *bufio.Writer
	bytesWritten int64
	openedAt     time.Time
}

// RollingWriter keeps one open in-progress file per ingest date and rolls
// it by size or age. It is owned by the single consuming loop and is not
// safe for concurrent use.
type RollingWriter struct {
	root      string
	topic     string
	maxBytes  int64
	maxAge    time.Duration
	now       func() time.Time
	collector metrics.Collector

	files map[string]*partitionFile
	// Highest sequence handed out per date by this process
	lastSequence map[string]int
}

// WriterOption configures a RollingWriter
type WriterOption func(*RollingWriter)

// WithWriterClock replaces time.Now for age decisions
func WithWriterClock(now func() time.Time) WriterOption {
	return func(w *RollingWriter) { w.now = now }
}

// WithWriterCollector reports rolled files to c
func WithWriterCollector(c metrics.Collector) WriterOption {
	return func(w *RollingWriter) { w.collector = c }
}

func NewRollingWriter(root, topic string, maxBytes int64, maxAge time.Duration, opts ...WriterOption) (*RollingWriter, error) {
	if maxBytes <= 0 || maxAge <= 0 {
		return nil, fmt.Errorf("roll thresholds must be positive (bytes=%d, age=%s)", maxBytes, maxAge)
	}

	w := &RollingWriter{
		root:         root,
		topic:        topic,
		maxBytes:     maxBytes,
		maxAge:       maxAge,
		now:          time.Now,
		collector:    metrics.NewSimpleCollector(),
		files:        make(map[string]*partitionFile),
		lastSequence: make(map[string]int),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := os.MkdirAll(events.TopicDir(root, topic), 0755); err != nil {
		return nil, storage.Wrap("mkdir", events.TopicDir(root, topic), err)
	}
	return w, nil
}

func (w *RollingWriter) Write(date string, line []byte) error {
	pf, ok := w.files[date]
	if ok && w.shouldRoll(pf) {
		if err := w.roll(pf); err != nil {
			return err
		}
		ok = false
	}
	if !ok {
		var err error
		if pf, err = w.open(date); err != nil {
			return err
		}
	}

	n, err := pf.buf.Write(line)
	pf.bytesWritten += int64(n)
	if err != nil {
		return storage.Wrap("write", pf.path, err)
	}
	return nil
}

func (w *RollingWriter) shouldRoll(pf *partitionFile) bool {
	return pf.bytesWritten >= w.maxBytes || w.now().Sub(pf.openedAt) >= w.maxAge
}

// open claims the next sequence of date and creates its in-progress file
func (w *RollingWriter) open(date string) (*partitionFile, error) {
	dir := events.PartitionDir(w.root, w.topic, date)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storage.Wrap("mkdir", dir, err)
	}

	seq, err := w.nextSequence(date, dir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, events.InProgressFileName(seq))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			seq++
			continue
		}
		if err != nil {
			return nil, storage.Wrap("open", path, err)
		}

		// Another writer may have finalized this sequence between our scan and create
		if _, statErr := os.Lstat(filepath.Join(dir, events.RawFileName(seq))); statErr == nil {
			f.Close()
			os.Remove(path)
			seq++
			continue
		}

		locked, err := tryLock(f)
		if err != nil || !locked {
			f.Close()
			os.Remove(path)
			if err == nil {
				err = fmt.Errorf("lock held by another process")
			}
			return nil, storage.Wrap("lock", path, err)
		}

		if err := storage.SyncDir(dir); err != nil {
			f.Close()
			return nil, err
		}

		pf := &partitionFile{
			date:     date,
			sequence: seq,
			path:     path,
			file:     f,
			buf:      bufio.NewWriterSize(f, writeBufferSize),
			openedAt: w.now(),
		}
		w.files[date] = pf
		w.lastSequence[date] = seq
		log.Printf("📝 Opened %s", path)
		return pf, nil
	}
}

// nextSequence is one past the highest sequence on disk or handed out by
// this process, whichever is larger
func (w *RollingWriter) nextSequence(date, dir string) (int, error) {
	files, err := events.ListRawFiles(dir, true)
	if err != nil {
		return 0, storage.Wrap("list", dir, err)
	}

	next := 0
	if last, ok := w.lastSequence[date]; ok {
		next = last + 1
	}
	for _, f := range files {
		if f.Sequence >= next {
			next = f.Sequence + 1
		}
	}
	return next, nil
}

func (w *RollingWriter) flush(pf *partitionFile) error {
	if err := pf.buf.Flush(); err != nil {
		return storage.Wrap("flush", pf.path, err)
	}
	if err := pf.file.Sync(); err != nil {
		return storage.Wrap("sync", pf.path, err)
	}
	return nil
}

// roll moves pf from OPEN to CLOSED: flush, fsync, close, rename to the
// final name and fsync the directory
func (w *RollingWriter) roll(pf *partitionFile) error {
	delete(w.files, pf.date)

	if err := w.flush(pf); err != nil {
		pf.file.Close()
		return err
	}
	unlock(pf.file)
	if err := pf.file.Close(); err != nil {
		return storage.Wrap("close", pf.path, err)
	}

	final := filepath.Join(filepath.Dir(pf.path), events.RawFileName(pf.sequence))
	if err := os.Rename(pf.path, final); err != nil {
		return storage.Wrap("rename", pf.path, err)
	}
	if err := storage.SyncDir(filepath.Dir(final)); err != nil {
		return err
	}

	w.collector.FilesRolled(pf.date)
	log.Printf("📦 Rolled %s (%s, open %s)", final, formatBytes(pf.bytesWritten), w.now().Sub(pf.openedAt).Round(time.Millisecond))
	return nil
}

// Roll closes the open file of date, if any
func (w *RollingWriter) Roll(date string) error {
	pf, ok := w.files[date]
	if !ok {
		return nil
	}
	return w.roll(pf)
}

func (w *RollingWriter) Sync() error {
	for _, date := range w.OpenDates() {
		if err := w.flush(w.files[date]); err != nil {
			return err
		}
	}
	return nil
}

func (w *RollingWriter) RollExpired() error {
	now := w.now()
	for _, date := range w.OpenDates() {
		pf := w.files[date]
		if now.Sub(pf.openedAt) < w.maxAge {
			continue
		}
		if err := w.roll(pf); err != nil {
			return err
		}
	}
	return nil
}

func (w *RollingWriter) Close() error {
	var errs []error
	for _, date := range w.OpenDates() {
		if err := w.roll(w.files[date]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *RollingWriter) Abort() error {
	var errs []error
	for _, date := range w.OpenDates() {
		pf := w.files[date]
		delete(w.files, date)
		pf.buf.Flush()
		if err := pf.file.Close(); err != nil {
			errs = append(errs, storage.Wrap("close", pf.path, err))
		}
	}
	return errors.Join(errs...)
}

// OpenDates returns the dates with an open file in sorted order
func (w *RollingWriter) OpenDates() []string {
	dates := make([]string, 0, len(w.files))
	for date := range w.files {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates
}

// RecoverInProgress finalizes in-progress files under root/topic that no
// live process holds a lock on. It returns the number of files finalized.
func RecoverInProgress(root, topic string) (int, error) {
	dates, err := events.ListIngestDates(root, topic)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, date := range dates {
		dir := events.PartitionDir(root, topic, date)
		files, err := events.ListRawFiles(dir, true)
		if err != nil {
			return recovered, storage.Wrap("list", dir, err)
		}

		dirty := false
		for _, rf := range files {
			if !rf.InProgress {
				continue
			}
			ok, err := finalizeOrphan(rf)
			if err != nil {
				return recovered, err
			}
			if ok {
				dirty = true
				recovered++
				log.Printf("♻️ Recovered orphaned file %s", rf.Path)
			}
		}

		if dirty {
			if err := storage.SyncDir(dir); err != nil {
				return recovered, err
			}
		}
	}
	return recovered, nil
}

func finalizeOrphan(rf events.RawFile) (bool, error) {
	f, err := os.OpenFile(rf.Path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, storage.Wrap("open", rf.Path, err)
	}
	defer f.Close()

	locked, err := tryLock(f)
	if err != nil {
		return false, storage.Wrap("lock", rf.Path, err)
	}
	if !locked {
		log.Printf("⏭️ Skipping %s, still held by a live writer", rf.Path)
		return false, nil
	}
	defer unlock(f)

	if err := f.Sync(); err != nil {
		return false, storage.Wrap("sync", rf.Path, err)
	}

	final := filepath.Join(filepath.Dir(rf.Path), events.RawFileName(rf.Sequence))
	if err := os.Rename(rf.Path, final); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The owner rolled it while we were acquiring the lock
			return false, nil
		}
		return false, storage.Wrap("rename", rf.Path, err)
	}
	return true, nil
}

// formatBytes formats byte count as human readable string
func formatBytes(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	} else if bytes < 1024*1024 {
		return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
	} else if bytes < 1024*1024*1024 {
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
	}
	return fmt.Sprintf("%.1f GB", float64(bytes)/(1024*1024*1024))
}
