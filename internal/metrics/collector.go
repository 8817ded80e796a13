package metrics

import (
	"fmt"
	"sync/atomic"
)

// Collector receives counters from the sink and the compactor
type Collector interface {
	RecordsLanded(date string, n int)
	DecodeErrors(component string, n int)
	FilesRolled(date string)
	OffsetsCommitted(n int)
	RowsCompacted(date string, n int)
	DuplicatesDropped(date string, n int)
	PartitionsPublished(date string)
}

// Snapshot is a point-in-time copy of the SimpleCollector counters
type Snapshot struct {
	RecordsLanded       int64
	DecodeErrors        int64
	FilesRolled         int64
	OffsetsCommitted    int64
	RowsCompacted       int64
	DuplicatesDropped   int64
	PartitionsPublished int64
}

func (s Snapshot) String() string {
	return fmt.Sprintf("landed=%d decode_errors=%d rolled=%d committed=%d rows=%d duplicates=%d published=%d",
		s.RecordsLanded, s.DecodeErrors, s.FilesRolled, s.OffsetsCommitted,
		s.RowsCompacted, s.DuplicatesDropped, s.PartitionsPublished)
}

// SimpleCollector keeps process-wide totals in memory
type SimpleCollector struct {
	recordsLanded       atomic.Int64
	decodeErrors        atomic.Int64
	filesRolled         atomic.Int64
	offsetsCommitted    atomic.Int64
	rowsCompacted       atomic.Int64
	duplicatesDropped   atomic.Int64
	partitionsPublished atomic.Int64
}

func NewSimpleCollector() *SimpleCollector {
	return &SimpleCollector{}
}

func (c *SimpleCollector) RecordsLanded(_ string, n int) { c.recordsLanded.Add(int64(n)) }
func (c *SimpleCollector) DecodeErrors(_ string, n int)  { c.decodeErrors.Add(int64(n)) }
func (c *SimpleCollector) FilesRolled(_ string)          { c.filesRolled.Add(1) }
func (c *SimpleCollector) OffsetsCommitted(n int)        { c.offsetsCommitted.Add(int64(n)) }
func (c *SimpleCollector) RowsCompacted(_ string, n int) { c.rowsCompacted.Add(int64(n)) }
func (c *SimpleCollector) PartitionsPublished(_ string)  { c.partitionsPublished.Add(1) }

func (c *SimpleCollector) DuplicatesDropped(_ string, n int) {
	c.duplicatesDropped.Add(int64(n))
}

// Snapshot returns the current totals
func (c *SimpleCollector) Snapshot() Snapshot {
	return Snapshot{
		RecordsLanded:       c.recordsLanded.Load(),
		DecodeErrors:        c.decodeErrors.Load(),
		FilesRolled:         c.filesRolled.Load(),
		OffsetsCommitted:    c.offsetsCommitted.Load(),
		RowsCompacted:       c.rowsCompacted.Load(),
		DuplicatesDropped:   c.duplicatesDropped.Load(),
		PartitionsPublished: c.partitionsPublished.Load(),
	}
}

// Multi fans every call out to each collector
type Multi []Collector

func (m Multi) RecordsLanded(date string, n int) {
	for _, c := range m {
		c.RecordsLanded(date, n)
	}
}

func (m Multi) DecodeErrors(component string, n int) {
	for _, c := range m {
		c.DecodeErrors(component, n)
	}
}

func (m Multi) FilesRolled(date string) {
	for _, c := range m {
		c.FilesRolled(date)
	}
}

func (m Multi) OffsetsCommitted(n int) {
	for _, c := range m {
		c.OffsetsCommitted(n)
	}
}

func (m Multi) RowsCompacted(date string, n int) {
	for _, c := range m {
		c.RowsCompacted(date, n)
	}
}

func (m Multi) DuplicatesDropped(date string, n int) {
	for _, c := range m {
		c.DuplicatesDropped(date, n)
	}
}

func (m Multi) PartitionsPublished(date string) {
	for _, c := range m {
		c.PartitionsPublished(date)
	}
}
