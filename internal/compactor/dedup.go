package compactor

import (
	"sort"

	"github.com/steveinatorx/data-pipeline/events"
)

// deduper keeps one envelope per event_id: the one with the latest
// ingest_time, and on a tie the one seen last
type deduper struct {
	latest map[string]*events.Envelope
	seen   int
}

func newDeduper() *deduper {
	return &deduper{latest: make(map[string]*events.Envelope)}
}

func (d *deduper) add(env *events.Envelope) {
	d.seen++
	if prev, ok := d.latest[env.EventID]; ok && env.IngestTime.Before(prev.IngestTime) {
		return
	}
	d.latest[env.EventID] = env
}

// dropped is the number of envelopes superseded so far
func (d *deduper) dropped() int {
	return d.seen - len(d.latest)
}

// sorted returns the retained envelopes ordered by event_id
func (d *deduper) sorted() []*events.Envelope {
	out := make([]*events.Envelope, 0, len(d.latest))
	for _, env := range d.latest {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EventID < out[j].EventID
	})
	return out
}
