package compactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/steveinatorx/data-pipeline/events"
)

func TestDeduper(t *testing.T) {
	base := time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC)
	env := func(id string, offset time.Duration, payload string) *events.Envelope {
		return &events.Envelope{EventID: id, IngestTime: base.Add(offset), Payload: []byte(payload)}
	}

	tests := []struct {
		name        string
		input       []*events.Envelope
		wantIDs     []string
		wantPayload map[string]string
		wantDropped int
	}{
		{
			name:        "latest ingest time wins",
			input:       []*events.Envelope{env("E1", 5*time.Second, `"new"`), env("E1", 0, `"old"`)},
			wantIDs:     []string{"E1"},
			wantPayload: map[string]string{"E1": `"new"`},
			wantDropped: 1,
		},
		{
			name:        "tie goes to the last read",
			input:       []*events.Envelope{env("E1", 0, `"first"`), env("E1", 0, `"second"`)},
			wantIDs:     []string{"E1"},
			wantPayload: map[string]string{"E1": `"second"`},
			wantDropped: 1,
		},
		{
			name:        "distinct ids sorted",
			input:       []*events.Envelope{env("b", 0, `1`), env("a", 0, `2`), env("c", 0, `3`)},
			wantIDs:     []string{"a", "b", "c"},
			wantPayload: map[string]string{"a": `2`},
			wantDropped: 0,
		},
		{
			name:        "empty",
			wantIDs:     []string{},
			wantDropped: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDeduper()
			for _, e := range tt.input {
				d.add(e)
			}

			out := d.sorted()
			ids := make([]string, 0, len(out))
			for _, e := range out {
				ids = append(ids, e.EventID)
				if want, ok := tt.wantPayload[e.EventID]; ok {
					assert.Equal(t, want, string(e.Payload))
				}
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantDropped, d.dropped())
		})
	}
}
