package metrics

import (
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/event"
	"github.com/bitrise-io/go-chunkupload/merge"
	"github.com/bitrise-io/go-chunkupload/recovery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gather returns the value of every counter and gauge sample keyed by metric
// name and label values.
func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, label := range m.GetLabel() {
				key += "/" + label.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				values[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				values[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return values
}

func TestObserver_Handle(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := New(reg)
	handle := event.Handler(o.Handle)

	handle(event.Event{Type: event.SessionStarted, SessionID: "a", Concurrency: 4})
	handle(event.Event{Type: event.SessionStarted, SessionID: "b"})
	handle(event.Event{Type: event.ChunkUploaded, SessionID: "a", ChunkSize: 1024, Duration: 20 * time.Millisecond})
	handle(event.Event{Type: event.ChunkRetried, SessionID: "a", Kind: recovery.Network, Delay: time.Second})
	handle(event.Event{Type: event.ConcurrencyChanged, SessionID: "a", Concurrency: 2})
	handle(event.Event{Type: event.Completed, SessionID: "a", Result: &merge.Result{Attempts: 1}})
	handle(event.Event{Type: event.ChunkFailed, SessionID: "b"})
	handle(event.Event{Type: event.Failed, SessionID: "b"})
	// A second terminal event must not decrement the gauge twice.
	handle(event.Event{Type: event.Failed, SessionID: "b"})

	values := gather(t, reg)
	assert.Equal(t, 1.0, values["chunkupload_sessions_total/completed"])
	assert.Equal(t, 2.0, values["chunkupload_sessions_total/failed"])
	assert.Equal(t, 0.0, values["chunkupload_active_sessions"])
	assert.Equal(t, 1.0, values["chunkupload_chunks_total/uploaded"])
	assert.Equal(t, 1.0, values["chunkupload_chunks_total/failed"])
	assert.Equal(t, 1024.0, values["chunkupload_bytes_uploaded_total"])
	assert.Equal(t, 1.0, values["chunkupload_chunk_retries_total/network"])
	assert.Equal(t, 2.0, values["chunkupload_concurrency_limit"])
	assert.Equal(t, 1.0, values["chunkupload_merge_attempts"])
	assert.Equal(t, 1.0, values["chunkupload_retry_delay_milliseconds"])
}

func TestObserver_Cancelled(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := New(reg)

	o.Handle(event.Event{Type: event.SessionStarted, SessionID: "a"})
	o.Handle(event.Event{Type: event.StatusChanged, SessionID: "a", Status: "cancelled"})

	values := gather(t, reg)
	assert.Equal(t, 1.0, values["chunkupload_sessions_total/cancelled"])
	assert.Equal(t, 0.0, values["chunkupload_active_sessions"])
}

func TestObserver_Deduplicated(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := New(reg)

	o.Handle(event.Event{Type: event.Completed, SessionID: "a", Result: &merge.Result{Deduplicated: true}})

	values := gather(t, reg)
	assert.Equal(t, 1.0, values["chunkupload_deduplicated_total"])
	assert.Equal(t, 0.0, values["chunkupload_merge_attempts"])
}

func TestObserver_NilIsNoop(t *testing.T) {
	o := New(nil)
	assert.Nil(t, o)
	assert.NotPanics(t, func() {
		o.Handle(event.Event{Type: event.SessionStarted})
	})
}

func TestNew_SharesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg)

	var second *Observer
	require.NotPanics(t, func() { second = New(reg) })

	first.Handle(event.Event{Type: event.ChunkUploaded, SessionID: "a", ChunkSize: 10})
	second.Handle(event.Event{Type: event.ChunkUploaded, SessionID: "b", ChunkSize: 5})

	values := gather(t, reg)
	assert.Equal(t, 2.0, values["chunkupload_chunks_total/uploaded"])
	assert.Equal(t, 15.0, values["chunkupload_bytes_uploaded_total"])
}
