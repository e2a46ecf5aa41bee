// Package event defines the typed notifications an upload session emits.
package event

import (
	"time"

	"github.com/bitrise-io/go-chunkupload/merge"
	"github.com/bitrise-io/go-chunkupload/recovery"
)

// Type identifies an event.
type Type int

const (
	SessionStarted Type = iota
	StatusChanged
	ChunkStarted
	ChunkUploaded
	ChunkRetried
	ChunkFailed
	Progress
	ConcurrencyChanged
	Completed
	Failed
)

var typeNames = [...]string{
	SessionStarted:     "session_started",
	StatusChanged:      "status_changed",
	ChunkStarted:       "chunk_started",
	ChunkUploaded:      "chunk_uploaded",
	ChunkRetried:       "chunk_retried",
	ChunkFailed:        "chunk_failed",
	Progress:           "progress",
	ConcurrencyChanged: "concurrency_changed",
	Completed:          "completed",
	Failed:             "failed",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return "unknown"
	}
	return typeNames[t]
}

// Event is a single notification. Only the fields relevant to Type are set.
type Event struct {
	Type      Type
	SessionID string
	FileID    string
	Time      time.Time

	// Status is the new session status for StatusChanged.
	Status string

	ChunkIndex uint32
	ChunkSize  uint32
	RetryCount uint32
	Delay      time.Duration
	Duration   time.Duration
	Kind       recovery.ErrorKind

	BytesUploaded uint64
	TotalBytes    uint64

	Concurrency int

	Result *merge.Result
	Err    *recovery.ClassifiedError
}

// Handler receives events. Handlers are called synchronously from the
// scheduler loop and must not block.
type Handler func(Event)

// Multi fans an event out to every non-nil handler in order.
func Multi(handlers ...Handler) Handler {
	var hs []Handler
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	return func(e Event) {
		for _, h := range hs {
			h(e)
		}
	}
}

// Discard ignores every event.
func Discard(Event) {}
