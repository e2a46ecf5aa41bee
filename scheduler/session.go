// Package scheduler drives the upload of one file: it dispatches pending
// chunks to the transport with bounded concurrency, applies recovery
// decisions to failures, mirrors completion into the resume store and
// triggers the merge once every chunk is uploaded.
package scheduler

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/fingerprint"
	"github.com/bitrise-io/go-chunkupload/recovery"
	"github.com/bitrise-io/go-chunkupload/resume"
)

// ErrAlreadyRunning is returned when Run is called twice for a session.
var ErrAlreadyRunning = errors.New("session already running")

// Status is the session level state.
type Status int32

const (
	Planning Status = iota
	Running
	Paused
	Completed
	Failed
	Cancelled
)

var statusNames = [...]string{
	Planning:  "planning",
	Running:   "running",
	Paused:    "paused",
	Completed: "completed",
	Failed:    "failed",
	Cancelled: "cancelled",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// ChunkStatus is the state of one chunk.
type ChunkStatus int

const (
	ChunkPending ChunkStatus = iota
	ChunkInFlight
	ChunkUploaded
	ChunkFailed
)

var chunkStatusNames = [...]string{
	ChunkPending:  "pending",
	ChunkInFlight: "in_flight",
	ChunkUploaded: "uploaded",
	ChunkFailed:   "failed",
}

func (s ChunkStatus) String() string {
	if s < 0 || int(s) >= len(chunkStatusNames) {
		return "unknown"
	}
	return chunkStatusNames[s]
}

// ChunkState is the scheduler's view of one chunk.
type ChunkState struct {
	Status     ChunkStatus
	RetryCount uint32
	LastError  *recovery.ClassifiedError
	// Attempts is the recovery history of the chunk across retries.
	Attempts []recovery.RecoveryAttempt
	Receipt  string
	// Durable is set once the upload is recorded in the resume store.
	Durable bool
}

// StatesFromRecord rebuilds the chunk state vector of a resumed upload. Only
// uploaded flags are stored, every other chunk starts over as pending.
func StatesFromRecord(total uint32, rec *resume.Record) ([]ChunkState, error) {
	states := make([]ChunkState, total)
	if rec == nil {
		return states, nil
	}
	if err := rec.Validate(total); err != nil {
		return nil, err
	}
	for index, receipt := range rec.Chunks {
		states[index] = ChunkState{Status: ChunkUploaded, Receipt: receipt, Durable: true}
	}
	return states, nil
}

// Session is the state of one file upload. Descriptors and States are owned
// by the scheduler while Run executes; read States only after Run returned.
// Counters and the status may be read at any time.
type Session struct {
	ID          string
	Fingerprint fingerprint.Fingerprint
	UploadRef   string
	Descriptors []chunk.Descriptor
	States      []ChunkState
	Source      chunk.Source

	status        atomic.Int32
	bytesUploaded atomic.Uint64
	activeWorkers atomic.Int32
	running       atomic.Bool
}

// NewSession creates a session in Planning state. A nil states vector means
// every chunk is pending.
func NewSession(id string, fp fingerprint.Fingerprint, uploadRef string, descs []chunk.Descriptor, states []ChunkState, source chunk.Source) (*Session, error) {
	if uint32(len(descs)) != fp.TotalChunks {
		return nil, fmt.Errorf("%w: %d descriptors for %d chunks", chunk.ErrInvariant, len(descs), fp.TotalChunks)
	}
	if err := chunk.Validate(descs, fp.Size); err != nil {
		return nil, err
	}
	if states == nil {
		states = make([]ChunkState, len(descs))
	}
	if len(states) != len(descs) {
		return nil, fmt.Errorf("%w: %d chunk states for %d chunks", chunk.ErrInvariant, len(states), len(descs))
	}
	if source == nil {
		return nil, errors.New("chunk source must not be nil")
	}

	s := &Session{
		ID:          id,
		Fingerprint: fp,
		UploadRef:   uploadRef,
		Descriptors: descs,
		States:      states,
		Source:      source,
	}
	for i, st := range states {
		if st.Status == ChunkUploaded {
			s.bytesUploaded.Add(uint64(descs[i].Length))
		}
	}
	return s, nil
}

// Status returns the current session status.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

func (s *Session) setStatus(status Status) {
	s.status.Store(int32(status))
}

// BytesUploaded returns the number of bytes of uploaded chunks.
func (s *Session) BytesUploaded() uint64 {
	return s.bytesUploaded.Load()
}

// TotalBytes returns the file size.
func (s *Session) TotalBytes() uint64 {
	return s.Fingerprint.Size
}

// ActiveWorkers returns the number of chunk uploads in flight.
func (s *Session) ActiveWorkers() int {
	return int(s.activeWorkers.Load())
}

func (s *Session) allUploaded() bool {
	for _, st := range s.States {
		if st.Status != ChunkUploaded {
			return false
		}
	}
	return true
}

func (s *Session) receipts() []string {
	receipts := make([]string, len(s.States))
	for i, st := range s.States {
		receipts[i] = st.Receipt
	}
	return receipts
}
