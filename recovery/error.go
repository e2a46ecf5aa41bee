package recovery

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCancelled is reported when an upload is stopped by its caller.
	ErrCancelled = errors.New("upload cancelled")
	// ErrHung is reported when a chunk upload is cancelled by hung detection.
	ErrHung = errors.New("chunk upload hung")
)

// Severity tells the caller how a terminal failure should be handled.
type Severity int

const (
	SeverityNone Severity = iota
	// SeverityFatal failures end the session; a new session may be started.
	SeverityFatal
	// SeverityEscalated failures need manual intervention.
	SeverityEscalated
)

func (s Severity) String() string {
	switch s {
	case SeverityFatal:
		return "fatal"
	case SeverityEscalated:
		return "escalated"
	default:
		return "none"
	}
}

// RecoveryAttempt records one recovery decision taken for a failure.
type RecoveryAttempt struct {
	Timestamp  time.Time
	Successful bool
	Strategy   string
	Delay      time.Duration
}

// ClassifiedError is the only error shape that crosses component boundaries.
// It is produced once per raw failure; afterwards only recovery attempts are
// appended to it.
type ClassifiedError struct {
	Kind             ErrorKind
	Message          string
	Retryable        bool
	StatusCode       int
	ChunkIndex       *uint32
	RetryCount       uint32
	RecoveryAttempts []RecoveryAttempt
	Severity         Severity
	Err              error
}

func (e *ClassifiedError) Error() string {
	if e.ChunkIndex != nil {
		return fmt.Sprintf("%s error on chunk %d (retry %d): %s", e.Kind, *e.ChunkIndex, e.RetryCount, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// AppendAttempt adds a recovery attempt to the error's history.
func (e *ClassifiedError) AppendAttempt(a RecoveryAttempt) {
	e.RecoveryAttempts = append(e.RecoveryAttempts, a)
}

// LastDelay returns the delay of the most recent recovery attempt that waited.
func (e *ClassifiedError) LastDelay() (time.Duration, bool) {
	for i := len(e.RecoveryAttempts) - 1; i >= 0; i-- {
		if e.RecoveryAttempts[i].Delay > 0 {
			return e.RecoveryAttempts[i].Delay, true
		}
	}
	return 0, false
}

// AsClassified extracts a ClassifiedError from an error chain.
func AsClassified(err error) (*ClassifiedError, bool) {
	var cerr *ClassifiedError
	if errors.As(err, &cerr) {
		return cerr, true
	}
	return nil, false
}
