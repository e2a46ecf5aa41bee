// Package merge asks the backend to assemble a fully uploaded file, exactly
// once per session.
package merge

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-chunkupload/recovery"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultMaxRetries is the merge retry ceiling. It is lower than the chunk
// ceilings since a merge is costly to repeat.
const DefaultMaxRetries = 2

// ErrAlreadyMerged is returned by every Merge call after the first one.
var ErrAlreadyMerged = errors.New("merge already requested")

// Request describes the uploaded file.
type Request struct {
	FileID      string
	UploadRef   string
	TotalChunks uint32
	Size        uint64
	Receipts    []string
}

// Result is the assembled file.
type Result struct {
	FileID      string
	Location    string
	ETag        string
	TotalChunks uint32
	Size        uint64
	// Attempts is the number of merge calls issued.
	Attempts int
	// Deduplicated is set when the backend already had the file and neither
	// chunks nor the merge were sent.
	Deduplicated bool
}

// Coordinator issues the merge call of one session.
type Coordinator struct {
	transport  transport.Transport
	registry   *recovery.Registry
	classifier *recovery.Classifier
	maxRetries uint32
	logger     log.Logger

	started atomic.Bool
}

// NewCoordinator creates a coordinator. Failures are decided by registry but
// never retried more than maxRetries times.
func NewCoordinator(t transport.Transport, registry *recovery.Registry, classifier *recovery.Classifier, maxRetries uint32, logger log.Logger) *Coordinator {
	return &Coordinator{
		transport:  t,
		registry:   registry,
		classifier: classifier,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Merge sends the merge request. Only the first call reaches the transport;
// later calls return ErrAlreadyMerged. A failure is returned as a
// *recovery.ClassifiedError carrying every recovery attempt.
func (c *Coordinator) Merge(ctx context.Context, req Request) (*Result, error) {
	if !c.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyMerged
	}

	mergeReq := transport.MergeRequest{
		FileID:      req.FileID,
		UploadRef:   req.UploadRef,
		TotalChunks: req.TotalChunks,
		Size:        req.Size,
		Receipts:    req.Receipts,
	}

	var history []recovery.RecoveryAttempt
	for retry := uint32(0); ; retry++ {
		c.logger.Debugf("Merging %d chunks of %s (attempt %d)", req.TotalChunks, req.FileID, retry+1)

		resp, err := c.transport.Merge(ctx, mergeReq)
		if err == nil {
			if len(history) > 0 {
				history[len(history)-1].Successful = true
			}
			return &Result{
				FileID:      req.FileID,
				Location:    resp.Location,
				ETag:        resp.ETag,
				TotalChunks: req.TotalChunks,
				Size:        req.Size,
				Attempts:    int(retry) + 1,
			}, nil
		}

		cerr := c.classifier.Classify(err, recovery.Context{RetryCount: retry, History: history})
		if cerr.Kind == recovery.Cancelled {
			return nil, cerr
		}

		decision := c.registry.Decide(ctx, cerr)
		if decision.Action == recovery.ActionRetry && retry >= c.maxRetries {
			decision = recovery.Abort("merge_retry_ceiling")
		}

		switch decision.Action {
		case recovery.ActionRetry:
			cerr.AppendAttempt(recovery.RecoveryAttempt{
				Timestamp: time.Now(),
				Strategy:  decision.Strategy,
				Delay:     decision.Delay,
			})
			history = cerr.RecoveryAttempts

			c.logger.Warnf("Merge of %s failed (%s), retrying in %s", req.FileID, cerr.Message, decision.Delay)
			if err := sleep(ctx, decision.Delay); err != nil {
				return nil, c.classifier.Classify(err, recovery.Context{RetryCount: retry + 1, History: history})
			}
		case recovery.ActionEscalate:
			cerr.Severity = recovery.SeverityEscalated
			return nil, cerr
		default:
			cerr.Severity = recovery.SeverityFatal
			return nil, cerr
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
