package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/recovery"
	"github.com/bitrise-io/go-chunkupload/transport"
)

// job is one chunk upload handed to a worker goroutine.
type job struct {
	desc       chunk.Descriptor
	retryCount uint32
	history    []recovery.RecoveryAttempt
}

// outcome is what a worker reports back to the scheduler loop.
type outcome struct {
	index    uint32
	duration time.Duration

	receipt string
	durable bool

	err      *recovery.ClassifiedError
	decision recovery.Decision
}

func (r *run) work(ctx context.Context, j job) {
	start := time.Now()
	receipt, err := r.uploadChunk(ctx, j.desc, start)
	out := outcome{index: j.desc.Index, duration: time.Since(start)}

	if err == nil {
		r.stats.Update(out.duration)
		out.receipt = receipt
		out.durable = r.persist(ctx, j.desc.Index, receipt)
	} else {
		cerr := r.classifier.Classify(err, recovery.ForChunk(j.desc.Index, j.retryCount, j.history))
		out.err = cerr
		if cerr.Kind == recovery.Cancelled {
			out.decision = recovery.Abort("cancelled")
		} else {
			out.decision = r.registry.Decide(ctx, cerr)
			if out.decision.Action == recovery.ActionRetry {
				cerr.AppendAttempt(recovery.RecoveryAttempt{
					Timestamp: time.Now(),
					Strategy:  out.decision.Strategy,
					Delay:     out.decision.Delay,
				})
			}
		}
	}

	select {
	case r.results <- out:
	case <-r.done:
	}
}

func (r *run) uploadChunk(ctx context.Context, d chunk.Descriptor, start time.Time) (string, error) {
	data, err := r.session.Source.ReadChunk(d)
	if err != nil {
		return "", fmt.Errorf("read chunk %d: %w", d.Index, err)
	}

	chunkCtx, cancelChunk := context.WithCancelCause(ctx)
	defer cancelChunk(nil)

	if r.config.HungThreshold > 0 {
		go r.detectHungUpload(chunkCtx, cancelChunk, start, d.Index)
	}

	resp, err := r.transport.UploadChunk(chunkCtx, transport.ChunkRequest{
		FileID:      r.session.Fingerprint.ID,
		UploadRef:   r.session.UploadRef,
		Index:       d.Index,
		TotalChunks: r.session.Fingerprint.TotalChunks,
		Offset:      d.Offset,
		Data:        data,
		Headers:     r.config.Headers,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(context.Cause(chunkCtx), recovery.ErrHung) {
			return "", fmt.Errorf("chunk %d: %w", d.Index, recovery.ErrHung)
		}
		return "", err
	}
	return resp.Receipt, nil
}

// detectHungUpload cancels the chunk upload once it runs HungThreshold longer
// than the average successful upload.
func (r *run) detectHungUpload(ctx context.Context, cancel context.CancelCauseFunc, start time.Time, index uint32) {
	ticker := time.NewTicker(r.config.HungCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := r.stats.Average()
				if elapsed-avg > r.config.HungThreshold {
					r.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
						index, elapsed.Round(time.Millisecond), avg.Round(time.Millisecond))
					cancel(recovery.ErrHung)
					return
				}
			}
		}
	}
}

// persist records the chunk in the resume store. The write outlives session
// cancellation so that a chunk uploaded right before a cancel is not lost.
func (r *run) persist(ctx context.Context, index uint32, receipt string) bool {
	if r.store == nil {
		return false
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.PersistTimeout)
	defer cancel()

	if err := r.store.SetChunkUploaded(persistCtx, r.session.Fingerprint.ID, index, receipt); err != nil {
		r.logger.Warnf("Failed to persist upload of chunk %d: %s", index, err)
		return false
	}
	return true
}
