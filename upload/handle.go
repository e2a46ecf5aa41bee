package upload

import (
	"context"
	"sync/atomic"

	"github.com/bitrise-io/go-chunkupload/merge"
	"github.com/bitrise-io/go-chunkupload/recovery"
	"github.com/bitrise-io/go-chunkupload/scheduler"
)

// Handle controls a started upload.
type Handle struct {
	id      string
	control *scheduler.Control
	cancel  context.CancelCauseFunc
	done    chan struct{}

	// status is used until the session exists and after a failed preparation.
	status  atomic.Int32
	session atomic.Pointer[scheduler.Session]

	result *merge.Result
	err    error
}

func newHandle(id string, cancel context.CancelCauseFunc) *Handle {
	h := &Handle{
		id:      id,
		control: scheduler.NewControl(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	h.status.Store(int32(scheduler.Planning))
	return h
}

// ID returns the session ID.
func (h *Handle) ID() string {
	return h.id
}

// Pause stops dispatching chunks. Uploads already in flight finish.
func (h *Handle) Pause() bool {
	return h.control.Pause()
}

// Resume continues a paused upload.
func (h *Handle) Resume() bool {
	return h.control.Resume()
}

// Cancel stops the upload. Progress stored so far stays valid for a later
// upload of the same file.
func (h *Handle) Cancel() {
	h.cancel(recovery.ErrCancelled)
}

// Done is closed when the upload reached a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the upload finishes or ctx ends. The error is a
// *recovery.ClassifiedError when the upload failed or was cancelled.
func (h *Handle) Wait(ctx context.Context) (*merge.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.result, h.err
	}
}

// Status returns the current session status.
func (h *Handle) Status() scheduler.Status {
	status := scheduler.Status(h.status.Load())
	if status.Terminal() {
		return status
	}
	if s := h.session.Load(); s != nil {
		return s.Status()
	}
	return status
}

// Progress returns the uploaded and the total number of bytes.
func (h *Handle) Progress() (uint64, uint64) {
	if s := h.session.Load(); s != nil {
		return s.BytesUploaded(), s.TotalBytes()
	}
	return 0, 0
}
