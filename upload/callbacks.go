package upload

import (
	"time"

	"github.com/bitrise-io/go-chunkupload/event"
	"github.com/bitrise-io/go-chunkupload/merge"
	"github.com/bitrise-io/go-chunkupload/recovery"
)

// Callbacks are invoked from the upload's scheduler goroutine and must not
// block. Nil callbacks are skipped.
type Callbacks struct {
	Progress     func(bytesUploaded, totalBytes uint64)
	ChunkRetried func(index uint32, delay time.Duration, kind recovery.ErrorKind)
	Completed    func(result *merge.Result)
	Failed       func(err *recovery.ClassifiedError)
}

// Handler adapts the callbacks to an event handler.
func (c Callbacks) Handler() event.Handler {
	return func(e event.Event) {
		switch e.Type {
		case event.Progress:
			if c.Progress != nil {
				c.Progress(e.BytesUploaded, e.TotalBytes)
			}
		case event.ChunkRetried:
			if c.ChunkRetried != nil {
				c.ChunkRetried(e.ChunkIndex, e.Delay, e.Kind)
			}
		case event.Completed:
			if c.Completed != nil {
				c.Completed(e.Result)
			}
		case event.Failed:
			if c.Failed != nil {
				c.Failed(e.Err)
			}
		}
	}
}
