package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/event"
	"github.com/bitrise-io/go-chunkupload/merge"
	"github.com/bitrise-io/go-chunkupload/recovery"
	"github.com/bitrise-io/go-chunkupload/resume"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Config holds the scheduling parameters of a session.
type Config struct {
	// Concurrency is the initial number of parallel chunk uploads.
	Concurrency int
	// MinConcurrency and MaxConcurrency bound Concurrency when Adaptive is set.
	MinConcurrency int
	MaxConcurrency int
	// Adaptive moves the concurrency limit with the observed network quality.
	Adaptive bool

	// HungThreshold is the duration after which a chunk upload is considered hung
	// if it exceeds the average upload time by this amount. Zero disables hung
	// detection.
	HungThreshold     time.Duration
	HungCheckInterval time.Duration

	// DrainTimeout bounds how long a cancelled session waits for in-flight
	// chunk uploads to return.
	DrainTimeout time.Duration
	// PersistTimeout bounds each resume store write.
	PersistTimeout time.Duration

	MergeMaxRetries uint32
	// PurgeOnComplete clears the resume entry after a successful merge.
	PurgeOnComplete bool

	// Headers are sent with every chunk.
	Headers map[string]string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	c := chunk.DefaultConcurrency()
	return Config{
		Concurrency:       c,
		MinConcurrency:    1,
		MaxConcurrency:    c,
		HungThreshold:     30 * time.Second,
		HungCheckInterval: time.Second,
		DrainTimeout:      5 * time.Second,
		PersistTimeout:    10 * time.Second,
		MergeMaxRetries:   merge.DefaultMaxRetries,
		PurgeOnComplete:   true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = 1
	}
	if c.MaxConcurrency < c.MinConcurrency {
		c.MaxConcurrency = c.Concurrency
	}
	if c.MaxConcurrency < c.MinConcurrency {
		c.MaxConcurrency = c.MinConcurrency
	}
	if c.Concurrency < c.MinConcurrency {
		c.Concurrency = c.MinConcurrency
	}
	if c.Concurrency > c.MaxConcurrency {
		c.Concurrency = c.MaxConcurrency
	}
	if c.HungCheckInterval <= 0 {
		c.HungCheckInterval = d.HungCheckInterval
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	return c
}

// Deps are the collaborators of the scheduler.
type Deps struct {
	Transport  transport.Transport
	Store      resume.Store
	Registry   *recovery.Registry
	Classifier *recovery.Classifier
	// Quality is fed with every chunk outcome. It drives the concurrency
	// limit when Config.Adaptive is set.
	Quality *recovery.Quality
	Events  event.Handler
	Logger  log.Logger
}

// Scheduler runs upload sessions.
type Scheduler struct {
	config Config
	deps   Deps
	stats  *Stats
}

// New creates a scheduler. Missing registry, classifier, event handler and
// logger dependencies get their defaults.
func New(config Config, deps Deps) *Scheduler {
	if deps.Registry == nil {
		deps.Registry = recovery.DefaultRegistry(recovery.DefaultPolicies(), deps.Quality)
	}
	if deps.Classifier == nil {
		deps.Classifier = recovery.NewClassifier()
	}
	if deps.Events == nil {
		deps.Events = event.Discard
	}
	if deps.Logger == nil {
		deps.Logger = log.NewLogger()
	}

	return &Scheduler{
		config: config.withDefaults(),
		deps:   deps,
		stats:  NewStats(),
	}
}

// Stats returns the chunk duration statistics.
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

// run is the state of one Run call. Its fields are only touched by the loop
// goroutine, except for the ones shared with workers which are read only.
type run struct {
	config     Config
	session    *Session
	control    *Control
	transport  transport.Transport
	store      resume.Store
	registry   *recovery.Registry
	classifier *recovery.Classifier
	quality    *recovery.Quality
	events     event.Handler
	logger     log.Logger
	stats      *Stats
	merger     *merge.Coordinator

	results chan outcome
	requeue chan uint32
	done    chan struct{}

	queue    pendingQueue
	inFlight map[uint32]context.CancelFunc
	timers   map[uint32]*time.Timer
	limit    int
	failure  *recovery.ClassifiedError
}

// Run uploads every pending chunk of the session and merges the file. It
// returns the merge result, or a *recovery.ClassifiedError describing why
// the session failed or was cancelled. A nil control means the session can
// not be paused.
func (s *Scheduler) Run(ctx context.Context, session *Session, control *Control) (*merge.Result, error) {
	if !session.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	if s.deps.Transport == nil {
		return nil, errors.New("transport must not be nil")
	}
	if control == nil {
		control = NewControl()
	}

	r := &run{
		config:     s.config,
		session:    session,
		control:    control,
		transport:  s.deps.Transport,
		store:      s.deps.Store,
		registry:   s.deps.Registry,
		classifier: s.deps.Classifier,
		quality:    s.deps.Quality,
		events:     s.deps.Events,
		logger:     s.deps.Logger,
		stats:      s.stats,
		merger:     merge.NewCoordinator(s.deps.Transport, s.deps.Registry, s.deps.Classifier, s.config.MergeMaxRetries, s.deps.Logger),
		results:    make(chan outcome, s.config.MaxConcurrency),
		requeue:    make(chan uint32),
		done:       make(chan struct{}),
		inFlight:   map[uint32]context.CancelFunc{},
		timers:     map[uint32]*time.Timer{},
		limit:      s.config.Concurrency,
	}
	defer r.close()

	return r.loop(ctx)
}

func (r *run) close() {
	close(r.done)
	for _, t := range r.timers {
		t.Stop()
	}
	for _, cancel := range r.inFlight {
		cancel()
	}
}

func (r *run) emit(e event.Event) {
	e.SessionID = r.session.ID
	e.FileID = r.session.Fingerprint.ID
	e.Time = time.Now()
	r.events(e)
}

func (r *run) setStatus(status Status) {
	if r.session.Status() == status {
		return
	}
	r.session.setStatus(status)
	r.emit(event.Event{Type: event.StatusChanged, Status: status.String()})
}

func (r *run) progress() {
	r.emit(event.Event{
		Type:          event.Progress,
		BytesUploaded: r.session.BytesUploaded(),
		TotalBytes:    r.session.TotalBytes(),
	})
}

func (r *run) loop(ctx context.Context) (*merge.Result, error) {
	for _, d := range r.session.Descriptors {
		st := &r.session.States[d.Index]
		if st.Status != ChunkUploaded {
			st.Status = ChunkPending
			r.queue.push(d)
		}
	}

	r.emit(event.Event{
		Type:          event.SessionStarted,
		BytesUploaded: r.session.BytesUploaded(),
		TotalBytes:    r.session.TotalBytes(),
		Concurrency:   r.limit,
	})
	if r.control.Paused() {
		r.setStatus(Paused)
	} else {
		r.setStatus(Running)
	}
	r.logger.Debugf("Uploading %d of %d chunks of %s with concurrency %d",
		r.queue.Len(), len(r.session.Descriptors), r.session.Fingerprint.ID, r.limit)

	for {
		if r.failure == nil && !r.control.Paused() {
			r.dispatch(ctx)
		}

		if len(r.inFlight) == 0 {
			if r.failure != nil {
				return nil, r.fail(r.failure)
			}
			if r.session.allUploaded() {
				// A paused session merges once it is resumed.
				if !r.control.Paused() {
					return r.merge(ctx)
				}
			} else if r.queue.Len() == 0 && len(r.timers) == 0 {
				return nil, r.fail(r.classifier.Classify(
					fmt.Errorf("%w: no chunk left to upload but the file is incomplete", chunk.ErrInvariant),
					recovery.Context{}))
			}
		}

		select {
		case <-ctx.Done():
			return nil, r.cancel(ctx)
		case out := <-r.results:
			r.handle(out)
		case index := <-r.requeue:
			r.retry(index)
		case <-r.control.wake:
			if r.control.Paused() {
				r.logger.Infof("Upload of %s paused", r.session.Fingerprint.ID)
				r.setStatus(Paused)
			} else {
				r.logger.Infof("Upload of %s resumed", r.session.Fingerprint.ID)
				r.setStatus(Running)
			}
		}
	}
}

func (r *run) dispatch(ctx context.Context) {
	for len(r.inFlight) < r.limit && r.queue.Len() > 0 {
		d := r.queue.pop()
		st := &r.session.States[d.Index]
		st.Status = ChunkInFlight

		chunkCtx, cancel := context.WithCancel(ctx)
		r.inFlight[d.Index] = cancel
		r.session.activeWorkers.Add(1)

		r.emit(event.Event{Type: event.ChunkStarted, ChunkIndex: d.Index, ChunkSize: d.Length, RetryCount: st.RetryCount})
		r.logger.Debugf("Uploading chunk %d/%d (attempt %d) [finished=%d] [avg=%v]",
			d.Index+1, len(r.session.Descriptors), st.RetryCount+1,
			r.stats.FinishedCount(), r.stats.Average().Round(time.Millisecond))

		go r.work(chunkCtx, job{
			desc:       d,
			retryCount: st.RetryCount,
			history:    append([]recovery.RecoveryAttempt(nil), st.Attempts...),
		})
	}
}

func (r *run) finishChunk(index uint32) {
	if cancel, ok := r.inFlight[index]; ok {
		cancel()
		delete(r.inFlight, index)
		r.session.activeWorkers.Add(-1)
	}
}

func (r *run) handle(out outcome) {
	r.finishChunk(out.index)
	d := r.session.Descriptors[out.index]
	st := &r.session.States[out.index]

	if out.err == nil {
		st.Status = ChunkUploaded
		st.Receipt = out.receipt
		st.Durable = out.durable
		if n := len(st.Attempts); n > 0 {
			st.Attempts[n-1].Successful = true
		}
		r.session.bytesUploaded.Add(uint64(d.Length))
		r.observe(true, out.duration)

		r.logger.Debugf("Chunk %d uploaded in %v", out.index+1, out.duration.Round(time.Millisecond))
		r.emit(event.Event{Type: event.ChunkUploaded, ChunkIndex: out.index, ChunkSize: d.Length, RetryCount: st.RetryCount, Duration: out.duration})
		r.progress()
		return
	}

	cerr := out.err
	st.LastError = cerr
	st.Attempts = cerr.RecoveryAttempts
	st.Status = ChunkFailed

	if r.failure != nil {
		// Draining after a terminal failure.
		return
	}
	if cerr.Kind == recovery.Cancelled {
		// The session context ended; the loop finishes it as cancelled.
		st.Status = ChunkPending
		r.stop(cerr)
		return
	}
	r.observe(false, out.duration)

	switch out.decision.Action {
	case recovery.ActionRetry:
		st.RetryCount++
		r.logger.Warnf("Chunk %d attempt %d failed (%s), retrying in %s", out.index+1, st.RetryCount, cerr.Message, out.decision.Delay)
		r.emit(event.Event{Type: event.ChunkRetried, ChunkIndex: out.index, RetryCount: st.RetryCount, Delay: out.decision.Delay, Kind: cerr.Kind, Err: cerr})
		r.schedule(out.index, out.decision.Delay)
	case recovery.ActionEscalate:
		cerr.Severity = recovery.SeverityEscalated
		r.abort(cerr, true)
	default:
		cerr.Severity = recovery.SeverityFatal
		// A retryable kind is only aborted once its retries are exhausted;
		// the other chunks may still finish.
		r.abort(cerr, !cerr.Retryable)
	}
}

func (r *run) abort(cerr *recovery.ClassifiedError, cancelInFlight bool) {
	r.logger.Errorf("Chunk %d failed: %s", *cerr.ChunkIndex+1, cerr.Message)
	r.emit(event.Event{Type: event.ChunkFailed, ChunkIndex: *cerr.ChunkIndex, RetryCount: cerr.RetryCount, Kind: cerr.Kind, Err: cerr})

	if cancelInFlight {
		r.stop(cerr)
	} else {
		r.failure = cerr
	}
}

// stop records the terminal error and cancels every in-flight upload.
func (r *run) stop(cerr *recovery.ClassifiedError) {
	r.failure = cerr
	for _, cancel := range r.inFlight {
		cancel()
	}
}

func (r *run) schedule(index uint32, delay time.Duration) {
	r.timers[index] = time.AfterFunc(delay, func() {
		select {
		case r.requeue <- index:
		case <-r.done:
		}
	})
}

func (r *run) retry(index uint32) {
	delete(r.timers, index)
	if r.failure != nil {
		return
	}
	r.session.States[index].Status = ChunkPending
	r.queue.push(r.session.Descriptors[index])
}

func (r *run) observe(success bool, rtt time.Duration) {
	if r.quality == nil {
		return
	}
	r.quality.Record(success, rtt)

	if !r.config.Adaptive {
		return
	}
	limit := r.quality.Concurrency(r.limit, r.config.MinConcurrency, r.config.MaxConcurrency)
	if limit != r.limit {
		r.logger.Debugf("Concurrency changed from %d to %d", r.limit, limit)
		r.limit = limit
		r.emit(event.Event{Type: event.ConcurrencyChanged, Concurrency: limit})
	}
}

// cancel stops the session after its context ended. In-flight uploads are
// asked to stop and awaited for at most DrainTimeout. Chunks that still
// finish are recorded but do not change the outcome.
func (r *run) cancel(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		cause = recovery.ErrCancelled
	}
	cerr := r.classifier.Classify(cause, recovery.Context{})
	if cerr.Kind != recovery.Cancelled {
		cerr.Severity = recovery.SeverityFatal
	}

	for _, cancel := range r.inFlight {
		cancel()
	}
	r.drain()

	return r.fail(cerr)
}

func (r *run) drain() {
	if len(r.inFlight) == 0 {
		return
	}

	timer := time.NewTimer(r.config.DrainTimeout)
	defer timer.Stop()

	for len(r.inFlight) > 0 {
		select {
		case out := <-r.results:
			r.finishChunk(out.index)
			if out.err == nil {
				// Stored by the worker, keep the state consistent with the store.
				st := &r.session.States[out.index]
				st.Status = ChunkUploaded
				st.Receipt = out.receipt
				st.Durable = out.durable
				r.session.bytesUploaded.Add(uint64(r.session.Descriptors[out.index].Length))
			}
		case <-timer.C:
			r.logger.Warnf("%d chunk uploads did not stop within %s", len(r.inFlight), r.config.DrainTimeout)
			return
		}
	}
}

func (r *run) fail(cerr *recovery.ClassifiedError) error {
	if cerr.Kind == recovery.Cancelled {
		r.logger.Warnf("Upload of %s cancelled", r.session.Fingerprint.ID)
		r.setStatus(Cancelled)
		return cerr
	}

	r.logger.Errorf("Upload of %s failed: %s", r.session.Fingerprint.ID, cerr.Message)
	r.setStatus(Failed)
	r.emit(event.Event{Type: event.Failed, Kind: cerr.Kind, Err: cerr})
	return cerr
}

func (r *run) merge(ctx context.Context) (*merge.Result, error) {
	result, err := r.merger.Merge(ctx, merge.Request{
		FileID:      r.session.Fingerprint.ID,
		UploadRef:   r.session.UploadRef,
		TotalChunks: r.session.Fingerprint.TotalChunks,
		Size:        r.session.Fingerprint.Size,
		Receipts:    r.session.receipts(),
	})
	if err != nil {
		cerr, ok := recovery.AsClassified(err)
		if !ok {
			cerr = r.classifier.Classify(err, recovery.Context{})
			cerr.Severity = recovery.SeverityFatal
		}
		return nil, r.fail(cerr)
	}

	if r.config.PurgeOnComplete && r.store != nil {
		if err := r.store.Clear(context.WithoutCancel(ctx), r.session.Fingerprint.ID); err != nil {
			r.logger.Warnf("Failed to clear resume state of %s: %s", r.session.Fingerprint.ID, err)
		}
	}

	r.logger.Donef("Uploaded %s (%d chunks) to %s", r.session.Fingerprint.ID, result.TotalChunks, result.Location)
	r.setStatus(Completed)
	r.emit(event.Event{
		Type:          event.Completed,
		BytesUploaded: r.session.BytesUploaded(),
		TotalBytes:    r.session.TotalBytes(),
		Result:        result,
	})
	return result, nil
}
