// Package upload is the caller facing API of the resumable chunked upload
// engine.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/event"
	"github.com/bitrise-io/go-chunkupload/fingerprint"
	"github.com/bitrise-io/go-chunkupload/merge"
	"github.com/bitrise-io/go-chunkupload/recovery"
	"github.com/bitrise-io/go-chunkupload/resume"
	"github.com/bitrise-io/go-chunkupload/scheduler"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// ErrFingerprintMismatch is returned under StrictResume when the stored
// progress belongs to a different version of the file.
var ErrFingerprintMismatch = errors.New("stored upload progress does not match the file")

// Uploader starts upload sessions. It is safe for concurrent use; sessions
// never share mutable state.
type Uploader struct {
	config     Config
	transport  transport.Transport
	store      resume.Store
	hasher     fingerprint.Hasher
	registry   *recovery.Registry
	classifier *recovery.Classifier
	quality    *recovery.Quality
	handlers   []event.Handler
	logger     log.Logger
}

// Option customizes an Uploader.
type Option func(*Uploader)

// WithHasher sets the hasher of content fingerprints.
func WithHasher(h fingerprint.Hasher) Option {
	return func(u *Uploader) { u.hasher = h }
}

// WithRegistry replaces the recovery strategy registry.
func WithRegistry(r *recovery.Registry) Option {
	return func(u *Uploader) { u.registry = r }
}

// WithClassifier replaces the error classifier.
func WithClassifier(c *recovery.Classifier) Option {
	return func(u *Uploader) { u.classifier = c }
}

// WithQuality sets the network quality monitor shared by the sessions.
func WithQuality(q *recovery.Quality) Option {
	return func(u *Uploader) { u.quality = q }
}

// WithEventHandler adds a handler that receives the events of every session.
func WithEventHandler(h event.Handler) Option {
	return func(u *Uploader) { u.handlers = append(u.handlers, h) }
}

// NewUploader creates an uploader. A nil store keeps progress in memory.
func NewUploader(config Config, t transport.Transport, store resume.Store, logger log.Logger, opts ...Option) (*Uploader, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.New("transport must not be nil")
	}
	if store == nil {
		store = resume.NewMemoryStore()
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	u := &Uploader{
		config:    config,
		transport: t,
		store:     store,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(u)
	}

	if u.hasher == nil {
		u.hasher = fingerprint.NewHasher()
	}
	if u.quality == nil && config.Adaptive {
		u.quality = recovery.NewQuality(recovery.DefaultQualityConfig())
	}
	if u.registry == nil {
		u.registry = recovery.DefaultRegistry(config.Retry, u.quality)
	}
	if u.classifier == nil {
		u.classifier = recovery.NewClassifier()
	}
	if _, ok := t.(transport.Deduplicator); config.InstantUpload && !ok {
		logger.Warnf("Instant upload is enabled but the transport can not check for existing files")
	}

	return u, nil
}

// Registry returns the recovery strategy registry. Strategies may be
// replaced while uploads run.
func (u *Uploader) Registry() *recovery.Registry {
	return u.registry
}

// StartOption customizes a single upload.
type StartOption func(*startOptions)

type startOptions struct {
	handlers []event.Handler
	paused   bool
}

// WithCallbacks registers callbacks for this upload.
func WithCallbacks(c Callbacks) StartOption {
	return func(o *startOptions) { o.handlers = append(o.handlers, c.Handler()) }
}

// WithEvents registers an event handler for this upload.
func WithEvents(h event.Handler) StartOption {
	return func(o *startOptions) { o.handlers = append(o.handlers, h) }
}

// StartPaused starts the upload in Paused state.
func StartPaused() StartOption {
	return func(o *startOptions) { o.paused = true }
}

// StartUpload starts uploading file in the background. The upload stops when
// ctx ends or the handle is cancelled.
func (u *Uploader) StartUpload(ctx context.Context, file *File, opts ...StartOption) (*Handle, error) {
	if err := file.validate(); err != nil {
		return nil, err
	}

	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	h := newHandle(uuid.NewString(), cancel)
	if o.paused {
		h.control.Pause()
	}
	events := event.Multi(append(append([]event.Handler(nil), u.handlers...), o.handlers...)...)

	go func() {
		defer close(h.done)
		defer cancel(nil)
		h.result, h.err = u.upload(runCtx, h, file, events)
	}()

	return h, nil
}

// session is the preparation state of one upload.
type session struct {
	u      *Uploader
	h      *Handle
	file   *File
	events event.Handler
	fileID string
}

func (s *session) emit(e event.Event) {
	e.SessionID = s.h.id
	e.FileID = s.fileID
	e.Time = time.Now()
	s.events(e)
}

func (u *Uploader) upload(ctx context.Context, h *Handle, file *File, events event.Handler) (*merge.Result, error) {
	s := &session{u: u, h: h, file: file, events: events}

	chunkSize := u.config.chunkPolicy().ChunkSize(file.Size)
	u.logger.Infof("Uploading %s (%s) in chunks of %s", file.Name, units.HumanSize(float64(file.Size)), units.HumanSize(float64(chunkSize)))

	fpService := fingerprint.NewService(u.config.IdentityMode, u.config.HashAlgorithm, u.hasher, u.logger)
	fpService.RequireContent = u.config.InstantUpload
	fp, err := fpService.Compute(ctx, file.Size, chunkSize, fingerprint.Identity{
		Name:    file.Name,
		Size:    file.Size,
		ModTime: file.ModTime,
		Open:    file.Open,
	})
	if err != nil {
		return nil, s.fail(ctx, fmt.Errorf("fingerprint: %w", err))
	}
	s.fileID = fp.ID

	descs, err := chunk.Plan(file.Size, chunk.Fixed(chunkSize), u.config.planOptions()...)
	if err != nil {
		return nil, s.fail(ctx, fmt.Errorf("plan chunks: %w", err))
	}

	record, err := s.reconcile(ctx, fp)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	if result, ok := s.deduplicate(ctx, fp, record); ok {
		return result, nil
	}

	uploadRef, record, err := s.begin(ctx, fp, record)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	states, err := scheduler.StatesFromRecord(fp.TotalChunks, record)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	sess, err := scheduler.NewSession(h.id, fp, uploadRef, descs, states, file.Source)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	h.session.Store(sess)

	sched := scheduler.New(u.config.schedulerConfig(), scheduler.Deps{
		Transport:  u.transport,
		Store:      u.store,
		Registry:   u.registry,
		Classifier: u.classifier,
		Quality:    u.quality,
		Events:     events,
		Logger:     u.logger,
	})
	result, err := sched.Run(ctx, sess, h.control)
	h.status.Store(int32(sess.Status()))
	if err != nil && record != nil && uploadRef != "" {
		s.dropRejectedUpload(ctx, fp.ID, err)
	}
	return result, err
}

// dropRejectedUpload clears the progress of a resumed upload the backend
// rejected, like an expired or aborted server side upload, so the next attempt
// creates a new one instead of failing the same way.
func (s *session) dropRejectedUpload(ctx context.Context, id string, err error) {
	cerr, ok := recovery.AsClassified(err)
	if !ok || cerr.Kind != recovery.ClientRejected {
		return
	}

	s.u.logger.Warnf("Resumed upload of %s was rejected, discarding its progress", id)
	if err := s.u.store.Clear(context.WithoutCancel(ctx), id); err != nil {
		s.u.logger.Warnf("Failed to clear upload progress of %s: %s", id, err)
	}
}

// reconcile loads the stored progress of fp. A nil record means the upload
// starts from scratch.
func (s *session) reconcile(ctx context.Context, fp fingerprint.Fingerprint) (*resume.Record, error) {
	u := s.u
	record, err := u.store.Load(ctx, fp.ID)
	if errors.Is(err, resume.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		u.logger.Warnf("Failed to load upload progress of %s, starting over: %s", fp.ID, err)
		return nil, nil
	}

	reason := ""
	if !record.Fingerprint.Matches(fp) {
		reason = fmt.Sprintf("stored %d bytes in %d chunks of %d, file has %d bytes in %d chunks of %d",
			record.Fingerprint.Size, record.Fingerprint.TotalChunks, record.Fingerprint.ChunkSize,
			fp.Size, fp.TotalChunks, fp.ChunkSize)
	} else if err := record.Validate(fp.TotalChunks); err != nil {
		reason = err.Error()
	}

	if reason != "" {
		if u.config.StrictResume {
			return nil, fmt.Errorf("%w: %s", ErrFingerprintMismatch, reason)
		}
		u.logger.Warnf("Discarding upload progress of %s: %s", fp.ID, reason)
		if err := u.store.Clear(ctx, fp.ID); err != nil {
			u.logger.Warnf("Failed to clear upload progress of %s: %s", fp.ID, err)
		}
		return nil, nil
	}

	u.logger.Infof("Resuming upload of %s: %d of %d chunks already uploaded", fp.ID, len(record.Chunks), fp.TotalChunks)
	return record, nil
}

// deduplicate completes the upload without sending chunks when the backend
// already has the file.
func (s *session) deduplicate(ctx context.Context, fp fingerprint.Fingerprint, record *resume.Record) (*merge.Result, bool) {
	u := s.u
	dedup, ok := u.transport.(transport.Deduplicator)
	if !u.config.InstantUpload || !ok || !fp.IsContentBased() {
		return nil, false
	}

	exists, err := dedup.Exists(ctx, fp.ID)
	if err != nil {
		u.logger.Warnf("Failed to check whether %s exists, uploading it: %s", fp.ID, err)
		return nil, false
	}
	if !exists {
		return nil, false
	}

	if record != nil && u.config.PurgeOnComplete {
		if err := u.store.Clear(ctx, fp.ID); err != nil {
			u.logger.Warnf("Failed to clear upload progress of %s: %s", fp.ID, err)
		}
	}

	result := &merge.Result{
		FileID:       fp.ID,
		TotalChunks:  fp.TotalChunks,
		Size:         fp.Size,
		Deduplicated: true,
	}
	u.logger.Donef("%s is already uploaded, skipping", s.file.Name)
	s.h.status.Store(int32(scheduler.Completed))
	s.emit(event.Event{Type: event.SessionStarted, TotalBytes: fp.Size})
	s.emit(event.Event{Type: event.Completed, BytesUploaded: fp.Size, TotalBytes: fp.Size, Result: result})
	return result, true
}

// begin returns the server side upload reference and the progress to
// continue from. A new server side upload is created when the transport needs
// one and none is stored; chunks of an earlier upload are then dropped.
func (s *session) begin(ctx context.Context, fp fingerprint.Fingerprint, record *resume.Record) (string, *resume.Record, error) {
	u := s.u
	initiator, needsRef := u.transport.(transport.Initiator)
	if record != nil && (record.UploadRef != "" || !needsRef) {
		return record.UploadRef, record, nil
	}

	uploadRef := ""
	if needsRef {
		ref, err := initiator.Initiate(ctx, transport.InitRequest{
			FileID:      fp.ID,
			FileName:    s.file.Name,
			ContentType: s.file.ContentType,
			Size:        fp.Size,
			ChunkSize:   fp.ChunkSize,
			TotalChunks: fp.TotalChunks,
		})
		if err != nil {
			return "", nil, fmt.Errorf("initiate upload: %w", err)
		}
		uploadRef = ref
	}

	if err := u.store.Begin(ctx, fp, uploadRef); err != nil {
		if ctx.Err() != nil {
			return "", nil, err
		}
		u.logger.Warnf("Failed to record upload of %s, it can not be resumed: %s", fp.ID, err)
	}
	return uploadRef, nil, nil
}

// fail reports an error that ended the upload before chunks were scheduled.
func (s *session) fail(ctx context.Context, err error) error {
	if ctxErr := context.Cause(ctx); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		err = ctxErr
	}

	cerr := s.u.classifier.Classify(err, recovery.Context{})
	if errors.Is(err, ErrFingerprintMismatch) || errors.Is(err, chunk.ErrInvariant) || errors.Is(err, resume.ErrInvariant) {
		cerr.Retryable = false
	}

	if cerr.Kind == recovery.Cancelled {
		s.h.status.Store(int32(scheduler.Cancelled))
		s.emit(event.Event{Type: event.StatusChanged, Status: scheduler.Cancelled.String()})
		return cerr
	}

	cerr.Severity = recovery.SeverityFatal
	s.u.logger.Errorf("Upload of %s failed: %s", s.file.Name, cerr.Message)
	s.h.status.Store(int32(scheduler.Failed))
	s.emit(event.Event{Type: event.Failed, Kind: cerr.Kind, Err: cerr})
	return cerr
}
