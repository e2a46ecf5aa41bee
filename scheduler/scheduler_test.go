package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/event"
	"github.com/bitrise-io/go-chunkupload/fingerprint"
	"github.com/bitrise-io/go-chunkupload/recovery"
	"github.com/bitrise-io/go-chunkupload/resume"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

var errConnReset = fmt.Errorf("write: %w", syscall.ECONNRESET)

type fakeTransport struct {
	mu       sync.Mutex
	calls    map[uint32]int
	order    []uint32
	failures map[uint32][]error
	// hang makes the given attempt of a chunk block until it is cancelled.
	hang      map[uint32]map[int]bool
	delay     time.Duration
	cancelled int32
	// release holds every chunk upload until it is closed.
	release chan struct{}

	inFlight    int32
	maxInFlight int32

	merges int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		calls:    map[uint32]int{},
		failures: map[uint32][]error{},
		hang:     map[uint32]map[int]bool{},
	}
}

func (f *fakeTransport) hangAttempt(index uint32, attempt int) {
	if f.hang[index] == nil {
		f.hang[index] = map[int]bool{}
	}
	f.hang[index][attempt] = true
}

func (f *fakeTransport) UploadChunk(ctx context.Context, req transport.ChunkRequest) (*transport.ChunkResponse, error) {
	current := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&f.maxInFlight)
		if current <= peak || atomic.CompareAndSwapInt32(&f.maxInFlight, peak, current) {
			break
		}
	}

	f.mu.Lock()
	attempt := f.calls[req.Index]
	f.calls[req.Index]++
	f.order = append(f.order, req.Index)
	var err error
	if attempt < len(f.failures[req.Index]) {
		err = f.failures[req.Index][attempt]
	}
	hang := f.hang[req.Index][attempt]
	f.mu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			atomic.AddInt32(&f.cancelled, 1)
			return nil, ctx.Err()
		}
	}
	if hang {
		<-ctx.Done()
		atomic.AddInt32(&f.cancelled, 1)
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			atomic.AddInt32(&f.cancelled, 1)
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return &transport.ChunkResponse{Receipt: fmt.Sprintf("etag-%d", req.Index)}, nil
}

func (f *fakeTransport) Merge(_ context.Context, req transport.MergeRequest) (*transport.MergeResponse, error) {
	atomic.AddInt32(&f.merges, 1)
	return &transport.MergeResponse{Location: "https://files/" + req.FileID, ETag: "final"}, nil
}

func (f *fakeTransport) callCount(index uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[index]
}

func (f *fakeTransport) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handle(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t event.Type) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func fastPolicies() recovery.Policies {
	p := recovery.DefaultPolicies()
	for _, policy := range []*recovery.BackoffPolicy{&p.Network, &p.Timeout, &p.Server} {
		policy.InitialDelay = time.Millisecond
		policy.MaxDelay = 20 * time.Millisecond
	}
	p.UnknownDelay = time.Millisecond
	return p
}

func newTestSession(t *testing.T, size uint64, chunkSize uint32, states []ChunkState, opts ...chunk.Option) *Session {
	descs, err := chunk.Plan(size, chunk.Fixed(chunkSize), opts...)
	require.NoError(t, err)

	fp := fingerprint.Fingerprint{ID: "file-1", Size: size, ChunkSize: chunkSize, TotalChunks: uint32(len(descs))}
	s, err := NewSession("session-1", fp, "ref", descs, states, chunk.BytesSource(make([]byte, size)))
	require.NoError(t, err)
	return s
}

func beginStore(t *testing.T, s *Session) *resume.MemoryStore {
	store := resume.NewMemoryStore()
	require.NoError(t, store.Begin(context.Background(), s.Fingerprint, s.UploadRef))
	return store
}

func newTestScheduler(tr transport.Transport, store resume.Store, rec *recorder, modify ...func(*Config)) *Scheduler {
	config := DefaultConfig()
	config.Concurrency = 3
	config.MaxConcurrency = 3
	config.HungThreshold = 0
	config.DrainTimeout = time.Second
	for _, m := range modify {
		m(&config)
	}
	return New(config, Deps{
		Transport: tr,
		Store:     store,
		Registry:  recovery.DefaultRegistry(fastPolicies(), nil),
		Events:    rec.handle,
		Logger:    log.NewLogger(),
	})
}

func TestRun_HappyPath(t *testing.T) {
	session := newTestSession(t, 10*mib, 2*mib, nil)
	store := beginStore(t, session)
	tr := newFakeTransport()
	tr.delay = 5 * time.Millisecond
	rec := &recorder{}

	result, err := newTestScheduler(tr, store, rec).Run(context.Background(), session, nil)
	require.NoError(t, err)

	assert.Equal(t, "https://files/file-1", result.Location)
	assert.Equal(t, 5, tr.totalCalls())
	assert.LessOrEqual(t, atomic.LoadInt32(&tr.maxInFlight), int32(3))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tr.merges))
	for i, st := range session.States {
		assert.Equal(t, ChunkUploaded, st.Status, "chunk %d", i)
		assert.True(t, st.Durable, "chunk %d", i)
		assert.Equal(t, fmt.Sprintf("etag-%d", i), st.Receipt)
	}

	completed := rec.ofType(event.Completed)
	require.Len(t, completed, 1)
	assert.Equal(t, uint64(10*mib), completed[0].BytesUploaded)
	assert.Equal(t, Completed, session.Status())
	assert.Equal(t, 0, session.ActiveWorkers())

	// Purged after the merge
	_, err = store.Load(context.Background(), "file-1")
	assert.ErrorIs(t, err, resume.ErrNotFound)
}

func TestRun_FlakyNetworkRecovers(t *testing.T) {
	session := newTestSession(t, 10*mib, 2*mib, nil)
	tr := newFakeTransport()
	tr.failures[2] = []error{errConnReset, errConnReset}
	rec := &recorder{}

	_, err := newTestScheduler(tr, beginStore(t, session), rec).Run(context.Background(), session, nil)
	require.NoError(t, err)

	assert.Equal(t, Completed, session.Status())
	st := session.States[2]
	assert.Equal(t, ChunkUploaded, st.Status)
	assert.Equal(t, uint32(2), st.RetryCount)
	require.Len(t, st.Attempts, 2)
	assert.False(t, st.Attempts[0].Successful)
	assert.True(t, st.Attempts[1].Successful)
	assert.Equal(t, recovery.Network, st.LastError.Kind)
	assert.Equal(t, 3, tr.callCount(2))

	retried := rec.ofType(event.ChunkRetried)
	require.Len(t, retried, 2)
	for _, e := range retried {
		assert.Equal(t, uint32(2), e.ChunkIndex)
		assert.Equal(t, recovery.Network, e.Kind)
	}
	assert.Len(t, rec.ofType(event.Failed), 0)
}

func TestRun_FatalClientError(t *testing.T) {
	session := newTestSession(t, 10*mib, 2*mib, nil)
	tr := newFakeTransport()
	tr.failures[1] = []error{&transport.StatusError{Code: 413, Body: "too large"}}
	for _, i := range []uint32{0, 2, 3, 4} {
		tr.hangAttempt(i, 0)
	}
	rec := &recorder{}

	_, err := newTestScheduler(tr, beginStore(t, session), rec, func(c *Config) {
		c.Concurrency = 5
		c.MaxConcurrency = 5
	}).Run(context.Background(), session, nil)

	cerr, ok := recovery.AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, recovery.ClientRejected, cerr.Kind)
	assert.Equal(t, recovery.SeverityFatal, cerr.Severity)
	assert.Equal(t, 413, cerr.StatusCode)
	require.NotNil(t, cerr.ChunkIndex)
	assert.Equal(t, uint32(1), *cerr.ChunkIndex)

	assert.Equal(t, Failed, session.Status())
	assert.Equal(t, int32(4), atomic.LoadInt32(&tr.cancelled))
	assert.Equal(t, int32(0), atomic.LoadInt32(&tr.merges))
	assert.Equal(t, 1, tr.callCount(1))
	assert.Len(t, rec.ofType(event.Failed), 1)
	assert.Len(t, rec.ofType(event.Completed), 0)
}

func TestRun_RetriesAreBounded(t *testing.T) {
	session := newTestSession(t, 4*mib, 2*mib, nil)
	tr := newFakeTransport()
	for i := 0; i < 20; i++ {
		tr.failures[0] = append(tr.failures[0], errConnReset)
	}
	rec := &recorder{}

	_, err := newTestScheduler(tr, beginStore(t, session), rec).Run(context.Background(), session, nil)

	cerr, ok := recovery.AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, recovery.Network, cerr.Kind)
	assert.Equal(t, recovery.SeverityFatal, cerr.Severity)
	assert.Equal(t, uint32(5), cerr.RetryCount)
	assert.Len(t, cerr.RecoveryAttempts, 5)

	// The first attempt plus the five Network retries
	assert.Equal(t, 6, tr.callCount(0))
	// Retries exhausted, the other chunk is not cancelled
	assert.Equal(t, ChunkUploaded, session.States[1].Status)
	assert.Equal(t, Failed, session.Status())
	assert.Equal(t, int32(0), atomic.LoadInt32(&tr.merges))

	retried := rec.ofType(event.ChunkRetried)
	require.Len(t, retried, 5)
	for i := 1; i < len(retried); i++ {
		assert.GreaterOrEqual(t, retried[i].Delay, retried[i-1].Delay)
	}
}

func TestRun_ResumeSkipsUploadedChunks(t *testing.T) {
	ctx := context.Background()
	first := newTestSession(t, 10*mib, 2*mib, nil)
	store := beginStore(t, first)

	tr := newFakeTransport()
	tr.failures[3] = []error{&transport.StatusError{Code: 400, Body: "bad"}}
	_, err := newTestScheduler(tr, store, &recorder{}, func(c *Config) {
		c.Concurrency = 1
		c.MaxConcurrency = 1
	}).Run(ctx, first, nil)
	require.Error(t, err)

	// Restart
	record, err := store.Load(ctx, "file-1")
	require.NoError(t, err)
	assert.Len(t, record.Chunks, 3)
	states, err := StatesFromRecord(first.Fingerprint.TotalChunks, record)
	require.NoError(t, err)

	second := newTestSession(t, 10*mib, 2*mib, states)
	assert.Equal(t, uint64(6*mib), second.BytesUploaded())

	resumed := newFakeTransport()
	rec := &recorder{}
	_, err = newTestScheduler(resumed, store, rec).Run(ctx, second, nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []uint32{3, 4}, resumed.order)
	assert.Equal(t, []string{"etag-0", "etag-1", "etag-2", "etag-3", "etag-4"}, second.receipts())
	completed := rec.ofType(event.Completed)
	require.Len(t, completed, 1)
	assert.Equal(t, uint64(10*mib), completed[0].BytesUploaded)
}

func TestRun_MergesOnceWhenLastChunksFinishTogether(t *testing.T) {
	for i := 0; i < 20; i++ {
		session := newTestSession(t, 4, 1, nil)
		tr := newFakeTransport()

		_, err := newTestScheduler(tr, beginStore(t, session), &recorder{}, func(c *Config) {
			c.Concurrency = 4
			c.MaxConcurrency = 4
		}).Run(context.Background(), session, nil)
		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&tr.merges))
	}
}

func TestRun_AlreadyUploadedSessionOnlyMerges(t *testing.T) {
	states := []ChunkState{
		{Status: ChunkUploaded, Receipt: "a", Durable: true},
		{Status: ChunkUploaded, Receipt: "b", Durable: true},
	}
	session := newTestSession(t, 4, 2, states)
	tr := newFakeTransport()

	result, err := newTestScheduler(tr, beginStore(t, session), &recorder{}).Run(context.Background(), session, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), result.TotalChunks)
	assert.Equal(t, 0, tr.totalCalls())
	assert.Equal(t, int32(1), atomic.LoadInt32(&tr.merges))
}

func TestRun_PauseAndResume(t *testing.T) {
	session := newTestSession(t, 6, 2, nil)
	tr := newFakeTransport()
	rec := &recorder{}
	control := NewControl()
	control.Pause()

	done := make(chan error, 1)
	go func() {
		_, err := newTestScheduler(tr, beginStore(t, session), rec).Run(context.Background(), session, control)
		done <- err
	}()

	require.Eventually(t, func() bool { return session.Status() == Paused }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, tr.totalCalls())

	assert.True(t, control.Resume())
	assert.False(t, control.Resume())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not finish after resume")
	}
	assert.Equal(t, Completed, session.Status())
	assert.Equal(t, 3, tr.totalCalls())

	var statuses []string
	for _, e := range rec.ofType(event.StatusChanged) {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []string{"paused", "running", "completed"}, statuses)
}

func TestRun_PausedSessionDoesNotMerge(t *testing.T) {
	session := newTestSession(t, 4, 2, nil)
	tr := newFakeTransport()
	tr.release = make(chan struct{})
	rec := &recorder{}
	control := NewControl()

	done := make(chan error, 1)
	go func() {
		_, err := newTestScheduler(tr, beginStore(t, session), rec).Run(context.Background(), session, control)
		done <- err
	}()

	require.Eventually(t, func() bool { return tr.totalCalls() == 2 }, time.Second, time.Millisecond)
	assert.True(t, control.Pause())
	require.Eventually(t, func() bool { return session.Status() == Paused }, time.Second, time.Millisecond)

	// The last chunks finish while paused
	close(tr.release)
	require.Eventually(t, func() bool { return session.BytesUploaded() == 4 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&tr.merges))
	assert.Equal(t, Paused, session.Status())

	assert.True(t, control.Resume())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not finish after resume")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&tr.merges))

	var statuses []string
	for _, e := range rec.ofType(event.StatusChanged) {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []string{"running", "paused", "running", "completed"}, statuses)
}

func TestRun_UnknownErrorEscalates(t *testing.T) {
	session := newTestSession(t, 6, 2, nil)
	tr := newFakeTransport()
	tr.failures[0] = []error{errors.New("boom"), errors.New("boom")}
	tr.hangAttempt(1, 0)
	tr.hangAttempt(2, 0)
	rec := &recorder{}

	_, err := newTestScheduler(tr, beginStore(t, session), rec).Run(context.Background(), session, nil)

	cerr, ok := recovery.AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, recovery.Unknown, cerr.Kind)
	assert.Equal(t, recovery.SeverityEscalated, cerr.Severity)
	assert.Equal(t, uint32(1), cerr.RetryCount)

	assert.Equal(t, 2, tr.callCount(0))
	assert.Equal(t, int32(2), atomic.LoadInt32(&tr.cancelled))
	assert.Equal(t, int32(0), atomic.LoadInt32(&tr.merges))
	assert.Equal(t, Failed, session.Status())
	assert.Len(t, rec.ofType(event.ChunkRetried), 1)
	assert.Len(t, rec.ofType(event.Failed), 1)
}

func TestHandle_CancelledChunkIsNotAFailure(t *testing.T) {
	session := newTestSession(t, 4, 2, nil)
	rec := &recorder{}
	otherCancelled := false
	r := &run{
		session:  session,
		control:  NewControl(),
		events:   rec.handle,
		logger:   log.NewLogger(),
		stats:    NewStats(),
		inFlight: map[uint32]context.CancelFunc{1: func() { otherCancelled = true }},
		timers:   map[uint32]*time.Timer{},
	}

	cerr := recovery.NewClassifier().Classify(context.Canceled, recovery.ForChunk(0, 0, nil))
	r.handle(outcome{index: 0, err: cerr, decision: recovery.Abort("cancelled")})

	assert.Same(t, cerr, r.failure)
	assert.Equal(t, recovery.SeverityNone, cerr.Severity)
	assert.True(t, otherCancelled)
	assert.Equal(t, ChunkPending, session.States[0].Status)
	assert.Len(t, rec.ofType(event.ChunkFailed), 0)
}

func TestRun_Cancel(t *testing.T) {
	session := newTestSession(t, 6, 2, nil)
	store := beginStore(t, session)
	tr := newFakeTransport()
	tr.hangAttempt(1, 0)
	tr.hangAttempt(2, 0)
	rec := &recorder{}

	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return tr.totalCalls() == 3 }, time.Second, time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		cancel(recovery.ErrCancelled)
	}()

	_, err := newTestScheduler(tr, store, rec).Run(ctx, session, nil)

	cerr, ok := recovery.AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, recovery.Cancelled, cerr.Kind)
	assert.Equal(t, recovery.SeverityNone, cerr.Severity)
	assert.Equal(t, Cancelled, session.Status())
	assert.Equal(t, int32(0), atomic.LoadInt32(&tr.merges))
	assert.Len(t, rec.ofType(event.Failed), 0)

	// Chunk 0 stays recorded for a later resume
	record, err := store.Load(context.Background(), "file-1")
	require.NoError(t, err)
	assert.Contains(t, record.Chunks, uint32(0))
}

func TestRun_DeadlineFailsWithTimeout(t *testing.T) {
	session := newTestSession(t, 2, 2, nil)
	tr := newFakeTransport()
	tr.hangAttempt(0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := newTestScheduler(tr, beginStore(t, session), &recorder{}).Run(ctx, session, nil)

	cerr, ok := recovery.AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, recovery.Timeout, cerr.Kind)
	assert.Equal(t, Failed, session.Status())
}

func TestRun_HungChunkIsRetried(t *testing.T) {
	session := newTestSession(t, 4, 1, nil)
	tr := newFakeTransport()
	tr.hangAttempt(3, 0)

	_, err := newTestScheduler(tr, beginStore(t, session), &recorder{}, func(c *Config) {
		c.Concurrency = 1
		c.MaxConcurrency = 1
		c.HungThreshold = 20 * time.Millisecond
		c.HungCheckInterval = 5 * time.Millisecond
	}).Run(context.Background(), session, nil)
	require.NoError(t, err)

	st := session.States[3]
	assert.Equal(t, ChunkUploaded, st.Status)
	assert.Equal(t, uint32(1), st.RetryCount)
	require.NotNil(t, st.LastError)
	assert.Equal(t, recovery.Timeout, st.LastError.Kind)
	assert.True(t, errors.Is(st.LastError, recovery.ErrHung))
}

func TestRun_PriorityFirst(t *testing.T) {
	session := newTestSession(t, 4, 1, nil, chunk.WithPriority(func(index uint32) int8 {
		if index == 2 {
			return 10
		}
		return 0
	}))
	tr := newFakeTransport()

	_, err := newTestScheduler(tr, beginStore(t, session), &recorder{}, func(c *Config) {
		c.Concurrency = 1
		c.MaxConcurrency = 1
	}).Run(context.Background(), session, nil)
	require.NoError(t, err)

	assert.Equal(t, []uint32{2, 0, 1, 3}, tr.order)
}

type failingStore struct {
	*resume.MemoryStore
}

func (failingStore) SetChunkUploaded(context.Context, string, uint32, string) error {
	return errors.New("disk full")
}

func TestRun_PersistFailureIsNotFatal(t *testing.T) {
	session := newTestSession(t, 4, 2, nil)
	tr := newFakeTransport()

	_, err := newTestScheduler(tr, failingStore{resume.NewMemoryStore()}, &recorder{}).Run(context.Background(), session, nil)
	require.NoError(t, err)

	for _, st := range session.States {
		assert.Equal(t, ChunkUploaded, st.Status)
		assert.False(t, st.Durable)
	}
}

func TestRun_OnlyOnce(t *testing.T) {
	session := newTestSession(t, 2, 2, nil)
	s := newTestScheduler(newFakeTransport(), beginStore(t, session), &recorder{})

	_, err := s.Run(context.Background(), session, nil)
	require.NoError(t, err)

	_, err = s.Run(context.Background(), session, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRun_AdaptiveConcurrency(t *testing.T) {
	session := newTestSession(t, 40, 1, nil)
	tr := newFakeTransport()
	rec := &recorder{}

	config := DefaultConfig()
	config.Concurrency = 2
	config.MinConcurrency = 1
	config.MaxConcurrency = 8
	config.Adaptive = true
	config.HungThreshold = 0

	quality := recovery.NewQuality(recovery.DefaultQualityConfig())
	s := New(config, Deps{
		Transport: tr,
		Store:     beginStore(t, session),
		Registry:  recovery.DefaultRegistry(fastPolicies(), quality),
		Quality:   quality,
		Events:    rec.handle,
		Logger:    log.NewLogger(),
	})

	_, err := s.Run(context.Background(), session, nil)
	require.NoError(t, err)

	for _, e := range rec.ofType(event.ConcurrencyChanged) {
		assert.GreaterOrEqual(t, e.Concurrency, 1)
		assert.LessOrEqual(t, e.Concurrency, 8)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&tr.maxInFlight), int32(8))
}

func TestStatesFromRecord(t *testing.T) {
	states, err := StatesFromRecord(3, &resume.Record{Chunks: map[uint32]string{1: "etag"}})
	require.NoError(t, err)
	assert.Equal(t, []ChunkState{
		{},
		{Status: ChunkUploaded, Receipt: "etag", Durable: true},
		{},
	}, states)

	_, err = StatesFromRecord(3, &resume.Record{Chunks: map[uint32]string{3: "etag"}})
	assert.ErrorIs(t, err, resume.ErrInvariant)
}

func TestNewSession_Invariants(t *testing.T) {
	descs, err := chunk.Plan(10, chunk.Fixed(4))
	require.NoError(t, err)

	_, err = NewSession("s", fingerprint.Fingerprint{ID: "f", Size: 10, ChunkSize: 4, TotalChunks: 2}, "", descs, nil, chunk.BytesSource(make([]byte, 10)))
	assert.ErrorIs(t, err, chunk.ErrInvariant)

	_, err = NewSession("s", fingerprint.Fingerprint{ID: "f", Size: 10, ChunkSize: 4, TotalChunks: 3}, "", descs, make([]ChunkState, 2), chunk.BytesSource(make([]byte, 10)))
	assert.ErrorIs(t, err, chunk.ErrInvariant)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "unknown", Status(42).String())
	assert.True(t, Cancelled.Terminal())
	assert.False(t, Paused.Terminal())
	assert.Equal(t, "in_flight", ChunkInFlight.String())
}
