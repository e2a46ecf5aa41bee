// Package stepupload uploads the files matched by a step's path patterns with
// the resumable chunked upload engine.
package stepupload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunkupload/merge"
	"github.com/bitrise-io/go-chunkupload/metrics"
	"github.com/bitrise-io/go-chunkupload/recovery"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
)

// FileResult is the outcome of one file upload.
type FileResult struct {
	Path     string
	Result   *merge.Result
	Duration time.Duration
	Err      error
}

// Uploader ...
type Uploader interface {
	Upload(ctx context.Context, input Input) ([]FileResult, error)
}

type stepUploader struct {
	envRepo        env.Repository
	logger         log.Logger
	pathModifier   pathutil.PathModifier
	pathChecker    pathutil.PathChecker
	transport      transport.Transport
	trackerFactory TrackerFactory
}

// NewUploader creates a step uploader. `t` can be nil, unless you want to
// provide a custom `Transport` implementation; the backend of the input is
// used otherwise.
func NewUploader(
	envRepo env.Repository,
	logger log.Logger,
	pathModifier pathutil.PathModifier,
	pathChecker pathutil.PathChecker,
	t transport.Transport,
) *stepUploader {
	return &stepUploader{
		envRepo:      envRepo,
		logger:       logger,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
		transport:    t,
		trackerFactory: func(logger log.Logger, properties analytics.Properties) analytics.Tracker {
			return analytics.NewDefaultTracker(logger, properties)
		},
	}
}

// Upload uploads the files one after the other. A failed file does not stop
// the remaining ones; the returned error joins all failures.
func (u *stepUploader) Upload(ctx context.Context, input Input) ([]FileResult, error) {
	u.logger.TDebugf("Upload start")
	defer func() {
		u.logger.TDebugf("Upload done")
	}()

	config, err := u.createConfig(input)
	if err != nil {
		return nil, fmt.Errorf("failed to parse inputs: %w", err)
	}

	tracker := newStepTracker(input.StepID, u.envRepo, u.logger, u.trackerFactory)
	defer tracker.wait()

	t := u.transport
	if t == nil {
		if t, err = newTransport(ctx, config, u.logger); err != nil {
			return nil, err
		}
	}

	store, closeStore, err := openStore(config)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s resume store: %w", config.ResumeStore, err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			u.logger.Warnf("Failed to close resume store: %s", err)
		}
	}()

	var opts []upload.Option
	if observer := metrics.New(input.Metrics); observer != nil {
		opts = append(opts, upload.WithEventHandler(observer.Handle))
	}
	uploader, err := upload.NewUploader(config.Upload, t, store, u.logger, opts...)
	if err != nil {
		return nil, err
	}

	var results []FileResult
	var errs []error
	for _, path := range config.Paths {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		result := u.uploadFile(ctx, uploader, path, config.Backend, &tracker)
		results = append(results, result)
		if result.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, result.Err))
		}
	}

	return results, errors.Join(errs...)
}

func (u *stepUploader) uploadFile(ctx context.Context, uploader *upload.Uploader, path, backend string, tracker *stepTracker) FileResult {
	file, err := upload.OpenFile(path)
	if err != nil {
		return FileResult{Path: path, Err: err}
	}
	defer func() {
		if err := file.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	u.logger.Println()
	u.logger.Infof("Uploading %s (%s)...", path, units.HumanSizeWithPrecision(float64(file.Size), 3))

	retries := 0
	progress := newProgressLogger(u.logger)
	startTime := time.Now()
	h, err := uploader.StartUpload(ctx, file, upload.WithCallbacks(upload.Callbacks{
		Progress: progress.log,
		ChunkRetried: func(index uint32, delay time.Duration, kind recovery.ErrorKind) {
			retries++
			u.logger.Warnf("Chunk %d failed with a %s error, retrying in %s", index, kind, delay.Round(time.Millisecond))
		},
	}))
	if err != nil {
		return FileResult{Path: path, Err: err}
	}

	// The upload observes ctx itself.
	result, err := h.Wait(context.Background())
	uploadTime := time.Since(startTime)
	if err != nil {
		if cerr, ok := recovery.AsClassified(err); ok {
			tracker.logFileFailed(uploadTime, cerr, retries, backend)
		}
		u.logger.Errorf("Failed to upload %s: %s", path, err)
		return FileResult{Path: path, Duration: uploadTime, Err: err}
	}

	if result.Deduplicated {
		u.logger.Donef("%s is already uploaded", path)
	} else {
		u.logger.Donef("Uploaded %s in %s", path, uploadTime.Round(time.Second))
	}
	if result.Location != "" {
		u.logger.Printf("Location: %s", result.Location)
	}
	tracker.logFileUploaded(uploadTime, result, retries, backend)

	return FileResult{Path: path, Result: result, Duration: uploadTime}
}

func (u *stepUploader) createConfig(input Input) (stepConfig, error) {
	if len(input.Paths) == 0 {
		return stepConfig{}, fmt.Errorf("paths should not be empty")
	}

	paths, err := u.evaluatePaths(input.Paths)
	u.logger.TDebugf("Final paths evaluated")
	if err != nil {
		return stepConfig{}, fmt.Errorf("failed to parse paths: %w", err)
	}
	if len(paths) == 0 {
		return stepConfig{}, fmt.Errorf("no file matches the paths")
	}

	config := stepConfig{Paths: paths}
	if config.Upload, err = uploadConfig(input); err != nil {
		return stepConfig{}, err
	}
	if err := backendConfig(input, u.envRepo, &config); err != nil {
		return stepConfig{}, err
	}
	if err := storeConfig(input, &config); err != nil {
		return stepConfig{}, err
	}
	return config, nil
}

func (u *stepUploader) evaluatePaths(paths []string) ([]string, error) {
	// Expand wildcard paths
	var expandedPaths []string
	for _, path := range paths {
		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := u.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow(), doublestar.WithFilesOnly())
		if err != nil {
			u.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if len(matches) == 0 {
			u.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(absBase, match))
		}
	}

	// Validate and sanitize paths
	seen := map[string]bool{}
	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := u.pathModifier.AbsPath(path)
		if err != nil {
			u.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}
		if seen[absPath] {
			continue
		}

		exists, err := u.pathChecker.IsPathExists(absPath)
		if err != nil {
			u.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			u.logger.Warnf("Upload path doesn't exist: %s", path)
			continue
		}
		if isDir, _ := u.pathChecker.IsDirExists(absPath); isDir {
			u.logger.Warnf("Skipping directory: %s", path)
			continue
		}

		seen[absPath] = true
		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths, nil
}

// progressLogger logs the progress of a file in 10% steps.
type progressLogger struct {
	logger log.Logger
	last   uint64
}

func newProgressLogger(logger log.Logger) *progressLogger {
	return &progressLogger{logger: logger}
}

func (p *progressLogger) log(uploaded, total uint64) {
	if total == 0 {
		return
	}
	percent := uploaded * 100 / total
	if percent/10 <= p.last/10 {
		return
	}
	p.last = percent
	p.logger.Printf("%d%% (%s of %s)", percent,
		units.HumanSizeWithPrecision(float64(uploaded), 3),
		units.HumanSizeWithPrecision(float64(total), 3))
}
