package stepupload

import (
	"time"

	"github.com/bitrise-io/go-chunkupload/merge"
	"github.com/bitrise-io/go-chunkupload/recovery"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TrackerFactory creates the analytics tracker of a step run.
type TrackerFactory func(logger log.Logger, properties analytics.Properties) analytics.Tracker

type stepTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newStepTracker(stepID string, envRepo env.Repository, logger log.Logger, factory TrackerFactory) stepTracker {
	p := analytics.Properties{
		"step_id":     stepID,
		"build_slug":  envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":    envRepo.Get("BITRISE_APP_SLUG"),
		"workflow":    envRepo.Get("BITRISE_TRIGGERED_WORKFLOW_ID"),
		"is_pr_build": envRepo.Get("IS_PR") == "true",
	}
	return stepTracker{
		tracker: factory(logger, p),
		logger:  logger,
	}
}

func (t *stepTracker) logFileUploaded(uploadTime time.Duration, result *merge.Result, retries int, backend string) {
	properties := analytics.Properties{
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": result.Size,
		"chunk_count":       result.TotalChunks,
		"merge_attempts":    result.Attempts,
		"retry_count":       retries,
		"deduplicated":      result.Deduplicated,
		"backend":           backend,
	}
	t.tracker.Enqueue("step_chunk_upload_file_uploaded", properties)
}

func (t *stepTracker) logFileFailed(uploadTime time.Duration, err *recovery.ClassifiedError, retries int, backend string) {
	properties := analytics.Properties{
		"upload_time_s": uploadTime.Truncate(time.Second).Seconds(),
		"error_kind":    err.Kind.String(),
		"retryable":     err.Retryable,
		"retry_count":   retries,
		"backend":       backend,
	}
	t.tracker.Enqueue("step_chunk_upload_file_failed", properties)
}

func (t *stepTracker) wait() {
	t.tracker.Wait()
}
