package upload

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/fingerprint"
	"github.com/bitrise-io/go-chunkupload/merge"
	"github.com/bitrise-io/go-chunkupload/recovery"
	"github.com/bitrise-io/go-chunkupload/scheduler"
	"github.com/go-playground/validator/v10"
)

// Config holds configuration for the uploader.
type Config struct {
	// ChunkSize is the fixed chunk size in bytes. Zero picks a size per file
	// within [MinChunkSize, MaxChunkSize].
	ChunkSize    uint32 `validate:"omitempty,gt=0"`
	MinChunkSize uint32 `validate:"required,gt=0"`
	MaxChunkSize uint32 `validate:"required,gtefield=MinChunkSize"`
	// PrioritizeFirstChunk uploads the first chunk before any other.
	PrioritizeFirstChunk bool

	// Concurrency is the maximum number of parallel chunk uploads.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency    int `validate:"gte=1"`
	MinConcurrency int `validate:"gte=1,ltefield=Concurrency"`
	MaxConcurrency int `validate:"gtefield=Concurrency"`
	// Adaptive moves the concurrency limit and the backoff parameters with
	// the observed network quality.
	Adaptive bool

	// Retry holds the backoff parameters per error kind.
	Retry           recovery.Policies
	MergeMaxRetries uint32

	// HungThreshold is the duration after which a chunk upload is considered hung
	// if it exceeds the average upload time by this amount.
	// Default: 30 seconds
	HungThreshold time.Duration `validate:"gte=0"`
	DrainTimeout  time.Duration `validate:"gte=0"`

	// PurgeOnComplete clears the resume entry after a successful merge.
	PurgeOnComplete bool
	// StrictResume fails the upload when stored progress does not match the
	// file instead of starting over.
	StrictResume bool

	IdentityMode  fingerprint.Mode      `validate:"required,oneof=metadata content"`
	HashAlgorithm fingerprint.Algorithm `validate:"omitempty,oneof=sha256 blake3"`
	// InstantUpload skips uploading files the backend already has. It needs
	// the content identity mode and a transport that can check existence.
	InstantUpload bool

	// Headers are sent with every chunk.
	Headers map[string]string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	concurrency := chunk.DefaultConcurrency()
	return Config{
		MinChunkSize:    8 * 1024 * 1024,
		MaxChunkSize:    100 * 1024 * 1024,
		Concurrency:     concurrency,
		MinConcurrency:  1,
		MaxConcurrency:  concurrency,
		Retry:           recovery.DefaultPolicies(),
		MergeMaxRetries: merge.DefaultMaxRetries,
		HungThreshold:   30 * time.Second,
		DrainTimeout:    5 * time.Second,
		PurgeOnComplete: true,
		IdentityMode:    fingerprint.ModeMetadata,
		HashAlgorithm:   fingerprint.SHA256,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			var msgs []string
			for _, fe := range validationErrors {
				msgs = append(msgs, fmt.Sprintf("%s: failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.InstantUpload && c.IdentityMode != fingerprint.ModeContent {
		return errors.New("invalid config: instant upload needs the content identity mode")
	}
	return nil
}

func (c Config) chunkPolicy() chunk.Policy {
	if c.ChunkSize > 0 {
		return chunk.Fixed(c.ChunkSize)
	}
	return chunk.Adaptive{Min: c.MinChunkSize, Max: c.MaxChunkSize, Concurrency: c.Concurrency}
}

func (c Config) planOptions() []chunk.Option {
	if c.PrioritizeFirstChunk {
		return []chunk.Option{chunk.WithFirstChunkPriority(1)}
	}
	return nil
}

func (c Config) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		Concurrency:     c.Concurrency,
		MinConcurrency:  c.MinConcurrency,
		MaxConcurrency:  c.MaxConcurrency,
		Adaptive:        c.Adaptive,
		HungThreshold:   c.HungThreshold,
		DrainTimeout:    c.DrainTimeout,
		MergeMaxRetries: c.MergeMaxRetries,
		PurgeOnComplete: c.PurgeOnComplete,
		Headers:         c.Headers,
	}
}
