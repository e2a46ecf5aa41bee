package stepupload

import (
	"fmt"
	"math"
	"strings"

	"github.com/bitrise-io/go-chunkupload/fingerprint"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
)

// Secrets read from the environment.
const (
	APIURLEnvKey          = "CHUNKUPLOAD_API_URL"
	AccessTokenEnvKey     = "CHUNKUPLOAD_ACCESS_TOKEN"
	S3BucketEnvKey        = "CHUNKUPLOAD_S3_BUCKET"
	AWSRegionEnvKey       = "AWS_REGION"
	AWSAccessKeyIDEnvKey  = "AWS_ACCESS_KEY_ID"
	AWSSecretAccessEnvKey = "AWS_SECRET_ACCESS_KEY"
)

// Backends
const (
	BackendHTTP = "http"
	BackendS3   = "s3"
)

// Resume stores
const (
	StoreMemory = "memory"
	StoreDir    = "dir"
	StoreBadger = "badger"
	StoreSQLite = "sqlite"
)

// Input is the information that comes from the step or the CLI.
type Input struct {
	// StepID identifies the calling step. Used for analytics events.
	StepID  string
	Verbose bool
	// Paths are file paths or doublestar patterns like `build/**/*.ipa`.
	Paths []string
	// Backend is BackendHTTP (default) or BackendS3.
	Backend     string
	S3KeyPrefix string
	// ChunkSize is a human readable size like `8MB`. Empty picks the chunk
	// size from the file size.
	ChunkSize   string
	Concurrency int
	// BandwidthLimit caps the upload speed per second, like `10MB`. Empty
	// means unlimited.
	BandwidthLimit string
	Compress       bool
	// ResumeStore is one of StoreMemory (default), StoreDir, StoreBadger or
	// StoreSQLite. The persistent stores need ResumeStorePath.
	ResumeStore     string
	ResumeStorePath string
	StrictResume    bool
	// InstantUpload fingerprints files by content and skips the ones the
	// backend already has.
	InstantUpload bool
	// Metrics receives the upload metrics when set.
	Metrics prometheus.Registerer
}

// ParsePaths splits a newline separated path list.
func ParsePaths(s string) []string {
	var paths []string
	for _, line := range strings.Split(s, "\n") {
		if p := strings.TrimSpace(line); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

type stepConfig struct {
	Verbose         bool
	Paths           []string
	Upload          upload.Config
	Backend         string
	HTTP            transport.HTTPConfig
	S3              transport.S3Config
	ResumeStore     string
	ResumeStorePath string
}

func parseSize(name, value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("%s should be positive", name)
	}
	return size, nil
}

func uploadConfig(input Input) (upload.Config, error) {
	config := upload.DefaultConfig()

	chunkSize, err := parseSize("chunk size", input.ChunkSize)
	if err != nil {
		return upload.Config{}, err
	}
	if chunkSize > math.MaxUint32 {
		return upload.Config{}, fmt.Errorf("chunk size %s is too large", units.BytesSize(float64(chunkSize)))
	}
	config.ChunkSize = uint32(chunkSize)

	if input.Concurrency < 0 {
		return upload.Config{}, fmt.Errorf("concurrency should not be negative")
	}
	if input.Concurrency > 0 {
		config.Concurrency = input.Concurrency
		config.MaxConcurrency = input.Concurrency
	}

	if input.InstantUpload {
		config.InstantUpload = true
		config.IdentityMode = fingerprint.ModeContent
	}
	config.StrictResume = input.StrictResume

	if err := config.Validate(); err != nil {
		return upload.Config{}, err
	}
	return config, nil
}

func backendConfig(input Input, envRepo env.Repository, config *stepConfig) error {
	bandwidth, err := parseSize("bandwidth limit", input.BandwidthLimit)
	if err != nil {
		return err
	}

	switch input.Backend {
	case "", BackendHTTP:
		config.Backend = BackendHTTP
		config.HTTP = transport.HTTPConfig{
			BaseURL:        envRepo.Get(APIURLEnvKey),
			AccessToken:    envRepo.Get(AccessTokenEnvKey),
			Compress:       input.Compress,
			BytesPerSecond: bandwidth,
		}
		if config.HTTP.BaseURL == "" {
			return fmt.Errorf("the secret '%s' is not defined", APIURLEnvKey)
		}
		if config.HTTP.AccessToken == "" {
			return fmt.Errorf("the secret '%s' is not defined", AccessTokenEnvKey)
		}
	case BackendS3:
		if input.Compress || bandwidth > 0 {
			return fmt.Errorf("compression and bandwidth limit are not supported by the %s backend", BackendS3)
		}
		config.Backend = BackendS3
		config.S3 = transport.S3Config{
			Bucket:          envRepo.Get(S3BucketEnvKey),
			KeyPrefix:       input.S3KeyPrefix,
			Region:          envRepo.Get(AWSRegionEnvKey),
			AccessKeyID:     envRepo.Get(AWSAccessKeyIDEnvKey),
			SecretAccessKey: envRepo.Get(AWSSecretAccessEnvKey),
		}
		if config.S3.Bucket == "" {
			return fmt.Errorf("the secret '%s' is not defined", S3BucketEnvKey)
		}
	default:
		return fmt.Errorf("unknown backend: %s", input.Backend)
	}
	return nil
}

func storeConfig(input Input, config *stepConfig) error {
	switch input.ResumeStore {
	case "", StoreMemory:
		config.ResumeStore = StoreMemory
		return nil
	case StoreDir, StoreBadger, StoreSQLite:
		if strings.TrimSpace(input.ResumeStorePath) == "" {
			return fmt.Errorf("the %s resume store needs a path", input.ResumeStore)
		}
		config.ResumeStore = input.ResumeStore
		config.ResumeStorePath = input.ResumeStorePath
		return nil
	default:
		return fmt.Errorf("unknown resume store: %s", input.ResumeStore)
	}
}
