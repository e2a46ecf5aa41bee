package stepupload

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-chunkupload/resume"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

const storeNamespace = "chunkupload"

func newTransport(ctx context.Context, config stepConfig, logger log.Logger) (transport.Transport, error) {
	switch config.Backend {
	case BackendS3:
		t, err := transport.NewS3Transport(ctx, config.S3, logger)
		if err != nil {
			return nil, fmt.Errorf("create S3 transport: %w", err)
		}
		return t, nil
	default:
		t, err := transport.NewHTTPTransport(config.HTTP, logger)
		if err != nil {
			return nil, fmt.Errorf("create HTTP transport: %w", err)
		}
		return t, nil
	}
}

// openStore returns the resume store and the function releasing it.
func openStore(config stepConfig) (resume.Store, func() error, error) {
	noop := func() error { return nil }

	switch config.ResumeStore {
	case StoreDir:
		return resume.NewDirStore(config.ResumeStorePath, storeNamespace), noop, nil
	case StoreBadger:
		store, err := resume.OpenBadgerStore(config.ResumeStorePath, storeNamespace)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case StoreSQLite:
		store, err := resume.OpenSQLiteStore(config.ResumeStorePath, storeNamespace)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return resume.NewMemoryStore(), noop, nil
	}
}
