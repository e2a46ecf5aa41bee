package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/bitrise-io/go-chunkupload/stepupload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	logger := log.NewLogger()

	rootCmd := newRootCmd(func(ctx context.Context, input stepupload.Input, metricsAddr string) error {
		logger.EnableDebugLog(input.Verbose)

		if metricsAddr != "" {
			reg := prometheus.NewRegistry()
			input.Metrics = reg
			stop := serveMetrics(metricsAddr, reg, logger)
			defer stop()
		}

		uploader := stepupload.NewUploader(
			env.NewRepository(),
			logger,
			pathutil.NewPathModifier(),
			pathutil.NewPathChecker(),
			nil,
		)
		results, err := uploader.Upload(ctx, input)

		uploaded := 0
		for _, r := range results {
			if r.Err == nil {
				uploaded++
			}
		}
		logger.Println()
		logger.Infof("%d of %d files uploaded", uploaded, len(results))
		return err
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Errorf("%s", err)
		return 1
	}
	return 0
}

type uploadFunc func(ctx context.Context, input stepupload.Input, metricsAddr string) error

func newRootCmd(upload uploadFunc) *cobra.Command {
	var (
		input       stepupload.Input
		pathList    string
		metricsAddr string
		showVersion bool
	)

	rootCmd := &cobra.Command{
		Use:   "chunkupload [flags] <path>...",
		Short: "Resumable, parallel chunked file upload",
		Long: `chunkupload splits files into chunks and uploads them in parallel. An
interrupted upload continues from the chunks already uploaded when the resume
store is persistent.

Paths may be doublestar patterns like 'build/**/*.ipa'. Secrets are read from
the environment: ` + stepupload.APIURLEnvKey + ` and ` + stepupload.AccessTokenEnvKey + ` for the
http backend, ` + stepupload.S3BucketEnvKey + ` and the AWS_* variables for the s3 backend.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion || pathList != "" {
				return nil
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "chunkupload %s\n", version)
				return nil
			}

			input.Paths = append(append([]string(nil), args...), stepupload.ParsePaths(pathList)...)
			if input.StepID == "" {
				input.StepID = "chunkupload"
			}
			return upload(cmd.Context(), input, metricsAddr)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&pathList, "paths", "", "newline separated paths, added to the arguments")
	flags.StringVar(&input.Backend, "backend", stepupload.BackendHTTP, "upload backend: http or s3")
	flags.StringVar(&input.S3KeyPrefix, "s3-key-prefix", "", "object key prefix of the s3 backend")
	flags.StringVar(&input.ChunkSize, "chunk-size", "", "chunk size like 8MB (default: derived from the file size)")
	flags.IntVarP(&input.Concurrency, "concurrency", "j", 0, "parallel chunk uploads (default: CPU count)")
	flags.StringVar(&input.BandwidthLimit, "bwlimit", "", "bandwidth limit per second like 10MB (http backend)")
	flags.BoolVar(&input.Compress, "compress", false, "zstd compress chunk bodies (http backend)")
	flags.StringVar(&input.ResumeStore, "resume-store", stepupload.StoreMemory, "resume store: memory, dir, badger or sqlite")
	flags.StringVar(&input.ResumeStorePath, "resume-store-path", "", "location of a persistent resume store")
	flags.BoolVar(&input.StrictResume, "strict-resume", false, "fail instead of starting over when stored progress does not match the file")
	flags.BoolVar(&input.InstantUpload, "instant", false, "skip files the backend already has (content fingerprint)")
	flags.StringVar(&input.StepID, "step-id", "", "step ID reported in analytics events")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, like :9090")
	flags.BoolVarP(&input.Verbose, "verbose", "v", false, "debug logging")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")

	return rootCmd
}

// serveMetrics exposes reg until the returned function is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger log.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("Metrics server stopped: %s", err)
		}
	}()
	logger.Debugf("Serving metrics on %s/metrics", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warnf("Failed to stop metrics server: %s", err)
		}
	}
}
