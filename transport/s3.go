package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numInitiateRetries = 3

// ErrNoUploadRef is returned when a chunk is sent to S3 before the multipart
// upload was created.
var ErrNoUploadRef = errors.New("multipart upload id missing")

// S3API is the subset of the S3 client the transport uses.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Config ...
type S3Config struct {
	Bucket          string
	KeyPrefix       string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ContentType     string
}

// S3Transport uploads chunks as the parts of an S3 multipart upload. Chunk
// index i is part number i+1. S3 requires every part but the last to be at
// least 5 MiB.
type S3Transport struct {
	client        S3API
	config        S3Config
	logger        log.Logger
	initRetryWait time.Duration
}

// NewS3Transport loads AWS credentials and creates an S3 client.
func NewS3Transport(ctx context.Context, cfg S3Config, logger log.Logger) (*S3Transport, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	awsConfig, err := loadAWSCredentials(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewS3TransportWithClient(s3.NewFromConfig(*awsConfig), cfg, logger), nil
}

// NewS3TransportWithClient creates a transport using client.
func NewS3TransportWithClient(client S3API, cfg S3Config, logger log.Logger) *S3Transport {
	return &S3Transport{
		client:        client,
		config:        cfg,
		logger:        logger,
		initRetryWait: 5 * time.Second,
	}
}

func (t *S3Transport) key(fileID string) string {
	return t.config.KeyPrefix + fileID
}

// Initiate creates the multipart upload and returns its upload ID.
func (t *S3Transport) Initiate(ctx context.Context, req InitRequest) (string, error) {
	contentType := req.ContentType
	if contentType == "" {
		contentType = t.config.ContentType
	}

	var uploadID string
	err := retry.Times(numInitiateRetries).Wait(t.initRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		input := &s3.CreateMultipartUploadInput{
			Bucket: aws.String(t.config.Bucket),
			Key:    aws.String(t.key(req.FileID)),
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}

		out, err := t.client.CreateMultipartUpload(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return err, true
			}
			t.logger.Warnf("Create multipart upload (attempt %d) failed: %s", attempt+1, err)
			return fmt.Errorf("create multipart upload: %w", err), false
		}
		if out.UploadId == nil {
			return fmt.Errorf("create multipart upload: no upload id in response"), true
		}

		uploadID = *out.UploadId
		return nil, true
	})
	if err != nil {
		return "", err
	}

	t.logger.Debugf("Created multipart upload %s for %s", uploadID, t.key(req.FileID))
	return uploadID, nil
}

// UploadChunk implements Transport.
func (t *S3Transport) UploadChunk(ctx context.Context, req ChunkRequest) (*ChunkResponse, error) {
	if req.UploadRef == "" {
		return nil, ErrNoUploadRef
	}

	out, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(t.config.Bucket),
		Key:           aws.String(t.key(req.FileID)),
		UploadId:      aws.String(req.UploadRef),
		PartNumber:    aws.Int32(int32(req.Index + 1)),
		Body:          bytes.NewReader(req.Data),
		ContentLength: aws.Int64(int64(len(req.Data))),
	})
	if err != nil {
		return nil, fmt.Errorf("upload part %d: %w", req.Index+1, err)
	}

	return &ChunkResponse{Receipt: aws.ToString(out.ETag)}, nil
}

// Merge completes the multipart upload.
func (t *S3Transport) Merge(ctx context.Context, req MergeRequest) (*MergeResponse, error) {
	if req.UploadRef == "" {
		return nil, ErrNoUploadRef
	}
	if uint32(len(req.Receipts)) != req.TotalChunks {
		return nil, fmt.Errorf("have %d part ETags for %d parts", len(req.Receipts), req.TotalChunks)
	}

	parts := make([]types.CompletedPart, 0, len(req.Receipts))
	for i, etag := range req.Receipts {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(int32(i + 1)),
		})
	}

	out, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(t.config.Bucket),
		Key:             aws.String(t.key(req.FileID)),
		UploadId:        aws.String(req.UploadRef),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return nil, fmt.Errorf("complete multipart upload: %w", err)
	}

	return &MergeResponse{
		Location: aws.ToString(out.Location),
		ETag:     aws.ToString(out.ETag),
	}, nil
}

// Exists reports whether the object is already in the bucket.
func (t *S3Transport) Exists(ctx context.Context, fileID string) (bool, error) {
	_, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.config.Bucket),
		Key:    aws.String(t.key(fileID)),
	})
	if err == nil {
		return true, nil
	}

	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		if _, ok := apiError.(*types.NotFound); ok || apiError.ErrorCode() == "NotFound" {
			return false, nil
		}
	}
	return false, fmt.Errorf("head object: %w", err)
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
