package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"
)

// Chunk metadata headers sent with every chunk.
const (
	HeaderChunkIndex  = "X-Chunk-Index"
	HeaderTotalChunks = "X-Total-Chunks"
	HeaderFileID      = "X-File-Id"
	HeaderUploadID    = "X-Upload-Id"
)

// HTTPConfig configures HTTPTransport.
type HTTPConfig struct {
	BaseURL     string
	AccessToken string
	// Compress encodes chunk bodies with zstd.
	Compress bool
	// BytesPerSecond caps the upload bandwidth shared by all chunks. Zero
	// means unlimited.
	BytesPerSecond int64
	Headers        map[string]string
}

type initiateRequest struct {
	FileID      string `json:"file_id"`
	FileName    string `json:"file_name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        uint64 `json:"size"`
	ChunkSize   uint32 `json:"chunk_size"`
	TotalChunks uint32 `json:"total_chunks"`
}

type initiateResponse struct {
	UploadID string `json:"upload_id"`
}

type mergeRequest struct {
	UploadID    string   `json:"upload_id,omitempty"`
	TotalChunks uint32   `json:"total_chunks"`
	Size        uint64   `json:"size"`
	Etags       []string `json:"etags"`
}

type mergeResponse struct {
	Location string `json:"location"`
	ETag     string `json:"etag"`
}

// HTTPTransport talks to a chunk upload API over HTTP:
//
//	POST {base}/uploads                          create an upload
//	PUT  {base}/uploads/{fileID}/chunks/{index}  upload a chunk
//	POST {base}/uploads/{fileID}/merge           assemble the file
//	HEAD {base}/files/{fileID}                   check for an existing file
type HTTPTransport struct {
	httpClient *retryablehttp.Client
	config     HTTPConfig
	limiter    *rate.Limiter
	encoder    *zstd.Encoder
	logger     log.Logger
}

// NewHTTPTransport creates a transport with a retryablehttp client that never
// retries on its own; retries are decided by the upload engine.
func NewHTTPTransport(config HTTPConfig, logger log.Logger) (*HTTPTransport, error) {
	client := retryhttp.NewClient(logger)
	return NewHTTPTransportWithClient(config, client, logger)
}

// NewHTTPTransportWithClient creates a transport using client. The client's
// retry settings are overridden.
func NewHTTPTransportWithClient(config HTTPConfig, client *retryablehttp.Client, logger log.Logger) (*HTTPTransport, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL must not be empty")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	client.RetryMax = 0
	client.CheckRetry = func(context.Context, *http.Response, error) (bool, error) {
		return false, nil
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	t := &HTTPTransport{
		httpClient: client,
		config:     config,
		limiter:    NewBandwidthLimiter(config.BytesPerSecond),
		logger:     logger,
	}

	if config.Compress {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		t.encoder = encoder
	}

	return t, nil
}

// Initiate implements Initiator.
func (t *HTTPTransport) Initiate(ctx context.Context, req InitRequest) (string, error) {
	body, err := json.Marshal(initiateRequest{
		FileID:      req.FileID,
		FileName:    req.FileName,
		ContentType: req.ContentType,
		Size:        req.Size,
		ChunkSize:   req.ChunkSize,
		TotalChunks: req.TotalChunks,
	})
	if err != nil {
		return "", err
	}

	resp, err := t.do(ctx, http.MethodPost, t.config.BaseURL+"/uploads", body, "application/json")
	if err != nil {
		return "", err
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", unwrapError(resp)
	}

	var response initiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("decode initiate response: %w", err)
	}
	return response.UploadID, nil
}

// UploadChunk implements Transport.
func (t *HTTPTransport) UploadChunk(ctx context.Context, req ChunkRequest) (*ChunkResponse, error) {
	data := req.Data
	if t.encoder != nil {
		data = t.encoder.EncodeAll(req.Data, make([]byte, 0, len(req.Data)/2))
	}

	var body interface{} = data
	if t.limiter != nil {
		body = retryablehttp.ReaderFunc(func() (io.Reader, error) {
			return newRateLimitedReader(ctx, bytes.NewReader(data), t.limiter), nil
		})
	}

	u := fmt.Sprintf("%s/uploads/%s/chunks/%d", t.config.BaseURL, url.PathEscape(req.FileID), req.Index)
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, u, body)
	if err != nil {
		return nil, err
	}
	t.setHeaders(httpReq, "application/octet-stream")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set(HeaderChunkIndex, strconv.FormatUint(uint64(req.Index), 10))
	httpReq.Header.Set(HeaderTotalChunks, strconv.FormatUint(uint64(req.TotalChunks), 10))
	httpReq.Header.Set(HeaderFileID, req.FileID)
	if req.UploadRef != "" {
		httpReq.Header.Set(HeaderUploadID, req.UploadRef)
	}
	if t.encoder != nil {
		httpReq.Header.Set("Content-Encoding", "zstd")
	}

	// Add Content-Length manually because retryablehttp can't tell it for reader funcs
	httpReq.ContentLength = int64(len(data))

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, unwrapError(resp)
	}

	return &ChunkResponse{Receipt: resp.Header.Get("ETag")}, nil
}

// Merge implements Transport.
func (t *HTTPTransport) Merge(ctx context.Context, req MergeRequest) (*MergeResponse, error) {
	etags := req.Receipts
	if etags == nil {
		etags = []string{}
	}
	body, err := json.Marshal(mergeRequest{
		UploadID:    req.UploadRef,
		TotalChunks: req.TotalChunks,
		Size:        req.Size,
		Etags:       etags,
	})
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/uploads/%s/merge", t.config.BaseURL, url.PathEscape(req.FileID))
	resp, err := t.do(ctx, http.MethodPost, u, body, "application/json")
	if err != nil {
		return nil, err
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, unwrapError(resp)
	}

	var response mergeResponse
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&response); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decode merge response: %w", err)
		}
	}
	if response.ETag == "" {
		response.ETag = resp.Header.Get("ETag")
	}
	if response.Location == "" {
		response.Location = resp.Header.Get("Location")
	}

	return &MergeResponse{Location: response.Location, ETag: response.ETag}, nil
}

// Exists implements Deduplicator.
func (t *HTTPTransport) Exists(ctx context.Context, fileID string) (bool, error) {
	u := fmt.Sprintf("%s/files/%s", t.config.BaseURL, url.PathEscape(fileID))
	resp, err := t.do(ctx, http.MethodHead, u, nil, "")
	if err != nil {
		return false, err
	}
	defer t.closeBody(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, unwrapError(resp)
	}
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (t *HTTPTransport) CloseIdleConnections() {
	t.httpClient.HTTPClient.CloseIdleConnections()
}

func (t *HTTPTransport) do(ctx context.Context, method, u string, body []byte, contentType string) (*http.Response, error) {
	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, rawBody)
	if err != nil {
		return nil, err
	}
	t.setHeaders(req, contentType)
	return t.httpClient.Do(req)
}

func (t *HTTPTransport) setHeaders(req *retryablehttp.Request, contentType string) {
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
	if t.config.AccessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t.config.AccessToken))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
}

func (t *HTTPTransport) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		t.logger.Warnf("Failed to close response body: %s", err)
	}
}
