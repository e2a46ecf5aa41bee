// Package transport moves chunk bytes to the upload backend. The engine only
// talks to the Transport interface; HTTP and S3 implementations are provided.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// ChunkRequest is one chunk upload.
type ChunkRequest struct {
	FileID      string
	UploadRef   string
	Index       uint32
	TotalChunks uint32
	Offset      uint64
	Data        []byte
	Headers     map[string]string
}

// ChunkResponse is the backend's acknowledgement of a chunk.
type ChunkResponse struct {
	// Receipt identifies the stored chunk, usually its ETag. It is passed
	// back to Merge.
	Receipt string
}

// MergeRequest asks the backend to assemble the uploaded chunks.
type MergeRequest struct {
	FileID      string
	UploadRef   string
	TotalChunks uint32
	Size        uint64
	// Receipts is indexed by chunk index.
	Receipts []string
}

// MergeResponse describes the assembled file.
type MergeResponse struct {
	Location string
	ETag     string
}

// InitRequest starts a server side upload.
type InitRequest struct {
	FileID      string
	FileName    string
	ContentType string
	Size        uint64
	ChunkSize   uint32
	TotalChunks uint32
}

// Transport uploads chunks and requests the merge. Both calls must return
// promptly once ctx is cancelled.
type Transport interface {
	UploadChunk(ctx context.Context, req ChunkRequest) (*ChunkResponse, error)
	Merge(ctx context.Context, req MergeRequest) (*MergeResponse, error)
}

// Initiator is implemented by transports that need a server side upload to
// be created before chunks are sent. The returned reference is persisted and
// reused when the upload is resumed.
type Initiator interface {
	Initiate(ctx context.Context, req InitRequest) (string, error)
}

// Deduplicator is implemented by transports that can tell whether a file is
// already stored, which enables instant upload.
type Deduplicator interface {
	Exists(ctx context.Context, fileID string) (bool, error)
}

// StatusError is a non successful HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// StatusCode returns the HTTP status code.
func (e *StatusError) StatusCode() int {
	return e.Code
}

const maxErrorBodySize = 1024

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return err
	}
	return &StatusError{Code: resp.StatusCode, Body: string(errorResp)}
}
