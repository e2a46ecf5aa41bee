// Package resume persists per-file upload progress so an interrupted upload
// can continue after a restart.
package resume

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bitrise-io/go-chunkupload/fingerprint"
)

// DefaultNamespace prefixes every key written by the stores.
const DefaultNamespace = "chunkupload"

var (
	// ErrNotFound is returned when no progress is stored for a fingerprint.
	ErrNotFound = errors.New("resume state not found")
	// ErrInvariant is returned when stored progress contradicts the plan.
	ErrInvariant = errors.New("resume state invariant violated")
)

// Record is the stored progress of one upload. Presence of an index in
// Chunks means the chunk was durably uploaded; the value is its receipt.
type Record struct {
	Fingerprint fingerprint.Fingerprint
	UploadRef   string
	Chunks      map[uint32]string
}

// Validate checks that every stored chunk index is below total.
func (r *Record) Validate(total uint32) error {
	for index := range r.Chunks {
		if index >= total {
			return fmt.Errorf("%w: chunk %d stored for a file of %d chunks", ErrInvariant, index, total)
		}
	}
	return nil
}

// Store is the durable key value persistence of upload progress. Only
// per-key atomicity is assumed; Begin and Clear may be observed half done
// after a crash.
type Store interface {
	// Load returns the stored progress for the fingerprint ID or ErrNotFound.
	Load(ctx context.Context, id string) (*Record, error)
	// Begin stores the fingerprint and upload reference and drops any chunk
	// flags left over for the same ID.
	Begin(ctx context.Context, fp fingerprint.Fingerprint, uploadRef string) error
	// SetChunkUploaded durably marks one chunk as uploaded.
	SetChunkUploaded(ctx context.Context, id string, index uint32, receipt string) error
	// Clear removes all progress of the fingerprint ID.
	Clear(ctx context.Context, id string) error
}

// keys lays out the flat key space of the key value stores:
//
//	<namespace>/<id>/meta
//	<namespace>/<id>/chunk/<zero padded index>
type keys struct {
	namespace string
}

func newKeys(namespace string) keys {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return keys{namespace: namespace}
}

func (k keys) meta(id string) string {
	return k.namespace + "/" + id + "/meta"
}

func (k keys) chunkPrefix(id string) string {
	return k.namespace + "/" + id + "/chunk/"
}

func (k keys) chunk(id string, index uint32) string {
	return fmt.Sprintf("%s%010d", k.chunkPrefix(id), index)
}

func (k keys) parseChunk(id, key string) (uint32, error) {
	var index uint32
	suffix := strings.TrimPrefix(key, k.chunkPrefix(id))
	if _, err := fmt.Sscanf(suffix, "%d", &index); err != nil {
		return 0, fmt.Errorf("%w: malformed chunk key %s", ErrInvariant, key)
	}
	return index, nil
}

// metadata is the stored form of the meta key.
type metadata struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	UploadRef   string                  `json:"upload_ref,omitempty"`
}
