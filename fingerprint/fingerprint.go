// Package fingerprint computes the identity a resumable upload is keyed by.
package fingerprint

import (
	"strings"
	"time"
)

// Mode selects how the file identity is derived.
type Mode string

const (
	// ModeMetadata derives the identity from name, size and modification time.
	ModeMetadata Mode = "metadata"
	// ModeContent derives the identity from a content hash.
	ModeContent Mode = "content"
)

// Fingerprint identifies one logical file upload. Two uploads with equal IDs
// are treated as the same file.
type Fingerprint struct {
	ID          string    `json:"id"`
	Size        uint64    `json:"size"`
	ChunkSize   uint32    `json:"chunk_size"`
	TotalChunks uint32    `json:"total_chunks"`
	CreatedAt   time.Time `json:"created_at"`
}

// Matches reports whether a stored fingerprint may be resumed with f.
// CreatedAt is not compared.
func (f Fingerprint) Matches(other Fingerprint) bool {
	return f.ID == other.ID &&
		f.Size == other.Size &&
		f.ChunkSize == other.ChunkSize &&
		f.TotalChunks == other.TotalChunks
}

// IsContentBased reports whether the identity came from a content hash.
func (f Fingerprint) IsContentBased() bool {
	return f.ID != "" && !strings.HasPrefix(f.ID, metadataPrefix)
}

// TotalChunks returns ceil(size/chunkSize). An empty file has one zero-length
// chunk. A zero chunkSize yields zero.
func TotalChunks(size uint64, chunkSize uint32) uint64 {
	if chunkSize == 0 {
		return 0
	}
	if size == 0 {
		return 1
	}
	cs := uint64(chunkSize)
	return (size + cs - 1) / cs
}
