package resume

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/bitrise-io/go-chunkupload/fingerprint"
)

// MemoryStore keeps progress in process memory. It survives a new session
// but not a restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]*Record{}}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &Record{
		Fingerprint: r.Fingerprint,
		UploadRef:   r.UploadRef,
		Chunks:      maps.Clone(r.Chunks),
	}, nil
}

// Begin implements Store.
func (s *MemoryStore) Begin(_ context.Context, fp fingerprint.Fingerprint, uploadRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[fp.ID] = &Record{
		Fingerprint: fp,
		UploadRef:   uploadRef,
		Chunks:      map[uint32]string{},
	}
	return nil
}

// SetChunkUploaded implements Store.
func (s *MemoryStore) SetChunkUploaded(_ context.Context, id string, index uint32, receipt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("set chunk %d: %w", index, ErrNotFound)
	}
	r.Chunks[index] = receipt
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	return nil
}
