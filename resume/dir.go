package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"strconv"

	"github.com/bitrise-io/go-chunkupload/fingerprint"
	"github.com/bitrise-io/go-chunkupload/internal"
)

const (
	metaFileName  = "meta.json"
	chunksDirName = "chunks"
)

// DirStore keeps progress in a directory: one JSON metadata file and one
// marker file per uploaded chunk. Every file is written with a rename so a
// crash never leaves a torn file behind.
type DirStore struct {
	root    string
	osProxy internal.OsProxy
}

// NewDirStore creates a store below root/namespace.
func NewDirStore(root, namespace string) *DirStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &DirStore{
		root:    filepath.Join(root, namespace),
		osProxy: internal.RealOS{},
	}
}

func (s *DirStore) entryDir(id string) string {
	return filepath.Join(s.root, url.PathEscape(id))
}

func (s *DirStore) chunksDir(id string) string {
	return filepath.Join(s.entryDir(id), chunksDirName)
}

// Load implements Store.
func (s *DirStore) Load(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, err := s.osProxy.ReadFile(filepath.Join(s.entryDir(id), metaFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %s", ErrInvariant, err)
	}

	record := &Record{
		Fingerprint: meta.Fingerprint,
		UploadRef:   meta.UploadRef,
		Chunks:      map[uint32]string{},
	}

	entries, err := s.osProxy.ReadDir(s.chunksDir(id))
	if errors.Is(err, fs.ErrNotExist) {
		return record, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		index, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			// Temp files of an interrupted write
			continue
		}
		receipt, err := s.osProxy.ReadFile(filepath.Join(s.chunksDir(id), entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read chunk %d marker: %w", index, err)
		}
		record.Chunks[uint32(index)] = string(receipt)
	}

	return record, nil
}

// Begin implements Store.
func (s *DirStore) Begin(ctx context.Context, fp fingerprint.Fingerprint, uploadRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Stale chunk markers go first so that the new metadata never sees them.
	if err := s.osProxy.RemoveAll(s.chunksDir(fp.ID)); err != nil {
		return fmt.Errorf("remove stale chunks: %w", err)
	}
	if err := s.osProxy.MkdirAll(s.chunksDir(fp.ID), 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	b, err := json.Marshal(metadata{Fingerprint: fp, UploadRef: uploadRef})
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return s.writeFile(s.entryDir(fp.ID), metaFileName, b)
}

// SetChunkUploaded implements Store.
func (s *DirStore) SetChunkUploaded(ctx context.Context, id string, index uint32, receipt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.osProxy.Stat(filepath.Join(s.entryDir(id), metaFileName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("set chunk %d: %w", index, ErrNotFound)
		}
		return fmt.Errorf("set chunk %d: %w", index, err)
	}

	return s.writeFile(s.chunksDir(id), strconv.FormatUint(uint64(index), 10), []byte(receipt))
}

// Clear implements Store.
func (s *DirStore) Clear(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.osProxy.RemoveAll(s.chunksDir(id)); err != nil {
		return fmt.Errorf("remove chunks: %w", err)
	}
	if err := s.osProxy.RemoveAll(s.entryDir(id)); err != nil {
		return fmt.Errorf("remove state: %w", err)
	}
	return nil
}

func (s *DirStore) writeFile(dir, name string, data []byte) error {
	tmp, err := s.osProxy.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.osProxy.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = s.osProxy.Remove(tmpPath)
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.osProxy.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", name, err)
	}

	if err := s.osProxy.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		_ = s.osProxy.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
