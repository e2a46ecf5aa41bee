package chunk

import (
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-chunkupload/internal"
)

// Source provides chunk data for upload. ReadChunk may be called several
// times for the same chunk and from several goroutines at once.
type Source interface {
	Size() uint64
	ReadChunk(d Descriptor) ([]byte, error)
}

// FileSource reads chunks from a file on disk.
// Thread-safe for parallel chunk reads.
type FileSource struct {
	file *os.File
	size uint64
}

// OpenFileSource opens path for chunk reads.
func OpenFileSource(path string) (*FileSource, error) {
	return openFileSource(internal.RealOS{}, path)
}

func openFileSource(osProxy internal.OsProxy, path string) (*FileSource, error) {
	file, err := osProxy.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{file: file, size: uint64(info.Size())}, nil
}

// Size returns the file size at open time.
func (s *FileSource) Size() uint64 {
	return s.size
}

// ReadChunk reads the chunk's bytes into memory so that retries can resend them.
func (s *FileSource) ReadChunk(d Descriptor) ([]byte, error) {
	if d.End() > s.size {
		return nil, fmt.Errorf("chunk %d [%d, %d) is outside of the file (%d bytes)", d.Index, d.Offset, d.End(), s.size)
	}

	data := make([]byte, d.Length)
	r := io.NewSectionReader(s.file, int64(d.Offset), int64(d.Length))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", d.Index, err)
	}
	return data, nil
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// BytesSource provides chunks from an in-memory buffer.
type BytesSource []byte

// Size implements Source.
func (b BytesSource) Size() uint64 {
	return uint64(len(b))
}

// ReadChunk returns a copy of the chunk's bytes.
func (b BytesSource) ReadChunk(d Descriptor) ([]byte, error) {
	if d.End() > uint64(len(b)) {
		return nil, fmt.Errorf("chunk %d [%d, %d) out of range [0, %d)", d.Index, d.Offset, d.End(), len(b))
	}
	data := make([]byte, d.Length)
	copy(data, b[d.Offset:d.End()])
	return data, nil
}
