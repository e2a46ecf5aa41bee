package upload

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/internal"
)

// File is the input of an upload.
type File struct {
	Name        string
	Size        uint64
	ModTime     time.Time
	ContentType string
	Source      chunk.Source
	// Open returns the whole content for content fingerprints. Nil forces
	// the metadata identity.
	Open func() (io.ReadCloser, error)

	close func() error
}

// OpenFile opens a file on disk for upload. The caller must Close it.
func OpenFile(path string) (*File, error) {
	return openFile(internal.RealOS{}, path)
}

func openFile(osProxy internal.OsProxy, path string) (*File, error) {
	info, err := osProxy.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	source, err := chunk.OpenFileSource(path)
	if err != nil {
		return nil, err
	}

	return &File{
		Name:    filepath.Base(path),
		Size:    source.Size(),
		ModTime: info.ModTime(),
		Source:  source,
		Open: func() (io.ReadCloser, error) {
			f, err := osProxy.Open(path)
			if err != nil {
				return nil, err
			}
			return f, nil
		},
		close: source.Close,
	}, nil
}

// BytesFile wraps an in-memory buffer.
func BytesFile(name string, data []byte, modTime time.Time) *File {
	return &File{
		Name:    name,
		Size:    uint64(len(data)),
		ModTime: modTime,
		Source:  chunk.BytesSource(data),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// Close releases the file.
func (f *File) Close() error {
	if f.close != nil {
		return f.close()
	}
	return nil
}

func (f *File) validate() error {
	if f == nil || f.Source == nil {
		return fmt.Errorf("file has no content source")
	}
	if f.Source.Size() != f.Size {
		return fmt.Errorf("file size %d does not match its content source (%d bytes)", f.Size, f.Source.Size())
	}
	return nil
}
