// Package chunk splits a file into the ordered byte ranges that are uploaded
// and retried independently.
package chunk

import (
	"errors"
	"fmt"
	"math"
	"runtime"
)

// ErrInvariant is wrapped by every partition violation.
var ErrInvariant = errors.New("chunk partition invariant violated")

// Descriptor is one contiguous byte range of a file.
type Descriptor struct {
	Index    uint32 `json:"index"`
	Offset   uint64 `json:"offset"`
	Length   uint32 `json:"length"`
	Priority int8   `json:"priority"`
}

// End returns the offset right after the chunk.
func (d Descriptor) End() uint64 {
	return d.Offset + uint64(d.Length)
}

// Policy selects the chunk size for a file.
type Policy interface {
	ChunkSize(fileSize uint64) uint32
}

// Fixed uses the same chunk size for every file.
type Fixed uint32

// ChunkSize implements Policy.
func (f Fixed) ChunkSize(uint64) uint32 {
	return uint32(f)
}

// Adaptive picks smaller chunks for smaller files and larger chunks for
// larger files so that every worker gets work, within [Min, Max].
type Adaptive struct {
	Min         uint32
	Max         uint32
	Concurrency int
}

// ChunkSize implements Policy.
func (a Adaptive) ChunkSize(fileSize uint64) uint32 {
	concurrency := uint64(a.Concurrency)
	if concurrency == 0 {
		concurrency = uint64(DefaultConcurrency())
	}

	cs := fileSize / concurrency

	// Reduce chunk size for very large chunks to improve parallelism
	if cs >= 100*1024*1024 {
		cs = cs / 2
	}

	if cs < uint64(a.Min) {
		cs = uint64(a.Min)
	}

	if a.Max > 0 && cs > uint64(a.Max) {
		cs = uint64(a.Max)
	}

	if cs > math.MaxUint32 {
		cs = math.MaxUint32
	}
	if cs == 0 {
		cs = 1
	}
	return uint32(cs)
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

type planOptions struct {
	priority func(index uint32) int8
}

// Option customizes Plan.
type Option func(*planOptions)

// WithFirstChunkPriority front-loads the first chunk.
func WithFirstChunkPriority(p int8) Option {
	return func(o *planOptions) {
		prev := o.priority
		o.priority = func(index uint32) int8 {
			if index == 0 {
				return p
			}
			if prev != nil {
				return prev(index)
			}
			return 0
		}
	}
}

// WithPriority assigns a priority to every chunk. The function must be
// deterministic.
func WithPriority(fn func(index uint32) int8) Option {
	return func(o *planOptions) {
		o.priority = fn
	}
}

// Plan partitions [0, fileSize) into descriptors using the chunk size chosen
// by policy. The result only depends on the inputs. An empty file yields a
// single zero-length descriptor.
func Plan(fileSize uint64, policy Policy, opts ...Option) ([]Descriptor, error) {
	if policy == nil {
		return nil, errors.New("no chunk size policy")
	}
	chunkSize := policy.ChunkSize(fileSize)
	if chunkSize == 0 {
		return nil, errors.New("chunk size must be positive")
	}

	var o planOptions
	for _, opt := range opts {
		opt(&o)
	}

	cs := uint64(chunkSize)
	count := uint64(1)
	if fileSize > 0 {
		count = (fileSize + cs - 1) / cs
	}
	if count > math.MaxUint32 {
		return nil, fmt.Errorf("file of %d bytes needs %d chunks of %d bytes, more than the index range", fileSize, count, chunkSize)
	}

	descs := make([]Descriptor, count)
	for i := uint64(0); i < count; i++ {
		offset := i * cs
		length := cs
		if offset+length > fileSize {
			length = fileSize - offset
		}
		d := Descriptor{
			Index:  uint32(i),
			Offset: offset,
			Length: uint32(length),
		}
		if o.priority != nil {
			d.Priority = o.priority(d.Index)
		}
		descs[i] = d
	}

	return descs, nil
}

// Validate checks that descs partition [0, fileSize) in index order without
// gaps or overlaps.
func Validate(descs []Descriptor, fileSize uint64) error {
	if len(descs) == 0 {
		return fmt.Errorf("%w: no chunks", ErrInvariant)
	}
	if fileSize == 0 {
		if len(descs) != 1 || descs[0].Length != 0 || descs[0].Offset != 0 || descs[0].Index != 0 {
			return fmt.Errorf("%w: empty file must have exactly one zero-length chunk", ErrInvariant)
		}
		return nil
	}

	var next uint64
	for i, d := range descs {
		if uint64(d.Index) != uint64(i) {
			return fmt.Errorf("%w: chunk at position %d has index %d", ErrInvariant, i, d.Index)
		}
		if d.Offset != next {
			return fmt.Errorf("%w: chunk %d starts at %d, expected %d", ErrInvariant, d.Index, d.Offset, next)
		}
		if d.Length == 0 {
			return fmt.Errorf("%w: chunk %d is empty", ErrInvariant, d.Index)
		}
		next = d.End()
	}
	if next != fileSize {
		return fmt.Errorf("%w: chunks cover %d bytes, file has %d", ErrInvariant, next, fileSize)
	}
	return nil
}
