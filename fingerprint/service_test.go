package fingerprint

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type failingHasher struct{}

func (failingHasher) Hash(context.Context, io.Reader, Algorithm) (string, error) {
	return "", errors.New("hasher crashed")
}

func contentIdentity(content string) Identity {
	return Identity{
		Name:    "archive.tar",
		Size:    uint64(len(content)),
		ModTime: time.Unix(1700000000, 0),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func TestTotalChunks(t *testing.T) {
	tests := []struct {
		size      uint64
		chunkSize uint32
		want      uint64
	}{
		{0, 10, 1},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{10 * 1024 * 1024, 2 * 1024 * 1024, 5},
		{10, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TotalChunks(tt.size, tt.chunkSize), "size=%d chunk=%d", tt.size, tt.chunkSize)
	}
}

func TestService_MetadataIdentity(t *testing.T) {
	s := NewService(ModeMetadata, "", nil, log.NewLogger())
	id := contentIdentity("hello")

	first, err := s.Compute(context.Background(), 5, 2, id)
	require.NoError(t, err)
	second, err := s.Compute(context.Background(), 5, 2, id)
	require.NoError(t, err)

	assert.True(t, first.Matches(second))
	assert.False(t, first.IsContentBased())
	assert.Equal(t, uint32(3), first.TotalChunks)

	id.ModTime = id.ModTime.Add(time.Second)
	touched, err := s.Compute(context.Background(), 5, 2, id)
	require.NoError(t, err)
	assert.False(t, first.Matches(touched))
}

func TestService_ContentIdentity(t *testing.T) {
	s := NewService(ModeContent, SHA256, nil, log.NewLogger())

	fp, err := s.Compute(context.Background(), 5, 4, contentIdentity("hello"))
	require.NoError(t, err)
	assert.Equal(t, "sha256-2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", fp.ID)
	assert.True(t, fp.IsContentBased())

	renamed := contentIdentity("hello")
	renamed.Name = "other.tar"
	other, err := s.Compute(context.Background(), 5, 4, renamed)
	require.NoError(t, err)
	assert.True(t, fp.Matches(other))
}

func TestService_Blake3(t *testing.T) {
	s := NewService(ModeContent, BLAKE3, nil, log.NewLogger())

	fp, err := s.Compute(context.Background(), 5, 4, contentIdentity("hello"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fp.ID, "blake3-"))
	assert.Len(t, strings.TrimPrefix(fp.ID, "blake3-"), 64)
}

func TestService_HasherFailureFallsBack(t *testing.T) {
	logger := new(mocks.Logger)
	logger.On("Warnf", mock.Anything, mock.Anything, mock.Anything).Return()
	s := NewService(ModeContent, SHA256, failingHasher{}, logger)

	fp, err := s.Compute(context.Background(), 5, 4, contentIdentity("hello"))
	require.NoError(t, err)
	assert.False(t, fp.IsContentBased())
	logger.AssertCalled(t, "Warnf", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_HasherFailureWithRequireContent(t *testing.T) {
	s := NewService(ModeContent, SHA256, failingHasher{}, log.NewLogger())
	s.RequireContent = true

	_, err := s.Compute(context.Background(), 5, 4, contentIdentity("hello"))
	assert.ErrorIs(t, err, ErrContentUnavailable)
}

func TestService_InvalidChunkSize(t *testing.T) {
	s := NewService(ModeMetadata, "", nil, log.NewLogger())
	_, err := s.Compute(context.Background(), 5, 0, contentIdentity("hello"))
	assert.Error(t, err)
}

func TestDefaultHasher(t *testing.T) {
	h := NewHasher()

	_, err := h.Hash(context.Background(), bytes.NewReader(nil), "md5")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Hash(ctx, strings.NewReader("data"), SHA256)
	assert.ErrorIs(t, err, context.Canceled)
}
