package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

const metadataPrefix = "meta-"

// ErrContentUnavailable is returned when a content identity is required but
// the content could not be hashed.
var ErrContentUnavailable = errors.New("content fingerprint unavailable")

// Identity describes the file being fingerprinted.
type Identity struct {
	Name    string
	Size    uint64
	ModTime time.Time
	// Open returns the file content. Only used in ModeContent.
	Open func() (io.ReadCloser, error)
}

// Service computes fingerprints.
type Service struct {
	Mode      Mode
	Algorithm Algorithm
	Hasher    Hasher
	// RequireContent turns a hashing failure into an error instead of a
	// fallback to the metadata identity.
	RequireContent bool

	logger log.Logger
	now    func() time.Time
}

// NewService creates a fingerprint service.
func NewService(mode Mode, alg Algorithm, hasher Hasher, logger log.Logger) *Service {
	if hasher == nil {
		hasher = NewHasher()
	}
	if alg == "" {
		alg = SHA256
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Service{
		Mode:      mode,
		Algorithm: alg,
		Hasher:    hasher,
		logger:    logger,
		now:       time.Now,
	}
}

// Compute returns the fingerprint of a file of fileSize bytes split into
// chunks of chunkSize bytes.
func (s *Service) Compute(ctx context.Context, fileSize uint64, chunkSize uint32, id Identity) (Fingerprint, error) {
	if chunkSize == 0 {
		return Fingerprint{}, errors.New("chunk size must be positive")
	}
	total := TotalChunks(fileSize, chunkSize)
	if total > uint64(^uint32(0)) {
		return Fingerprint{}, fmt.Errorf("%d chunks exceed the chunk index range", total)
	}

	fp := Fingerprint{
		Size:        fileSize,
		ChunkSize:   chunkSize,
		TotalChunks: uint32(total),
		CreatedAt:   s.now(),
	}

	if s.Mode != ModeContent {
		fp.ID = metadataID(id.Name, fileSize, id.ModTime)
		return fp, nil
	}

	contentID, err := s.contentID(ctx, id)
	if err == nil {
		fp.ID = contentID
		return fp, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Fingerprint{}, ctxErr
	}
	if s.RequireContent {
		return Fingerprint{}, fmt.Errorf("%w: %s", ErrContentUnavailable, err)
	}

	s.logger.Warnf("Failed to hash %s, falling back to metadata identity: %s", id.Name, err)
	fp.ID = metadataID(id.Name, fileSize, id.ModTime)
	return fp, nil
}

func (s *Service) contentID(ctx context.Context, id Identity) (string, error) {
	if s.Hasher == nil || id.Open == nil {
		return "", errors.New("no content source")
	}

	r, err := id.Open()
	if err != nil {
		return "", fmt.Errorf("open content: %w", err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			s.logger.Warnf("Failed to close %s: %s", id.Name, err)
		}
	}()

	start := time.Now()
	sum, err := s.Hasher.Hash(ctx, r, s.Algorithm)
	if err != nil {
		return "", err
	}
	s.logger.Debugf("Hashed %s with %s in %s", id.Name, s.Algorithm, time.Since(start).Round(time.Millisecond))

	return string(s.Algorithm) + "-" + sum, nil
}

func metadataID(name string, size uint64, modTime time.Time) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(size, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(modTime.UnixNano(), 10)))
	return metadataPrefix + hex.EncodeToString(h.Sum(nil))
}
