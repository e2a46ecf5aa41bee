package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/zeebo/blake3"
)

// Algorithm names a content hash function.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Hasher computes content hashes for content identities and instant upload.
type Hasher interface {
	Hash(ctx context.Context, r io.Reader, alg Algorithm) (string, error)
}

// DefaultHasher supports SHA256 and BLAKE3.
type DefaultHasher struct{}

// NewHasher returns the default hasher.
func NewHasher() Hasher {
	return DefaultHasher{}
}

// Hash returns the hex encoded digest of r.
func (DefaultHasher) Hash(ctx context.Context, r io.Reader, alg Algorithm) (string, error) {
	var h hash.Hash
	switch alg {
	case SHA256:
		h = sha256.New()
	case BLAKE3:
		h = blake3.New()
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", alg)
	}

	if _, err := io.Copy(h, &contextReader{ctx: ctx, r: r}); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
