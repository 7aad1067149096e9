// Package blobstore holds asset bytes addressed by their sha256 digest.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const casAlgorithmPrefix = "sha256"

// ErrBlobNotFound is returned by Open when no object exists for a key.
var ErrBlobNotFound = errors.New("blob not found")

// PutResult describes one persisted payload.
type PutResult struct {
	SHA256    string
	SizeBytes int64
	BlobKey   string
}

// BlobStore is the byte-storage abstraction behind the durable asset store.
type BlobStore interface {
	Put(ctx context.Context, r io.Reader) (PutResult, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// Backend names the implementation, for example "local_cas".
	Backend() string
}

// KeyForDigest returns the key a content-addressed store files a payload
// with the given hex sha256 digest under.
func KeyForDigest(digest string) string {
	return casKeyFromDigest(digest)
}

func casKeyFromDigest(digest string) string {
	return fmt.Sprintf("%s/%s/%s/%s", casAlgorithmPrefix, digest[0:2], digest[2:4], digest)
}
