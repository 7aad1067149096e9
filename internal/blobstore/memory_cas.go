package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
)

// MemoryCAS keeps objects in process memory. It backs the degraded,
// memory-only mode used when the on-disk store cannot be opened.
type MemoryCAS struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryCAS returns an empty in-memory store.
func NewMemoryCAS() *MemoryCAS {
	return &MemoryCAS{objects: make(map[string][]byte)}
}

// Backend implements BlobStore.
func (m *MemoryCAS) Backend() string { return "memory" }

// Put implements BlobStore.
func (m *MemoryCAS) Put(ctx context.Context, r io.Reader) (PutResult, error) {
	var zero PutResult
	if r == nil {
		return zero, fmt.Errorf("reader is required")
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return zero, err
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	key := casKeyFromDigest(digest)

	m.mu.Lock()
	if _, ok := m.objects[key]; !ok {
		m.objects[key] = data
	}
	m.mu.Unlock()

	return PutResult{SHA256: digest, SizeBytes: int64(len(data)), BlobKey: key}, nil
}

// Open implements BlobStore.
func (m *MemoryCAS) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete implements BlobStore.
func (m *MemoryCAS) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored objects.
func (m *MemoryCAS) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
