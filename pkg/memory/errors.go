package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrDeadlineExceeded indicates retrieval ran past its budget and the
	// orchestrator returned best-effort partial context instead.
	ErrDeadlineExceeded = errors.New("memory retrieval deadline exceeded")

	// ErrEmptyInput indicates an embedding was requested for blank text.
	// Never retried.
	ErrEmptyInput = errors.New("empty input")
)

// EmbeddingError wraps an upstream embedding-generation failure. Transient
// causes are retried by the client; persistent ones surface as a search
// miss, never to the chat flow.
type EmbeddingError struct {
	Model string
	Err   error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed (model %s): %v", e.Model, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// VectorStoreError wraps a backing-store failure. The orchestrator degrades
// it to "no memory found".
type VectorStoreError struct {
	Op  string
	Err error
}

func (e *VectorStoreError) Error() string {
	return fmt.Sprintf("vector store %s: %v", e.Op, e.Err)
}

func (e *VectorStoreError) Unwrap() error { return e.Err }

// CacheCorruptionError indicates a cached value failed to deserialize. The
// entry is evicted and the lookup treated as a miss.
type CacheCorruptionError struct {
	Key string
	Err error
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("corrupt cache entry %q: %v", e.Key, e.Err)
}

func (e *CacheCorruptionError) Unwrap() error { return e.Err }
