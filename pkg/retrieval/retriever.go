// Package retrieval provides the two interchangeable retrieval backends:
// a product-quantization vector index and a sqlite-vec chunk store.
package retrieval

import (
	"context"
	"errors"
)

// ErrRetrieverUnavailable is returned when a backend has no loaded index.
// Callers are expected to degrade to context-free execution.
var ErrRetrieverUnavailable = errors.New("retriever unavailable")

// Result is a single ranked passage returned by a backend. Score is
// normalized so that higher is better regardless of backend.
type Result struct {
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
	SourceID string  `json:"source_id"`
}

// Document is the unit of ingestion shared by both backends.
type Document struct {
	ID       string
	Title    string
	Content  string
	Metadata map[string]string
}

// Retriever is the common capability of both backends. Query returns at
// most topK results ordered by non-increasing score; equal scores keep
// document insertion order so repeated queries are reproducible. Empty
// results are valid. Implementations must support unlimited concurrent
// readers.
type Retriever interface {
	Query(ctx context.Context, text string, topK int) ([]Result, error)
	Add(ctx context.Context, docs []Document) error
	Name() string
}
