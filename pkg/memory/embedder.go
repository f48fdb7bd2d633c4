package memory

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"
)

// Embedder converts text to a fixed-length vector. Implementations are pure
// functions over their external dependency; callers own caching.
type Embedder interface {
	ModelID() string
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

// ChargramEmbedder is a deterministic local embedder hashing character
// trigrams and tokens into a fixed-size vector. It needs no network and is
// the offline fallback when no embedding API is configured.
type ChargramEmbedder struct {
	dims int
}

func NewChargramEmbedder(dims int) *ChargramEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &ChargramEmbedder{dims: dims}
}

func (e *ChargramEmbedder) ModelID() string { return "recall-chargram-v1" }

func (e *ChargramEmbedder) Dimensions() int { return e.dims }

func (e *ChargramEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &EmbeddingError{Model: e.ModelID(), Err: ErrEmptyInput}
	}
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		gram := window[i : i+3]
		h := fnv.New64a()
		_, _ = h.Write([]byte(gram))
		idx := int(h.Sum64() % uint64(e.dims))
		vec[idx]++
	}
	for _, token := range tokenize(normalized) {
		h := fnv.New64a()
		_, _ = h.Write([]byte("tok:" + token))
		idx := int(h.Sum64() % uint64(e.dims))
		vec[idx] += 1.25
	}
	normalizeVector(vec)
	return vec, nil
}

// HashEmbedder hashes whole tokens with signed buckets. Cheaper and coarser
// than chargrams; kept for small deployments.
type HashEmbedder struct {
	dims int
}

func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) ModelID() string { return "recall-hash-v1" }

func (e *HashEmbedder) Dimensions() int { return e.dims }

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &EmbeddingError{Model: e.ModelID(), Err: ErrEmptyInput}
	}
	vec := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[idx] += sign * float32(1+len(token)/8)
	}
	normalizeVector(vec)
	return vec, nil
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}
