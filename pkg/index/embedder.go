package index

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder produces fixed-dimension vectors for text. Implementations
// may batch; dimensions never change within a deployment.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// HashEmbedder is a deterministic feature-hashing embedder. It needs
// no external service, which makes it the default and the test
// embedder. Token unigrams and bigrams are hashed into D buckets and
// the result is L2-normalized, so cosine similarity tracks token
// overlap.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder with the given dimensions.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

// Embed hashes the text's tokens into a normalized vector.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	tokens := tokenize(text)
	for i, tok := range tokens {
		addFeature(vec, tok)
		if i+1 < len(tokens) {
			addFeature(vec, tok+" "+tokens[i+1])
		}
	}
	normalize(vec)
	return vec, nil
}

// EmbedBatch embeds each text in order.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured dimensionality.
func (e *HashEmbedder) Dimensions() int {
	return e.dims
}

// Name identifies the embedder in logs and status output.
func (e *HashEmbedder) Name() string {
	return "hash"
}

func addFeature(vec []float32, feature string) {
	h := fnv.New32a()
	h.Write([]byte(feature))
	sum := h.Sum32()
	idx := int(sum % uint32(len(vec)))
	// The high bit decides sign so colliding features partially cancel
	// instead of always inflating one bucket.
	if sum&0x80000000 != 0 {
		vec[idx]--
	} else {
		vec[idx]++
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// CosineSimilarity returns the cosine of the angle between two vectors
// of equal dimension, in [-1, 1].
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
