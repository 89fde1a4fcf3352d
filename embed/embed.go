// Package embed turns text into unit-length vectors, shielding callers from
// embedding backend failures where a zero vector is an acceptable answer.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/calegria/diagraph/llm"
)

// ErrDimension is returned when the backend answers with vectors of the
// wrong width.
var ErrDimension = errors.New("embed: unexpected embedding dimension")

// Embedder wraps an embedding backend with normalisation and a fixed
// dimension contract.
type Embedder struct {
	client llm.Client
	dim    int
}

// New returns an Embedder that expects dim-wide vectors from client.
func New(client llm.Client, dim int) *Embedder {
	return &Embedder{client: client, dim: dim}
}

// Dim reports the embedding width.
func (e *Embedder) Dim() int { return e.dim }

// Encode embeds a batch of texts and L2-normalises each vector.
func (e *Embedder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := e.client.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d texts", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) != e.dim {
			return nil, fmt.Errorf("%w: got %d, want %d (text %d)", ErrDimension, len(v), e.dim, i)
		}
		normalize(v)
	}
	return vecs, nil
}

// EncodeOne embeds a single text.
func (e *Embedder) EncodeOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.Encode(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EncodeOrZero embeds one text, falling back to a zero vector when the
// backend fails. The zero vector matches nothing in cosine space, so the
// item is indexable but unfindable rather than lost.
func (e *Embedder) EncodeOrZero(ctx context.Context, text string) []float32 {
	vec, err := e.EncodeOne(ctx, text)
	if err != nil {
		slog.Warn("embed: falling back to zero vector", "error", err)
		return make([]float32, e.dim)
	}
	return vec
}

// normalize scales v to unit length in place. Zero vectors stay zero.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
