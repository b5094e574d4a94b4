// Package embedder defines the abstract embedding-generation boundary (spec §2
// Non-goals: "embedding generation (abstract Embedder)"). No component calls an
// Embedder: semantic dedup uses the store's text-similarity lookup
// (store.BasketContextStore.FindSimilarBlocks). This package only standardizes the
// call shape, same pattern as pkg/reasoner.
package embedder

import (
	"context"
	"math"
	"time"

	"github.com/sony/gobreaker"
)

// Embedder turns text into a fixed-size vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Breaker wraps an Embedder with a circuit breaker, the same defensive pattern
// pkg/reasoner.Breaker uses, since an embedding service is an equally external,
// equally capable-of-hanging dependency.
type Breaker struct {
	inner Embedder
	cb    *gobreaker.CircuitBreaker
}

func NewBreaker(name string, inner Embedder, maxConsecutiveFailures uint32, openDuration time.Duration) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: openDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxConsecutiveFailures
		},
	})
	return &Breaker{inner: inner, cb: cb}
}

func (b *Breaker) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return b.inner.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return result.([]float32), nil
}

// Fake is a deterministic, dependency-free Embedder for tests and for
// installations that haven't wired a real embedding provider yet. It hashes
// overlapping trigrams of text into a fixed-width vector, which is enough
// structure for dedup-threshold tests without pulling in a model client.
type Fake struct {
	Dims int
}

func NewFake(dims int) *Fake {
	return &Fake{Dims: dims}
}

func (f *Fake) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.Dims)
	if len(text) == 0 {
		return vec, nil
	}
	for i := 0; i < len(text)-2; i++ {
		h := fnv1a(text[i : i+3])
		vec[int(h)%f.Dims] += 1
	}
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec, nil
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

func fnv1a(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
