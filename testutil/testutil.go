// Package testutil provides fixtures for tests and benchmarks:
// seeded random vectors and pre-populated collections.
//
// This package is intended for use in tests only.
package testutil

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/hupe1980/vecsafe/catalog"
	"github.com/hupe1980/vecsafe/vectorstore"
)

// RNG is a seeded, thread-safe random number generator. Fixtures built
// from the same seed are reproducible across runs.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// FillUniform fills vec with uniform values in [0, 1).
func (r *RNG) FillUniform(vec []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range vec {
		vec[i] = r.rand.Float32()
	}
}

// FillGaussian fills vec with standard normal values.
func (r *RNG) FillGaussian(vec []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range vec {
		vec[i] = float32(r.rand.NormFloat64())
	}
}

// Vector returns a fresh uniform random vector of the given dimension.
func (r *RNG) Vector(dim int) []float32 {
	vec := make([]float32, dim)
	r.FillUniform(vec)
	return vec
}

// Record returns a valid local-provider catalog record for tests.
func Record(id string, dim int) *catalog.CollectionRecord {
	return &catalog.CollectionRecord{
		ID:          id,
		DisplayName: "name-" + id,
		Embedding: catalog.EmbeddingDescriptor{
			Provider:  catalog.ProviderLocal,
			Dimension: dim,
		},
	}
}

// SeedPhysical creates a collection directory with n random vectors
// and no catalog entry.
func SeedPhysical(tb testing.TB, vs vectorstore.Store, rng *RNG, id string, dim, n int) {
	tb.Helper()

	ctx := context.Background()
	if err := vs.Create(ctx, id, dim); err != nil {
		tb.Fatalf("create collection %s: %v", id, err)
	}
	for i := 0; i < n; i++ {
		if err := vs.Append(ctx, id, uint32(i+1), rng.Vector(dim)); err != nil {
			tb.Fatalf("append to %s: %v", id, err)
		}
	}
}

// SeedCollection creates a cataloged collection with n random vectors.
func SeedCollection(tb testing.TB, cat *catalog.Store, vs vectorstore.Store, rng *RNG, id string, dim, n int) {
	tb.Helper()

	SeedPhysical(tb, vs, rng, id, dim, n)

	rec := Record(id, dim)
	rec.ItemCount = int64(n)
	if err := cat.Put(context.Background(), rec); err != nil {
		tb.Fatalf("put record %s: %v", id, err)
	}
}
