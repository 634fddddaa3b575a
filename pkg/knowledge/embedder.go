// Copyright 2026 Skeinworks
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package knowledge implements the semantic knowledge store: versioned
// vector collections (one per knowledge type) with embedding-based
// similarity search and on-disk persistence.
package knowledge

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/skeinworks/skein/pkg/types"
)

// Embedder turns text into a fixed-dimension vector. Implementations
// must be deterministic for the same input, since stored vectors and
// query vectors are compared across process restarts.
type Embedder interface {
	// Embed computes the vector for the text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the vector width.
	Dimension() int

	// Name identifies the model. Persisted collections refuse to load
	// under a different model name.
	Name() string
}

// DefaultDimension is the hashing embedder's vector width.
const DefaultDimension = 256

// hashingEmbedderName is recorded in collection headers.
const hashingEmbedderName = "hashing-v1"

// stopwords are dropped before feature extraction. Short function
// words carry no signal for similarity between task descriptions.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "of": {},
	"to": {}, "in": {}, "on": {}, "for": {}, "with": {}, "how": {},
	"is": {}, "are": {}, "be": {}, "this": {}, "that": {}, "it": {},
	"as": {}, "at": {}, "by": {}, "from": {}, "into": {}, "do": {},
	"does": {}, "was": {}, "were": {}, "what": {}, "when": {}, "i": {},
}

// HashingEmbedder is the default local embedding model: a feature
// hashing bag-of-words. Each token contributes itself and its 4-rune
// prefix (so "authentication" and "authenticate" share the "auth"
// feature), hashed into a fixed-width vector and L2-normalized.
// Deterministic and dependency-free; a remote model can replace it by
// implementing Embedder.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder creates the default embedder. dim <= 0 selects
// DefaultDimension.
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashingEmbedder{dim: dim}
}

// NewEmbedder resolves an embedding model by its configured name.
func NewEmbedder(name string) (Embedder, error) {
	switch name {
	case "", hashingEmbedderName:
		return NewHashingEmbedder(0), nil
	default:
		return nil, types.NewValidation("unknown embedding model %q", name)
	}
}

// Dimension returns the vector width.
func (e *HashingEmbedder) Dimension() int { return e.dim }

// Name returns the model identifier.
func (e *HashingEmbedder) Name() string { return hashingEmbedderName }

// Embed computes the normalized feature-hash vector for the text.
// Empty or all-stopword text yields the zero vector.
func (e *HashingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)

	for _, tok := range Tokenize(text) {
		e.addFeature(vec, tok)
		if r := []rune(tok); len(r) > 4 {
			e.addFeature(vec, string(r[:4]))
		}
	}

	normalize(vec)
	return vec, nil
}

func (e *HashingEmbedder) addFeature(vec []float32, feature string) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(feature))
	vec[int(h.Sum32())%e.dim]++
}

// Tokenize lowercases the text, splits on any non-alphanumeric rune,
// and drops stopwords and single-rune fragments.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// normalize scales the vector to unit length. The zero vector is left
// unchanged.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}

// Cosine returns the cosine similarity of two vectors. Mismatched
// lengths or a zero vector on either side yield 0, so degraded entries
// stored with zero embeddings never match a query.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// IsZeroVector reports whether every component is zero.
func IsZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
