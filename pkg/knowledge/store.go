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

package knowledge

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/skeinworks/skein/pkg/clock"
	"github.com/skeinworks/skein/pkg/types"
)

// StoreOptions configures a knowledge store.
type StoreOptions struct {
	// PersistDir is the root directory for collection data. Empty
	// disables persistence.
	PersistDir string

	// Embedder overrides the default hashing embedder.
	Embedder Embedder

	// Clock overrides the system clock.
	Clock clock.Clock

	// Logger receives store and collection logs.
	Logger *zap.Logger
}

// Store federates one vector collection per knowledge type and routes
// writes by inferring the type from metadata, key, and value shape.
type Store struct {
	embedder   Embedder
	clk        clock.Clock
	logger     *zap.Logger
	persistDir string

	mu          sync.Mutex
	collections map[types.KnowledgeType]*VectorCollection
	closed      bool

	stores   atomic.Int64
	searches atomic.Int64
	hits     atomic.Int64
}

// NewStore creates a knowledge store. Collections open lazily on first
// access, so a store pointed at a missing directory costs nothing
// until used.
func NewStore(opts StoreOptions) *Store {
	embedder := opts.Embedder
	if embedder == nil {
		embedder = NewHashingEmbedder(0)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		embedder:    embedder,
		clk:         clk,
		logger:      logger,
		persistDir:  opts.PersistDir,
		collections: make(map[types.KnowledgeType]*VectorCollection),
	}
}

// Collection returns the collection for a knowledge type, opening it
// on first use.
func (s *Store) Collection(t types.KnowledgeType) *VectorCollection {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[t]; ok {
		return c
	}
	dir := ""
	if s.persistDir != "" {
		dir = dirForType(s.persistDir, t)
	}
	c := NewVectorCollection(t, s.embedder, dir, s.clk, s.logger)
	s.collections[t] = c
	return c
}

// Store writes an entry, inferring its knowledge type. The resolution
// order is explicit metadata, key substrings, value shape, then
// LEARNED_PATTERN.
func (s *Store) Store(ctx context.Context, key string, value interface{}, metadata map[string]interface{}) (*types.KnowledgeEntry, error) {
	t := InferType(key, value, metadata)
	entry, err := s.Collection(t).Put(ctx, key, value, metadata)
	if err != nil {
		return nil, err
	}
	s.stores.Add(1)
	s.logger.Debug("Knowledge stored",
		zap.String("key", key),
		zap.String("knowledge_type", string(t)),
		zap.Int64("version", entry.Version))
	return entry, nil
}

// StoreAs writes an entry into an explicit collection, bypassing
// inference.
func (s *Store) StoreAs(ctx context.Context, t types.KnowledgeType, key string, value interface{}, metadata map[string]interface{}) (*types.KnowledgeEntry, error) {
	if !t.IsValid() {
		return nil, types.NewValidation("unknown knowledge type %q", t)
	}
	entry, err := s.Collection(t).Put(ctx, key, value, metadata)
	if err != nil {
		return nil, err
	}
	s.stores.Add(1)
	return entry, nil
}

// Get returns the latest version of key from the typed collection.
func (s *Store) Get(t types.KnowledgeType, key string) (*types.KnowledgeEntry, error) {
	if !t.IsValid() {
		return nil, types.NewValidation("unknown knowledge type %q", t)
	}
	return s.Collection(t).Get(key)
}

// Retrieve finds key without knowing its type, checking collections in
// the canonical type order and returning the first hit.
func (s *Store) Retrieve(key string) (*types.KnowledgeEntry, error) {
	for _, t := range types.AllKnowledgeTypes() {
		if entry, err := s.Collection(t).Get(key); err == nil {
			return entry, nil
		}
	}
	return nil, types.NewNotFound("knowledge key %q not found in any collection", key)
}

// Delete removes every version of key from the typed collection.
func (s *Store) Delete(t types.KnowledgeType, key string) bool {
	if !t.IsValid() {
		return false
	}
	return s.Collection(t).Delete(key)
}

// Search fans the query out across collections and merges results by
// similarity, recency breaking ties. A failing collection is logged
// and skipped: partial results beat no results.
func (s *Store) Search(ctx context.Context, query string, kinds []types.KnowledgeType, limit int, minSimilarity float64) []types.SearchResult {
	if len(kinds) == 0 {
		kinds = types.AllKnowledgeTypes()
	}
	if limit <= 0 {
		limit = 10
	}
	s.searches.Add(1)

	var merged []types.SearchResult
	for _, t := range kinds {
		if !t.IsValid() {
			s.logger.Warn("Skipping unknown knowledge type in search", zap.String("knowledge_type", string(t)))
			continue
		}
		results, err := s.Collection(t).Query(ctx, Query{
			Text:          query,
			Limit:         limit,
			MinSimilarity: minSimilarity,
		})
		if err != nil {
			s.logger.Warn("Collection search failed",
				zap.String("knowledge_type", string(t)), zap.Error(err))
			continue
		}
		merged = append(merged, results...)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Similarity != merged[j].Similarity {
			return merged[i].Similarity > merged[j].Similarity
		}
		return merged[i].Entry.CreatedAt.After(merged[j].Entry.CreatedAt)
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}

	s.hits.Add(int64(len(merged)))
	return merged
}

// FindSimilarPatterns searches learned patterns matching a task
// description.
func (s *Store) FindSimilarPatterns(ctx context.Context, taskDescription string, limit int) []types.SearchResult {
	return s.Search(ctx, taskDescription, []types.KnowledgeType{types.KnowledgeLearnedPattern}, limit, 0.3)
}

// FindUserPreferences searches stored preferences relevant to a
// context description.
func (s *Store) FindUserPreferences(ctx context.Context, contextDescription string, limit int) []types.SearchResult {
	return s.Search(ctx, contextDescription, []types.KnowledgeType{types.KnowledgeUserPreference}, limit, 0.2)
}

// CheckFailurePatterns searches known failures that resemble a plan,
// so agents can avoid repeating them.
func (s *Store) CheckFailurePatterns(ctx context.Context, planDescription string, limit int) []types.SearchResult {
	return s.Search(ctx, planDescription, []types.KnowledgeType{types.KnowledgeFailurePattern}, limit, 0.3)
}

// Export snapshots the latest version of every key across all
// collections.
func (s *Store) Export() types.KnowledgeDump {
	dump := types.KnowledgeDump{
		ExportedAt:   s.clk.Now(),
		EmbedderName: s.embedder.Name(),
	}
	for _, t := range types.AllKnowledgeTypes() {
		dump.Entries = append(dump.Entries, s.Collection(t).Latest()...)
	}
	return dump
}

// Import restores entries from a dump. With overwrite false, keys that
// already exist are skipped. Returns the number of entries written.
// Version counters restart: an imported entry becomes the next version
// of its key, not the version recorded in the dump.
func (s *Store) Import(ctx context.Context, dump types.KnowledgeDump, overwrite bool) (int, error) {
	written := 0
	for _, e := range dump.Entries {
		if !e.Type.IsValid() {
			s.logger.Warn("Skipping entry with unknown knowledge type",
				zap.String("key", e.Key), zap.String("knowledge_type", string(e.Type)))
			continue
		}
		col := s.Collection(e.Type)
		if !overwrite {
			if _, err := col.Get(e.Key); err == nil {
				continue
			}
		}
		if _, err := col.Put(ctx, e.Key, e.Value, e.Metadata); err != nil {
			return written, err
		}
		written++
	}
	s.logger.Info("Knowledge imported",
		zap.Int("written", written),
		zap.Int("total", len(dump.Entries)),
		zap.Bool("overwrite", overwrite))
	return written, nil
}

// Clear wipes every collection, memory and disk.
func (s *Store) Clear() {
	for _, t := range types.AllKnowledgeTypes() {
		s.Collection(t).Clear()
	}
}

// Statistics returns a snapshot across all open collections.
func (s *Store) Statistics() types.StoreStats {
	stats := types.StoreStats{
		Collections: make(map[types.KnowledgeType]types.CollectionStats),
		Stores:      s.stores.Load(),
		Searches:    s.searches.Load(),
		Hits:        s.hits.Load(),
	}

	s.mu.Lock()
	open := make([]*VectorCollection, 0, len(s.collections))
	for _, c := range s.collections {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		cs := c.Stats()
		stats.Collections[cs.Type] = cs
		stats.TotalKeys += cs.Keys
	}
	return stats
}

// Embedder returns the store's embedding model.
func (s *Store) Embedder() Embedder { return s.embedder }

// Close releases every open collection. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, c := range s.collections {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InferType resolves the knowledge type for an entry. Explicit
// metadata wins, then key substrings, then value shape, then the
// LEARNED_PATTERN default.
func InferType(key string, value interface{}, metadata map[string]interface{}) types.KnowledgeType {
	for _, mk := range []string{"knowledge_type", "type"} {
		if raw, ok := metadata[mk]; ok {
			if str, ok := raw.(string); ok {
				if t, valid := types.ParseKnowledgeType(str); valid {
					return t
				}
			}
		}
	}

	lower := strings.ToLower(key)
	switch {
	case strings.Contains(lower, "fail"):
		return types.KnowledgeFailurePattern
	case strings.Contains(lower, "preference"), strings.Contains(lower, "user"):
		return types.KnowledgeUserPreference
	}

	if m, ok := value.(map[string]interface{}); ok {
		if _, has := m["error"]; has {
			return types.KnowledgeFailurePattern
		}
		if _, has := m["failure"]; has {
			return types.KnowledgeFailurePattern
		}
		if _, has := m["preference"]; has {
			return types.KnowledgeUserPreference
		}
		if _, has := m["steps"]; has {
			return types.KnowledgeWorkflowTemplate
		}
	}

	return types.KnowledgeLearnedPattern
}
