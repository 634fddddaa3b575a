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
	"fmt"
	"path"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/skeinworks/skein/pkg/clock"
	"github.com/skeinworks/skein/pkg/types"
)

// entryVersion is one stored version with its embedding and a global
// insertion sequence used for recency tie-breaking.
type entryVersion struct {
	entry  types.KnowledgeEntry
	vector []float32
	seq    int64
}

// Query selects entries from a collection by semantic similarity.
type Query struct {
	// Text is embedded and compared against stored vectors.
	Text string

	// Filter is a conjunctive equality match over entry metadata.
	Filter map[string]interface{}

	// Limit caps the result count. <= 0 means no cap.
	Limit int

	// MinSimilarity excludes results below this cosine similarity.
	MinSimilarity float64
}

// VectorCollection stores versioned entries of one knowledge type and
// answers similarity queries over the latest version of every key.
//
// A collection opened with a persistence directory writes through to
// disk. When the on-disk state cannot be loaded (corruption, embedder
// mismatch) the collection starts empty and degraded: fully usable in
// memory, with the reason surfaced in Stats.
type VectorCollection struct {
	ktype    types.KnowledgeType
	embedder Embedder
	clk      clock.Clock
	logger   *zap.Logger

	mu       sync.RWMutex
	versions map[string][]*entryVersion
	seq      int64
	disk     *diskStore

	degraded        atomic.Bool
	degradedReason  atomic.Value // string
	degradedEntries atomic.Int64
	persistFailures atomic.Int64
}

// NewVectorCollection creates a collection. dir == "" disables
// persistence. Load failures degrade instead of failing: the returned
// collection is always usable.
func NewVectorCollection(ktype types.KnowledgeType, embedder Embedder, dir string, clk clock.Clock, logger *zap.Logger) *VectorCollection {
	if embedder == nil {
		embedder = NewHashingEmbedder(0)
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &VectorCollection{
		ktype:    ktype,
		embedder: embedder,
		clk:      clk,
		logger:   logger.With(zap.String("knowledge_type", string(ktype))),
		versions: make(map[string][]*entryVersion),
	}

	if dir != "" {
		c.openDisk(dir)
	}
	return c
}

// openDisk attaches persistence and loads prior state. Any failure
// leaves the collection in-memory and degraded.
func (c *VectorCollection) openDisk(dir string) {
	store, err := openDiskStore(dir, c.embedder.Name(), c.embedder.Dimension())
	if err != nil {
		c.markDegraded(err)
		return
	}

	loaded, err := store.loadAll()
	if err != nil {
		store.close()
		c.markDegraded(err)
		return
	}

	c.disk = store
	for _, lv := range loaded {
		ev := &entryVersion{
			entry: types.KnowledgeEntry{
				Key:       lv.key,
				Type:      c.ktype,
				Value:     lv.value,
				Metadata:  lv.metadata,
				Version:   lv.version,
				Degraded:  lv.degraded,
				CreatedAt: lv.createdAt,
			},
			vector: lv.vector,
			seq:    c.seq,
		}
		c.seq++
		c.versions[lv.key] = append(c.versions[lv.key], ev)
		if lv.degraded {
			c.degradedEntries.Add(1)
		}
	}

	if len(loaded) > 0 {
		c.logger.Info("Collection loaded",
			zap.String("dir", dir),
			zap.Int("versions", len(loaded)),
			zap.Int("keys", len(c.versions)))
	}
}

func (c *VectorCollection) markDegraded(err error) {
	c.degraded.Store(true)
	c.degradedReason.Store(err.Error())
	c.logger.Error("Collection persistence unavailable, running in memory",
		zap.Error(err))
}

// Type returns the collection's knowledge type.
func (c *VectorCollection) Type() types.KnowledgeType { return c.ktype }

// Degraded reports whether the collection runs without persistence.
func (c *VectorCollection) Degraded() bool { return c.degraded.Load() }

// Put stores a new version of key. The canonical text of key and value
// is embedded; on embedding failure the version is stored with a zero
// vector and marked degraded so it stays retrievable by key but never
// matches a semantic query.
func (c *VectorCollection) Put(ctx context.Context, key string, value interface{}, metadata map[string]interface{}) (*types.KnowledgeEntry, error) {
	if strings.TrimSpace(key) == "" {
		return nil, types.NewValidation("knowledge key must not be empty")
	}

	text := canonicalText(key, value)
	vector, err := c.embedder.Embed(ctx, text)
	entryDegraded := false
	if err != nil {
		c.logger.Warn("Embedding failed, storing zero vector",
			zap.String("key", key), zap.Error(err))
		vector = make([]float32, c.embedder.Dimension())
		entryDegraded = true
	} else if IsZeroVector(vector) {
		// Text with no usable tokens embeds to zero. Keep it, it just
		// will not match semantic queries.
		entryDegraded = true
	}

	c.mu.Lock()
	version := int64(len(c.versions[key]) + 1)
	ev := &entryVersion{
		entry: types.KnowledgeEntry{
			Key:       key,
			Type:      c.ktype,
			Value:     value,
			Metadata:  metadata,
			Version:   version,
			Degraded:  entryDegraded,
			CreatedAt: c.clk.Now(),
		},
		vector: vector,
		seq:    c.seq,
	}
	c.seq++
	c.versions[key] = append(c.versions[key], ev)

	if c.disk != nil && !c.degraded.Load() {
		if perr := c.disk.putVersion(key, version, value, metadata, vector, entryDegraded, ev.entry.CreatedAt); perr != nil {
			c.persistFailures.Add(1)
			c.logger.Warn("Failed to persist entry", zap.String("key", key), zap.Error(perr))
		}
	}
	c.mu.Unlock()

	if entryDegraded {
		c.degradedEntries.Add(1)
	}

	cp := ev.entry
	return &cp, nil
}

// Get returns the latest version of key.
func (c *VectorCollection) Get(key string) (*types.KnowledgeEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	vs, ok := c.versions[key]
	if !ok || len(vs) == 0 {
		return nil, types.NewNotFound("knowledge key %q not found in %s", key, c.ktype)
	}
	cp := vs[len(vs)-1].entry
	return &cp, nil
}

// Versions returns every retained version of key, newest first.
func (c *VectorCollection) Versions(key string) []types.KnowledgeEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	vs := c.versions[key]
	out := make([]types.KnowledgeEntry, 0, len(vs))
	for i := len(vs) - 1; i >= 0; i-- {
		out = append(out, vs[i].entry)
	}
	return out
}

// Query returns the latest versions of matching keys. With usable text
// the results are scored by cosine similarity, gated by
// q.MinSimilarity, and ordered descending with recency breaking ties.
// Without text, or when the query embedding degrades to the zero
// vector, every filter match is returned with uniform similarity,
// ordered by recency.
func (c *VectorCollection) Query(ctx context.Context, q Query) ([]types.SearchResult, error) {
	var qvec []float32
	if strings.TrimSpace(q.Text) != "" {
		vec, err := c.embedder.Embed(ctx, q.Text)
		if err != nil {
			c.logger.Warn("Query embedding failed, matching by filter only", zap.Error(err))
		} else if !IsZeroVector(vec) {
			qvec = vec
		}
	}
	bySimilarity := qvec != nil

	c.mu.RLock()
	candidates := make([]struct {
		res types.SearchResult
		seq int64
	}, 0, len(c.versions))

	for _, vs := range c.versions {
		latest := vs[len(vs)-1]
		if !matchesFilter(latest.entry.Metadata, q.Filter) {
			continue
		}
		sim := 0.0
		if bySimilarity {
			if latest.entry.Degraded {
				continue
			}
			sim = Cosine(qvec, latest.vector)
			if sim < q.MinSimilarity || sim <= 0 {
				continue
			}
		}
		candidates = append(candidates, struct {
			res types.SearchResult
			seq int64
		}{
			res: types.SearchResult{Entry: latest.entry, Similarity: sim},
			seq: latest.seq,
		})
	}
	c.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].res.Similarity != candidates[j].res.Similarity {
			return candidates[i].res.Similarity > candidates[j].res.Similarity
		}
		return candidates[i].seq > candidates[j].seq
	})

	if q.Limit > 0 && len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}

	out := make([]types.SearchResult, len(candidates))
	for i, cand := range candidates {
		out[i] = cand.res
	}
	return out, nil
}

// Delete removes every version of key and reports whether it existed.
func (c *VectorCollection) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	vs, ok := c.versions[key]
	if !ok {
		return false
	}
	for _, v := range vs {
		if v.entry.Degraded {
			c.degradedEntries.Add(-1)
		}
	}
	delete(c.versions, key)

	if c.disk != nil && !c.degraded.Load() {
		if err := c.disk.deleteKey(key); err != nil {
			c.persistFailures.Add(1)
			c.logger.Warn("Failed to delete persisted entry", zap.String("key", key), zap.Error(err))
		}
	}
	return true
}

// ListKeys returns keys matching the glob pattern, sorted. Empty
// pattern matches all keys.
func (c *VectorCollection) ListKeys(pattern string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.versions))
	for k := range c.versions {
		if pattern != "" {
			if ok, err := path.Match(pattern, k); err != nil || !ok {
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Count returns the number of live keys.
func (c *VectorCollection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.versions)
}

// Latest returns the newest version of every key, insertion order.
func (c *VectorCollection) Latest() []types.KnowledgeEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.KnowledgeEntry, 0, len(c.versions))
	for _, vs := range c.versions {
		out = append(out, vs[len(vs)-1].entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Clear removes every entry, in memory and on disk.
func (c *VectorCollection) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.versions = make(map[string][]*entryVersion)
	c.degradedEntries.Store(0)

	if c.disk != nil && !c.degraded.Load() {
		if err := c.disk.clear(); err != nil {
			c.persistFailures.Add(1)
			c.logger.Warn("Failed to clear persisted entries", zap.Error(err))
		}
	}
}

// Stats returns a snapshot of the collection's counters.
func (c *VectorCollection) Stats() types.CollectionStats {
	c.mu.RLock()
	keys := len(c.versions)
	versions := 0
	for _, vs := range c.versions {
		versions += len(vs)
	}
	c.mu.RUnlock()

	reason, _ := c.degradedReason.Load().(string)
	return types.CollectionStats{
		Type:            c.ktype,
		Keys:            keys,
		Versions:        versions,
		DegradedEntries: int(c.degradedEntries.Load()),
		Degraded:        c.degraded.Load(),
		DegradedReason:  reason,
		PersistFailures: c.persistFailures.Load(),
	}
}

// Close releases the persistence handle.
func (c *VectorCollection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disk == nil {
		return nil
	}
	err := c.disk.close()
	c.disk = nil
	return err
}

// matchesFilter applies conjunctive equality over metadata.
func matchesFilter(metadata, filter map[string]interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok || !looselyEqual(got, want) {
			return false
		}
	}
	return true
}

// looselyEqual compares metadata values across the JSON round-trip:
// numbers compare by value so int 3 matches float64 3 loaded from disk.
func looselyEqual(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// canonicalText renders a key and value into the text that gets
// embedded. The key is part of the text, so "api_auth" contributes the
// tokens "api" and "auth" once tokenized.
func canonicalText(key string, value interface{}) string {
	var b strings.Builder
	b.WriteString(key)
	b.WriteByte(' ')
	writeValueText(&b, value, 0)
	return b.String()
}

// writeValueText flattens a value into tokens, maps rendered with
// sorted keys for determinism. Depth is capped to keep pathological
// nesting cheap.
func writeValueText(b *strings.Builder, value interface{}, depth int) {
	if depth > 4 || value == nil {
		return
	}
	switch v := value.(type) {
	case string:
		b.WriteString(v)
		b.WriteByte(' ')
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(k)
			b.WriteByte(' ')
			writeValueText(b, v[k], depth+1)
		}
	case []interface{}:
		for _, item := range v {
			writeValueText(b, item, depth+1)
		}
	case []string:
		for _, item := range v {
			b.WriteString(item)
			b.WriteByte(' ')
		}
	default:
		fmt.Fprintf(b, "%v ", v)
	}
}
