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

// Package memory implements an agent's private working memory: a
// key/value store plus an append-only findings log. A LocalMemory is
// owned by exactly one agent host and is never shared across agents.
package memory

import (
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skeinworks/skein/pkg/clock"
	"github.com/skeinworks/skein/pkg/types"
)

// LocalMemory is a single agent's private store. All methods are safe
// for concurrent use by the owning host's goroutines.
type LocalMemory struct {
	owner  string
	clk    clock.Clock
	logger *zap.Logger

	mu       sync.RWMutex
	entries  map[string]*types.MemoryEntry
	findings []types.Finding

	stores     atomic.Int64
	retrievals atomic.Int64
	deletes    atomic.Int64
}

// NewLocalMemory creates the private memory for the named agent.
func NewLocalMemory(owner string, clk clock.Clock, logger *zap.Logger) *LocalMemory {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalMemory{
		owner:   owner,
		clk:     clk,
		logger:  logger.With(zap.String("agent_id", owner)),
		entries: make(map[string]*types.MemoryEntry),
	}
}

// Owner returns the owning agent's ID.
func (m *LocalMemory) Owner() string { return m.owner }

// Store writes a key. Re-storing an existing key overwrites it.
func (m *LocalMemory) Store(key string, value interface{}, metadata map[string]interface{}) error {
	if key == "" {
		return types.NewValidation("memory key must not be empty")
	}

	m.mu.Lock()
	m.entries[key] = &types.MemoryEntry{
		Key:      key,
		Value:    value,
		Metadata: metadata,
		StoredAt: m.clk.Now(),
	}
	m.mu.Unlock()

	m.stores.Add(1)
	return nil
}

// Retrieve reads a key.
func (m *LocalMemory) Retrieve(key string) (*types.MemoryEntry, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	m.retrievals.Add(1)
	if !ok {
		return nil, types.NewNotFound("memory key %q not found", key)
	}

	cp := *entry
	return &cp, nil
}

// Delete removes a key and reports whether it existed.
func (m *LocalMemory) Delete(key string) bool {
	m.mu.Lock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	m.mu.Unlock()

	if ok {
		m.deletes.Add(1)
	}
	return ok
}

// List returns keys matching the glob pattern, sorted. An empty
// pattern matches everything.
func (m *LocalMemory) List(pattern string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
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

// Clear removes every entry and every finding.
func (m *LocalMemory) Clear() {
	m.mu.Lock()
	entries := len(m.entries)
	findings := len(m.findings)
	m.entries = make(map[string]*types.MemoryEntry)
	m.findings = nil
	m.mu.Unlock()

	m.logger.Debug("Local memory cleared",
		zap.Int("entries", entries),
		zap.Int("findings", findings))
}

// ClearFindings wipes the findings log, leaving entries alone.
func (m *LocalMemory) ClearFindings() {
	m.mu.Lock()
	n := len(m.findings)
	m.findings = nil
	m.mu.Unlock()

	m.logger.Debug("Findings cleared", zap.Int("findings", n))
}

// RecordFinding appends a finding. The ID, owner and timestamp are
// filled in when absent. Confidence is clamped to [0, 1].
func (m *LocalMemory) RecordFinding(findingType string, content map[string]interface{}, confidence float64) types.Finding {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	f := types.Finding{
		ID:          m.clk.NewID("finding"),
		AgentID:     m.owner,
		FindingType: findingType,
		Content:     content,
		Confidence:  confidence,
		RecordedAt:  m.clk.Now(),
	}

	m.mu.Lock()
	m.findings = append(m.findings, f)
	m.mu.Unlock()

	m.logger.Debug("Finding recorded",
		zap.String("finding_type", findingType),
		zap.Float64("confidence", confidence))
	return f
}

// Findings returns recorded findings newest-first, optionally filtered
// by type. limit <= 0 means no limit.
func (m *LocalMemory) Findings(findingType string, limit int) []types.Finding {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Finding, 0, len(m.findings))
	for i := len(m.findings) - 1; i >= 0; i-- {
		f := m.findings[i]
		if findingType != "" && f.FindingType != findingType {
			continue
		}
		out = append(out, f)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// FindingsSince returns findings recorded at or after the cutoff,
// newest-first.
func (m *LocalMemory) FindingsSince(cutoff time.Time) []types.Finding {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.Finding
	for i := len(m.findings) - 1; i >= 0; i-- {
		f := m.findings[i]
		if f.RecordedAt.Before(cutoff) {
			break
		}
		out = append(out, f)
	}
	return out
}

// Stats returns a snapshot of the memory's counters.
func (m *LocalMemory) Stats() types.MemoryStats {
	m.mu.RLock()
	entries := len(m.entries)
	findings := len(m.findings)
	m.mu.RUnlock()

	return types.MemoryStats{
		Entries:    entries,
		Findings:   findings,
		Stores:     m.stores.Load(),
		Retrievals: m.retrievals.Load(),
		Deletes:    m.deletes.Load(),
	}
}
