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

package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skeinworks/skein/pkg/clock"
	"github.com/skeinworks/skein/pkg/types"
)

func newTestMemory(t *testing.T) *LocalMemory {
	t.Helper()
	return NewLocalMemory("agent-1", clock.System(), zaptest.NewLogger(t))
}

func TestLocalMemory_StoreAndRetrieve(t *testing.T) {
	mem := newTestMemory(t)

	err := mem.Store("plan", map[string]interface{}{"steps": 3}, map[string]interface{}{"source": "planner"})
	require.NoError(t, err)

	entry, err := mem.Retrieve("plan")
	require.NoError(t, err)
	assert.Equal(t, "plan", entry.Key)
	assert.Equal(t, map[string]interface{}{"steps": 3}, entry.Value)
	assert.Equal(t, "planner", entry.Metadata["source"])
	assert.False(t, entry.StoredAt.IsZero())
}

func TestLocalMemory_StoreOverwrites(t *testing.T) {
	mem := newTestMemory(t)

	require.NoError(t, mem.Store("k", "v1", nil))
	require.NoError(t, mem.Store("k", "v2", nil))

	entry, err := mem.Retrieve("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", entry.Value)
	assert.Equal(t, 1, mem.Stats().Entries)
}

func TestLocalMemory_EmptyKeyRejected(t *testing.T) {
	mem := newTestMemory(t)

	err := mem.Store("", "v", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
}

func TestLocalMemory_RetrieveMissing(t *testing.T) {
	mem := newTestMemory(t)

	_, err := mem.Retrieve("nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestLocalMemory_Delete(t *testing.T) {
	mem := newTestMemory(t)
	require.NoError(t, mem.Store("k", "v", nil))

	assert.True(t, mem.Delete("k"))
	assert.False(t, mem.Delete("k"))

	_, err := mem.Retrieve("k")
	assert.Error(t, err)
}

func TestLocalMemory_ListWithPattern(t *testing.T) {
	mem := newTestMemory(t)
	require.NoError(t, mem.Store("discovery:a1:api", "x", nil))
	require.NoError(t, mem.Store("discovery:a2:db", "y", nil))
	require.NoError(t, mem.Store("task:current", "z", nil))

	all := mem.List("")
	assert.Len(t, all, 3)

	discoveries := mem.List("discovery:*")
	assert.Equal(t, []string{"discovery:a1:api", "discovery:a2:db"}, discoveries)
}

func TestLocalMemory_ClearWipesEntriesAndFindings(t *testing.T) {
	mem := newTestMemory(t)
	require.NoError(t, mem.Store("k", "v", nil))
	mem.RecordFinding("insight", map[string]interface{}{"note": "cache helps"}, 0.9)

	mem.Clear()

	stats := mem.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, 0, stats.Findings)
}

func TestLocalMemory_ClearFindingsKeepsEntries(t *testing.T) {
	mem := newTestMemory(t)
	require.NoError(t, mem.Store("k", "v", nil))
	mem.RecordFinding("insight", nil, 0.5)
	mem.RecordFinding("blocker", nil, 0.5)

	mem.ClearFindings()

	stats := mem.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 0, stats.Findings)
}

func TestLocalMemory_FindingsNewestFirst(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	mem := NewLocalMemory("agent-1", clk, nil)

	mem.RecordFinding("insight", map[string]interface{}{"n": 1}, 0.5)
	clk.Advance(time.Minute)
	mem.RecordFinding("blocker", map[string]interface{}{"n": 2}, 0.8)
	clk.Advance(time.Minute)
	mem.RecordFinding("insight", map[string]interface{}{"n": 3}, 0.7)

	all := mem.Findings("", 0)
	require.Len(t, all, 3)
	assert.Equal(t, 3, all[0].Content["n"])
	assert.Equal(t, 1, all[2].Content["n"])

	insights := mem.Findings("insight", 1)
	require.Len(t, insights, 1)
	assert.Equal(t, 3, insights[0].Content["n"])
}

func TestLocalMemory_FindingConfidenceClamped(t *testing.T) {
	mem := newTestMemory(t)

	f := mem.RecordFinding("insight", nil, 1.7)
	assert.Equal(t, 1.0, f.Confidence)

	f = mem.RecordFinding("insight", nil, -0.2)
	assert.Equal(t, 0.0, f.Confidence)
}
