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

package communication

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skeinworks/skein/pkg/clock"
	"github.com/skeinworks/skein/pkg/types"
)

func newTestContext(t *testing.T) *SharedContext {
	t.Helper()
	sc := NewSharedContext("wf-1", clock.System(), zaptest.NewLogger(t))
	t.Cleanup(sc.Seal)
	return sc
}

func TestSharedContextStoreAndGet(t *testing.T) {
	sc := newTestContext(t)

	entry, err := sc.Store("design", map[string]interface{}{"layers": 3}, map[string]interface{}{
		"agent_id":     "architect",
		"context_type": "decision",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Version)
	assert.Equal(t, "architect", entry.UpdatedBy)
	assert.False(t, entry.CreatedAt.IsZero())

	got, err := sc.Get("design")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"layers": 3}, got.Value)

	_, err = sc.Get("missing")
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestSharedContextVersionsIncrement(t *testing.T) {
	sc := newTestContext(t)

	first, err := sc.Store("k", "v1", map[string]interface{}{"agent_id": "a1"})
	require.NoError(t, err)
	second, err := sc.Store("k", "v2", map[string]interface{}{"agent_id": "a2"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, int64(2), second.Version)
	assert.Equal(t, "a2", second.UpdatedBy)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	got, err := sc.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Value)
	assert.Equal(t, 1, sc.Stats().Keys)
}

func TestSharedContextEmptyKeyRejected(t *testing.T) {
	sc := newTestContext(t)

	_, err := sc.Store("", "v", nil)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
}

func TestSharedContextKeysAndGetAll(t *testing.T) {
	sc := newTestContext(t)
	_, err := sc.Store("task:1", "a", nil)
	require.NoError(t, err)
	_, err = sc.Store("task:2", "b", nil)
	require.NoError(t, err)
	_, err = sc.Store("note", "c", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"note", "task:1", "task:2"}, sc.Keys(""))
	assert.Equal(t, []string{"task:1", "task:2"}, sc.Keys("task:*"))

	all := sc.GetAll()
	assert.Len(t, all, 3)
	assert.Equal(t, "c", all["note"].Value)
}

func TestSharedContextDelete(t *testing.T) {
	sc := newTestContext(t)
	_, err := sc.Store("k", "v", nil)
	require.NoError(t, err)

	ok, err := sc.Delete("k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sc.Delete("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSharedContextSearch(t *testing.T) {
	sc := newTestContext(t)
	_, err := sc.Store("d1", "x", map[string]interface{}{"context_type": "discovery", "agent_id": "a1"})
	require.NoError(t, err)
	_, err = sc.Store("d2", "y", map[string]interface{}{"context_type": "discovery", "agent_id": "a2"})
	require.NoError(t, err)
	_, err = sc.Store("r1", "z", map[string]interface{}{"context_type": "result", "agent_id": "a1"})
	require.NoError(t, err)

	discoveries := sc.Search(SubscriptionFilter{ContextType: "discovery"})
	require.Len(t, discoveries, 2)
	assert.Equal(t, "d1", discoveries[0].Key)

	byAgent := sc.Search(SubscriptionFilter{Metadata: map[string]interface{}{"agent_id": "a1"}})
	assert.Len(t, byAgent, 2)

	both := sc.Search(SubscriptionFilter{
		ContextType: "discovery",
		Metadata:    map[string]interface{}{"agent_id": "a2"},
	})
	require.Len(t, both, 1)
	assert.Equal(t, "d2", both[0].Key)
}

func TestSharedContextSubscribeReceivesInStoreOrder(t *testing.T) {
	sc := newTestContext(t)

	var mu sync.Mutex
	var seen []string
	_, err := sc.Subscribe(SubscriptionFilter{ContextType: "discovery"}, func(entry types.ContextEntry) {
		mu.Lock()
		seen = append(seen, entry.Key)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)

	var want []string
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("d-%02d", i)
		_, err := sc.Store(key, i, map[string]interface{}{"context_type": "discovery"})
		require.NoError(t, err)
		want = append(want, key)

		// Interleave events the filter must skip.
		_, err = sc.Store(fmt.Sprintf("other-%02d", i), i, map[string]interface{}{"context_type": "result"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 20
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}

func TestSharedContextSynchronousSubscription(t *testing.T) {
	sc := newTestContext(t)

	var got *types.ContextEntry
	_, err := sc.Subscribe(SubscriptionFilter{}, func(entry types.ContextEntry) {
		got = &entry
	}, &SubscribeOptions{Synchronous: true})
	require.NoError(t, err)

	_, err = sc.Store("k", "v", nil)
	require.NoError(t, err)

	// Synchronous delivery completes before Store returns.
	require.NotNil(t, got)
	assert.Equal(t, "k", got.Key)
}

func TestSharedContextUnsubscribe(t *testing.T) {
	sc := newTestContext(t)

	var mu sync.Mutex
	count := 0
	id, err := sc.Subscribe(SubscriptionFilter{}, func(types.ContextEntry) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)
	require.NoError(t, err)

	_, err = sc.Store("k1", "v", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, waitFor, tick)

	require.NoError(t, sc.Unsubscribe(id))
	assert.Equal(t, types.ErrNotFound, types.KindOf(sc.Unsubscribe(id)))

	_, err = sc.Store("k2", "v", nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestSharedContextSubscriberOverflowDrops(t *testing.T) {
	sc := newTestContext(t)

	started := make(chan struct{})
	gate := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	first := true
	_, err := sc.Subscribe(SubscriptionFilter{}, func(entry types.ContextEntry) {
		if first {
			first = false
			close(started)
			<-gate
		}
		mu.Lock()
		seen = append(seen, entry.Key)
		mu.Unlock()
	}, &SubscribeOptions{QueueSize: 1})
	require.NoError(t, err)

	_, err = sc.Store("e1", 1, nil)
	require.NoError(t, err)
	<-started // consumer is wedged inside the handler, queue empty

	_, err = sc.Store("e2", 2, nil) // queued
	require.NoError(t, err)
	_, err = sc.Store("e3", 3, nil) // dropped: queue full
	require.NoError(t, err)

	assert.Equal(t, int64(1), sc.Stats().Dropped)
	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"e1", "e2"}, seen)
}

func TestSharedContextExecutionHistory(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sc := NewSharedContext("wf-2", clk, nil)

	require.NoError(t, sc.RecordStep(types.ExecutionStep{AgentID: "a1", Action: "analyze", Outcome: "completed"}))
	clk.Advance(time.Second)
	require.NoError(t, sc.RecordStep(types.ExecutionStep{AgentID: "a2", Action: "summarize", Outcome: "failed"}))

	history := sc.ExecutionHistory()
	require.Len(t, history, 2)
	assert.Equal(t, "analyze", history[0].Action)
	assert.Equal(t, "summarize", history[1].Action)
	assert.NotEmpty(t, history[0].StepID)
	assert.False(t, history[0].StartedAt.IsZero())
	assert.Equal(t, 2, sc.Stats().Steps)
}

func TestSharedContextSeal(t *testing.T) {
	sc := NewSharedContext("wf-3", clock.System(), nil)
	_, err := sc.Store("k", "v", nil)
	require.NoError(t, err)

	sc.Seal()
	sc.Seal() // idempotent
	assert.True(t, sc.Sealed())

	_, err = sc.Store("k2", "v", nil)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))

	_, err = sc.Delete("k")
	assert.Equal(t, types.ErrValidation, types.KindOf(err))

	err = sc.RecordStep(types.ExecutionStep{Action: "late"})
	assert.Equal(t, types.ErrValidation, types.KindOf(err))

	_, err = sc.Subscribe(SubscriptionFilter{}, func(types.ContextEntry) {}, nil)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))

	// Reads still work on a sealed context.
	got, err := sc.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Value)
	assert.True(t, sc.Stats().Sealed)
}
