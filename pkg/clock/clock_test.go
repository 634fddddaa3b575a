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

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemClock_NewID(t *testing.T) {
	c := System()

	id1 := c.NewID("msg")
	id2 := c.NewID("msg")

	assert.NotEqual(t, id1, id2)
	assert.Regexp(t, `^msg-[0-9a-f-]{36}$`, id1)

	bare := c.NewID("")
	assert.Len(t, bare, 36)
}

func TestSystemClock_NowAdvances(t *testing.T) {
	c := System()
	t1 := c.Now()
	t2 := c.Now()
	assert.False(t, t2.Before(t1))
}

func TestManual_FrozenUntilAdvanced(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewManual(start)

	require.Equal(t, start, c.Now())
	require.Equal(t, start, c.Now())

	got := c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), got)
	assert.Equal(t, got, c.Now())
}

func TestManual_SetNeverGoesBackward(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewManual(start)

	c.Set(start.Add(-time.Hour))
	assert.Equal(t, start, c.Now())

	later := start.Add(time.Hour)
	c.Set(later)
	assert.Equal(t, later, c.Now())
}

func TestManual_SequentialIDs(t *testing.T) {
	c := NewManual(time.Unix(0, 0))

	assert.Equal(t, "wf-000001", c.NewID("wf"))
	assert.Equal(t, "wf-000002", c.NewID("wf"))
	assert.Equal(t, "000003", c.NewID(""))
}
