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

// Package clock centralizes time and identifier generation so that
// components never call time.Now or mint IDs directly. Tests inject a
// manual clock to make deadlines and timestamps deterministic.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock supplies timestamps and unique identifiers.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewID returns a process-unique identifier. A non-empty prefix is
	// prepended with a dash, e.g. "msg-4f1c...".
	NewID(prefix string) string
}

// systemClock is the production clock backed by the wall clock and
// random UUIDs.
type systemClock struct{}

// System returns the production clock.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Manual is a test clock with controllable time and sequential IDs.
// Time never moves unless Set or Advance is called.
type Manual struct {
	mu  sync.Mutex
	now time.Time
	seq uint64
}

// NewManual creates a manual clock frozen at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the frozen time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t. Moving backward is rejected silently to
// keep Now monotonic; use a fresh clock instead.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.now) {
		m.now = t
	}
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	return m.now
}

// NewID returns deterministic sequential IDs: "<prefix>-000001", ...
func (m *Manual) NewID(prefix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if prefix == "" {
		return fmt.Sprintf("%06d", m.seq)
	}
	return fmt.Sprintf("%s-%06d", prefix, m.seq)
}
