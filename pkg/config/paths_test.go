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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SKEIN_DATA_DIR", dir)
	assert.Equal(t, dir, DataDir())
}

func TestDataDirDefaultsToHome(t *testing.T) {
	t.Setenv("SKEIN_DATA_DIR", "")
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".skein"), DataDir())
}

func TestDataDirExpandsTilde(t *testing.T) {
	t.Setenv("SKEIN_DATA_DIR", "~/skein-data")
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "skein-data"), DataDir())
}

func TestDataDirResolvesRelative(t *testing.T) {
	t.Setenv("SKEIN_DATA_DIR", "rel/data")
	assert.True(t, filepath.IsAbs(DataDir()))
	assert.Equal(t, "data", filepath.Base(DataDir()))
}

func TestSubDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SKEIN_DATA_DIR", dir)
	assert.Equal(t, filepath.Join(dir, "knowledge"), SubDir("knowledge"))
}
