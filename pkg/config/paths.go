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
	"strings"
)

// DataDir returns the Skein data directory.
//
// Priority:
//  1. SKEIN_DATA_DIR environment variable (if set and non-empty)
//  2. ~/.skein
//
// The returned path is always absolute. A leading ~ in SKEIN_DATA_DIR
// expands to the user's home directory; relative paths become absolute.
//
// This reads os.Getenv directly, not viper, because it runs during
// bootstrap to locate the config file itself.
func DataDir() string {
	if dir := os.Getenv("SKEIN_DATA_DIR"); dir != "" {
		return expandPath(dir)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		// No resolvable home; fall back to a relative directory.
		return ".skein"
	}
	return filepath.Join(home, ".skein")
}

// SubDir returns a subdirectory of the data directory.
// Example: SubDir("knowledge") -> ~/.skein/knowledge.
func SubDir(name string) string {
	return filepath.Join(DataDir(), name)
}

// expandPath expands a leading ~ and resolves to an absolute path.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
