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
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	_ "github.com/skeinworks/skein/internal/sqlitedriver" // registers "sqlite3" driver
	"github.com/skeinworks/skein/pkg/types"
)

// formatVersion is bumped when the on-disk layout changes.
const formatVersion = 1

// compressThreshold is the payload size in bytes above which values
// are stored zstd-compressed.
const compressThreshold = 1024

// headerFile sits beside the database and identifies the embedding
// model. A collection never loads vectors produced by a different
// model or dimension.
const headerFile = "header.json"

// collectionHeader is the persisted collection identity.
type collectionHeader struct {
	FormatVersion int    `json:"format_version"`
	Embedder      string `json:"embedder"`
	Dimension     int    `json:"dimension"`
}

// diskStore persists one collection's versions in a SQLite database.
// All methods are called under the collection's write lock, so the
// store itself needs no locking beyond database/sql's own.
type diskStore struct {
	db      *sql.DB
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// persistedPayload is the JSON stored per version.
type persistedPayload struct {
	Value    interface{}            `json:"value"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// openDiskStore opens (creating if needed) the collection directory,
// verifies the header against the embedder, and prepares the schema.
func openDiskStore(dir string, embedderName string, dimension int) (*diskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create collection directory: %w", err)
	}

	if err := checkHeader(dir, embedderName, dimension); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, "collection.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open collection database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		version INTEGER NOT NULL,
		payload BLOB NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0,
		degraded INTEGER NOT NULL DEFAULT 0,
		vector BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(key, version)
	);
	CREATE INDEX IF NOT EXISTS idx_entries_key ON entries(key);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &diskStore{db: db, dir: dir, encoder: encoder, decoder: decoder}, nil
}

// checkHeader validates or creates the header file. A mismatched
// embedder or dimension is an error: re-embedding existing data is not
// supported, the caller falls back to degraded in-memory operation.
func checkHeader(dir, embedderName string, dimension int) error {
	path := filepath.Join(dir, headerFile)

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		h := collectionHeader{FormatVersion: formatVersion, Embedder: embedderName, Dimension: dimension}
		data, merr := json.MarshalIndent(h, "", "  ")
		if merr != nil {
			return fmt.Errorf("failed to encode header: %w", merr)
		}
		if werr := os.WriteFile(path, data, 0o644); werr != nil {
			return fmt.Errorf("failed to write header: %w", werr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}

	var h collectionHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return fmt.Errorf("corrupt collection header: %w", err)
	}
	if h.FormatVersion != formatVersion {
		return fmt.Errorf("unsupported collection format version %d", h.FormatVersion)
	}
	if h.Embedder != embedderName || h.Dimension != dimension {
		return fmt.Errorf("collection was written by embedder %s/%d, runtime uses %s/%d",
			h.Embedder, h.Dimension, embedderName, dimension)
	}
	return nil
}

// putVersion appends one version row.
func (s *diskStore) putVersion(key string, version int64, value interface{}, metadata map[string]interface{}, vector []float32, degraded bool, createdAt time.Time) error {
	raw, err := json.Marshal(persistedPayload{Value: value, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	compressed := 0
	if len(raw) >= compressThreshold {
		raw = s.encoder.EncodeAll(raw, nil)
		compressed = 1
	}

	degradedFlag := 0
	if degraded {
		degradedFlag = 1
	}

	_, err = s.db.Exec(
		`INSERT INTO entries (key, version, payload, compressed, degraded, vector, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, version, raw, compressed, degradedFlag, encodeVector(vector), createdAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

// deleteKey removes every version of a key.
func (s *diskStore) deleteKey(key string) error {
	if _, err := s.db.Exec(`DELETE FROM entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete entries: %w", err)
	}
	return nil
}

// clear removes every row.
func (s *diskStore) clear() error {
	if _, err := s.db.Exec(`DELETE FROM entries`); err != nil {
		return fmt.Errorf("failed to clear entries: %w", err)
	}
	return nil
}

// loadedVersion is one row read back at open time.
type loadedVersion struct {
	key       string
	version   int64
	value     interface{}
	metadata  map[string]interface{}
	vector    []float32
	degraded  bool
	createdAt time.Time
}

// loadAll reads every version ordered by insertion, oldest first, so
// the in-memory recency sequence matches the original write order.
func (s *diskStore) loadAll() ([]loadedVersion, error) {
	rows, err := s.db.Query(`SELECT key, version, payload, compressed, degraded, vector, created_at FROM entries ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []loadedVersion
	for rows.Next() {
		var (
			lv         loadedVersion
			payload    []byte
			vector     []byte
			compressed int
			degraded   int
			createdAt  int64
		)
		if err := rows.Scan(&lv.key, &lv.version, &payload, &compressed, &degraded, &vector, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}

		if compressed == 1 {
			payload, err = s.decoder.DecodeAll(payload, nil)
			if err != nil {
				return nil, fmt.Errorf("failed to decompress payload for %q: %w", lv.key, err)
			}
		}

		var p persistedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("corrupt payload for %q: %w", lv.key, err)
		}
		lv.value = p.Value
		lv.metadata = p.Metadata
		lv.vector = decodeVector(vector)
		lv.degraded = degraded == 1
		lv.createdAt = time.Unix(0, createdAt)
		out = append(out, lv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}
	return out, nil
}

// close releases the database and codecs.
func (s *diskStore) close() error {
	s.encoder.Close()
	s.decoder.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close collection database: %w", err)
	}
	return nil
}

// encodeVector packs float32s little-endian.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a little-endian float32 blob. Truncated blobs
// yield the readable prefix.
func decodeVector(buf []byte) []float32 {
	n := len(buf) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// dirForType returns the on-disk directory for a knowledge type.
func dirForType(persistDir string, t types.KnowledgeType) string {
	return filepath.Join(persistDir, string(t))
}
