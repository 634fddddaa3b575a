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

//go:build integration

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const defaultServerURL = "http://localhost:8420"

// serverURL returns the HTTP server base URL from the environment or
// the default.
func serverURL() string {
	if url := os.Getenv("SKEIN_E2E_SERVER_URL"); url != "" {
		return url
	}
	return defaultServerURL
}

// httpClient is shared by every test; streaming tests build their own.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// uniqueTestID returns a unique identifier with the given prefix for
// test isolation on a shared server.
func uniqueTestID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// getJSON issues a GET and decodes the response body into out when out
// is non-nil. Returns the status code.
func getJSON(t *testing.T, path string, out interface{}) int {
	t.Helper()
	return doJSON(t, http.MethodGet, path, nil, out)
}

// postJSON issues a POST with a JSON body and decodes the response
// into out when out is non-nil. Returns the status code.
func postJSON(t *testing.T, path string, body, out interface{}) int {
	t.Helper()
	return doJSON(t, http.MethodPost, path, body, out)
}

func doJSON(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, serverURL()+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	require.NoError(t, err, "request %s %s failed; is the server running at %s?", method, path, serverURL())
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, out), "decoding %s %s response: %s", method, path, raw)
	}
	return resp.StatusCode
}

// waitForHealthy polls the health endpoint until the server answers or
// the timeout is reached. Fails the test if the server never comes up.
func waitForHealthy(t *testing.T) {
	t.Helper()

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := httpClient.Get(serverURL() + "/v1/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}

	t.Fatalf("server at %s did not become healthy within 30s", serverURL())
}
