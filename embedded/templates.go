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

// Package embedded provides access to files compiled into the skein
// binary. The built-in workflow templates stay available even when the
// binary runs without a template directory on disk.
package embedded

import (
	_ "embed"
)

// PipelineYAML is the built-in plan/execute/summarize pipeline
// template.
//
//go:embed templates/pipeline.yaml
var PipelineYAML []byte

// PeerReviewYAML is the built-in single-step template that ends with a
// peer review of the workflow output.
//
//go:embed templates/peer_review.yaml
var PeerReviewYAML []byte

// Templates returns every built-in workflow template document, keyed
// by file name. The template library registers these when no template
// directory exists.
func Templates() map[string][]byte {
	return map[string][]byte{
		"pipeline.yaml":    PipelineYAML,
		"peer_review.yaml": PeerReviewYAML,
	}
}
