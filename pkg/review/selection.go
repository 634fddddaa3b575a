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

package review

import (
	"sort"

	"github.com/skeinworks/skein/pkg/types"
)

const (
	// generalBonus rewards candidates advertising the "general"
	// capability, which marks agents able to review anything.
	generalBonus = 0.1

	// specializedBonus is added once per specialized capability the
	// candidate holds.
	specializedBonus = 0.05

	// floorScore is assigned to candidates with no advertised
	// capabilities so they stay eligible when nobody better exists.
	floorScore = 0.1
)

// specializedCapabilities earn a flat bonus regardless of the criteria
// under review.
var specializedCapabilities = []string{"security", "quality", "performance", "review"}

// scoredCandidate pairs an agent with its selection score.
type scoredCandidate struct {
	id    string
	score float64
}

// scoreCandidate rates how well an agent fits the review criteria:
// the matched fraction of criteria, plus bonuses for the general and
// specialized capabilities. Capability matching ignores case.
func scoreCandidate(info types.AgentInfo, criteria []string) float64 {
	if len(info.Capabilities) == 0 {
		return floorScore
	}

	matched := 0
	for _, criterion := range criteria {
		if info.HasCapability(criterion) {
			matched++
		}
	}

	score := 0.0
	if len(criteria) > 0 {
		score = float64(matched) / float64(len(criteria))
	}
	if info.HasCapability("general") {
		score += generalBonus
	}
	for _, capability := range specializedCapabilities {
		if info.HasCapability(capability) {
			score += specializedBonus
		}
	}
	return score
}

// selectReviewers picks up to n reviewer IDs from the candidates,
// ranked by score descending with agent ID breaking ties. The
// requester must already be excluded from candidates.
func selectReviewers(candidates []types.AgentInfo, criteria []string, n int) []string {
	scored := make([]scoredCandidate, 0, len(candidates))
	for _, info := range candidates {
		scored = append(scored, scoredCandidate{
			id:    info.ID,
			score: scoreCandidate(info, criteria),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].id < scored[j].id
	})

	if len(scored) > n {
		scored = scored[:n]
	}
	out := make([]string, len(scored))
	for i, c := range scored {
		out[i] = c.id
	}
	return out
}
