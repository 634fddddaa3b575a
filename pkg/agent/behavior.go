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

package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/skeinworks/skein/pkg/types"
)

// Behavior is the application contract a host runs. The host owns
// transport, memory, and bookkeeping; the behavior owns what the agent
// actually does with a request or a review.
type Behavior interface {
	// ProcessRequest handles one typed request and returns the result
	// payload. Errors become negative responses to the requester.
	ProcessRequest(ctx context.Context, requestType string, payload map[string]interface{}, sender string) (map[string]interface{}, error)

	// ReviewContent grades content against the criteria. The returned
	// submission is forwarded to the review coordinator.
	ReviewContent(ctx context.Context, content interface{}, criteria []string, requester string) (types.ReviewSubmission, error)
}

// BehaviorFuncs adapts plain functions to Behavior. Nil fields fall
// back to an empty result and a neutral approving review.
type BehaviorFuncs struct {
	OnRequest func(ctx context.Context, requestType string, payload map[string]interface{}, sender string) (map[string]interface{}, error)
	OnReview  func(ctx context.Context, content interface{}, criteria []string, requester string) (types.ReviewSubmission, error)
}

func (b BehaviorFuncs) ProcessRequest(ctx context.Context, requestType string, payload map[string]interface{}, sender string) (map[string]interface{}, error) {
	if b.OnRequest == nil {
		return map[string]interface{}{}, nil
	}
	return b.OnRequest(ctx, requestType, payload, sender)
}

func (b BehaviorFuncs) ReviewContent(ctx context.Context, content interface{}, criteria []string, requester string) (types.ReviewSubmission, error) {
	if b.OnReview == nil {
		return types.ReviewSubmission{Score: 0.5, Approved: true}, nil
	}
	return b.OnReview(ctx, content, criteria, requester)
}

// EchoBehavior is the reference behavior used by tests and examples.
// Requests come back as-is; reviews approve with score 0.8 unless the
// content mentions "reject".
type EchoBehavior struct{}

func (EchoBehavior) ProcessRequest(ctx context.Context, requestType string, payload map[string]interface{}, sender string) (map[string]interface{}, error) {
	return map[string]interface{}{
		"request_type": requestType,
		"echo":         payload,
		"sender":       sender,
	}, nil
}

func (EchoBehavior) ReviewContent(ctx context.Context, content interface{}, criteria []string, requester string) (types.ReviewSubmission, error) {
	if strings.Contains(strings.ToLower(fmt.Sprint(content)), "reject") {
		return types.ReviewSubmission{
			Score:       0.2,
			Approved:    false,
			Suggestions: []string{"rework the rejected sections"},
		}, nil
	}
	return types.ReviewSubmission{Score: 0.8, Approved: true}, nil
}
