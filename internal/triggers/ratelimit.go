// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package triggers

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/watchflow/internal/model"
)

// Default trigger rate limit: 100 firings per 60 second window.
const (
	DefaultRateRequests = 100
	DefaultRateWindow   = 60 * time.Second
)

// RateLimiter enforces per-workflow trigger rate limits with token buckets.
// Each workflow gets its own bucket; the bucket is rebuilt when the
// workflow's configured limit changes.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*workflowBucket
}

type workflowBucket struct {
	limiter  *rate.Limiter
	requests int
	window   time.Duration
}

// NewRateLimiter creates an empty rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*workflowBucket)}
}

// Allow reports whether a trigger firing for the workflow fits within its
// rate limit and consumes one token if so. A nil limit uses the defaults.
func (r *RateLimiter) Allow(workflowID string, limit *model.RateLimit) bool {
	requests := DefaultRateRequests
	window := DefaultRateWindow
	if limit != nil {
		if limit.Requests > 0 {
			requests = limit.Requests
		}
		if limit.Window > 0 {
			window = limit.Window
		}
	}

	r.mu.Lock()
	b, ok := r.buckets[workflowID]
	if !ok || b.requests != requests || b.window != window {
		b = &workflowBucket{
			limiter:  rate.NewLimiter(rate.Limit(float64(requests)/window.Seconds()), requests),
			requests: requests,
			window:   window,
		}
		r.buckets[workflowID] = b
	}
	r.mu.Unlock()

	return b.limiter.Allow()
}

// Forget drops the bucket for a workflow, typically on workflow deletion.
func (r *RateLimiter) Forget(workflowID string) {
	r.mu.Lock()
	delete(r.buckets, workflowID)
	r.mu.Unlock()
}
