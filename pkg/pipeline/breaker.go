// Copyright 2025 Kadir Pekel
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

package pipeline

import (
	"sync"
	"time"
)

// breaker tracks consecutive failures per node type across runs. When
// the threshold is reached it opens for the reset window; attempts made
// while open fail immediately without invoking the node.
// Thresholds come from the attempting node's policy; state is shared per
// key so failures accumulate across runs.
type breaker struct {
	mu        sync.Mutex
	failures  map[string]int
	openUntil map[string]time.Time
}

func newBreaker() *breaker {
	return &breaker{
		failures:  make(map[string]int),
		openUntil: make(map[string]time.Time),
	}
}

// allow reports whether an attempt for the key may proceed.
func (b *breaker) allow(key string, threshold int) bool {
	if threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	until, open := b.openUntil[key]
	if !open {
		return true
	}
	if time.Now().Before(until) {
		return false
	}
	// Window elapsed: half-open, one attempt through.
	delete(b.openUntil, key)
	b.failures[key] = 0
	return true
}

func (b *breaker) success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[key] = 0
}

func (b *breaker) failure(key string, threshold int, resetAfter time.Duration) {
	if threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures[key]++
	if b.failures[key] >= threshold {
		b.openUntil[key] = time.Now().Add(resetAfter)
	}
}
