// Copyright 2026 The evpoll Authors.
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

package eventpoll

import (
	"sync"

	"evpoll.dev/evpoll/pkg/waiter"
)

// teardownMu serializes the two teardown paths that can race to free the
// same watch: an instance's own Close, and the Release of a target the
// instance still watches. It is always acquired before any instance's sleep
// lock, so two instances' teardowns cannot deadlock against each other.
var teardownMu sync.Mutex

// TargetState is the eviction side-channel a watchable target embeds. It
// holds non-owning back-references to every watch registered on the target,
// so the target's teardown can find and evict the watches from all
// instances.
//
// The zero value is ready for use.
type TargetState struct {
	mu      sync.Mutex
	watches map[*watchItem]struct{}
}

// StatefulTarget is implemented by pollable targets that support eviction
// on close. Embedding TargetState provides the State method.
type StatefulTarget interface {
	waiter.Pollable

	// State returns the target's watch back-reference set.
	State() *TargetState
}

// State returns ts, so that embedding TargetState implements
// StatefulTarget.
func (ts *TargetState) State() *TargetState { return ts }

func (ts *TargetState) add(it *watchItem) {
	ts.mu.Lock()
	if ts.watches == nil {
		ts.watches = make(map[*watchItem]struct{})
	}
	ts.watches[it] = struct{}{}
	ts.mu.Unlock()
}

func (ts *TargetState) remove(it *watchItem) {
	ts.mu.Lock()
	delete(ts.watches, it)
	ts.mu.Unlock()
}

func (ts *TargetState) pick() *watchItem {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for it := range ts.watches {
		return it
	}
	return nil
}

// Release evicts every watch on the target from every instance watching it.
// Targets call it on teardown; afterwards the target's wait queues must not
// issue further notifications. Eviction never propagates an error to the
// instances' callers: the watches silently disappear.
func (ts *TargetState) Release() {
	teardownMu.Lock()
	defer teardownMu.Unlock()

	for {
		it := ts.pick()
		if it == nil {
			return
		}
		ep := it.ep
		ep.mu.Lock()
		// The watch may have been removed since pick; the registry is
		// the source of truth, and removal always clears the
		// back-reference, so a stale pick is not revisited.
		if cur, ok := ep.interest.find(it.id); ok && cur == it {
			ep.removeItemLocked(it)
		}
		ep.mu.Unlock()
	}
}
