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
)

// interestMutex is the instance sleep lock. It is ordered above readyMutex
// and below teardownMu.
type interestMutex struct {
	mu sync.Mutex
}

// Lock locks m.
func (m *interestMutex) Lock() {
	m.mu.Lock()
}

// TryLock tries to lock m without blocking and reports whether it
// succeeded. The readiness passthrough uses it: with instance cycles,
// waiting on another instance's sleep lock can deadlock.
func (m *interestMutex) TryLock() bool {
	return m.mu.TryLock()
}

// Unlock unlocks m.
func (m *interestMutex) Unlock() {
	m.mu.Unlock()
}

// readyMutex is the fast lock. It is the innermost engine lock, and the
// only one the notification callback acquires; no blocking operation is
// permitted while it is held.
type readyMutex struct {
	mu sync.Mutex
}

// Lock locks m.
func (m *readyMutex) Lock() {
	m.mu.Lock()
}

// Unlock unlocks m.
func (m *readyMutex) Unlock() {
	m.mu.Unlock()
}
