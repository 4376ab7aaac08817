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

	"github.com/petermattis/goid"
)

// maxNests bounds how deeply wakeups may recurse when instances watch
// instances.
const maxNests = 4

// nestedCalls bounds and deduplicates re-entrant calls into a wakeup path,
// keyed by (calling goroutine, cookie). The in-flight list stays small: its
// length is at most maxNests times the number of goroutines concurrently
// inside the path.
type nestedCalls struct {
	mu    sync.Mutex
	calls []nestedCall
}

type nestedCall struct {
	gid    int64
	cookie any
}

// call invokes f unless a call with the same cookie is already in flight on
// this goroutine, or the goroutine's nesting depth in this table reached
// maxNests. It reports whether f ran.
func (nc *nestedCalls) call(cookie any, f func()) bool {
	gid := goid.Get()

	nc.mu.Lock()
	depth := 0
	for _, c := range nc.calls {
		if c.gid == gid {
			if c.cookie == cookie {
				nc.mu.Unlock()
				return false
			}
			depth++
		}
	}
	if depth >= maxNests {
		nc.mu.Unlock()
		return false
	}
	nc.calls = append(nc.calls, nestedCall{gid: gid, cookie: cookie})
	nc.mu.Unlock()

	f()

	nc.mu.Lock()
	for i := range nc.calls {
		if nc.calls[i].gid == gid && nc.calls[i].cookie == cookie {
			last := len(nc.calls) - 1
			nc.calls[i] = nc.calls[last]
			nc.calls = nc.calls[:last]
			break
		}
	}
	nc.mu.Unlock()
	return true
}

// The two wakeup paths nest independently, so each gets its own table:
// wakeNests guards the deferred poller-queue notification (cookie: the
// queue being notified), readyWalkNests the readiness passthrough of a
// polled instance (cookie: the instance).
var (
	wakeNests      nestedCalls
	readyWalkNests nestedCalls
)
