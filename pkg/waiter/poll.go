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

package waiter

// Pollable is implemented by objects that can report their readiness and,
// optionally, expose the wait queues backing it.
//
// Pollable subsumes the readiness half of Waitable: a single Poll call both
// samples the current state and, when a table is supplied, registers the
// caller on every wait queue whose events feed the returned mask. Performing
// both in one call closes the window where an object becomes ready between
// the readiness check and hook registration.
type Pollable interface {
	// Poll returns the events in mask that the object is currently ready
	// for.
	//
	// If pt is non-nil, the object must call pt.Wait on each of its wait
	// queues before returning, so the caller is notified of subsequent
	// readiness changes. A nil pt is a pure readiness probe.
	Poll(mask EventMask, pt *PollTable) EventMask
}

// PollTable collects the wait-queue registrations performed during a Poll
// call. The entity driving the poll supplies the registration function;
// pollable objects only call Wait.
type PollTable struct {
	// register is invoked once per wait queue the polled object exposes.
	// It returns false once registration can no longer proceed, after
	// which the table stops forwarding queues and records the failure.
	register func(q *Queue) bool

	failed bool
}

// NewPollTable returns a PollTable that forwards each exposed wait queue to
// register.
func NewPollTable(register func(q *Queue) bool) *PollTable {
	return &PollTable{register: register}
}

// Wait registers the polling entity on q. Pollable implementations call this
// once per wait queue they expose; they must tolerate pt being nil.
func (pt *PollTable) Wait(q *Queue) {
	if pt == nil || pt.failed || pt.register == nil {
		return
	}
	if !pt.register(q) {
		pt.failed = true
	}
}

// Failed returns whether any registration performed through the table
// failed. Once a registration fails, later queues are not registered.
func (pt *PollTable) Failed() bool {
	return pt.failed
}

// PollAdapter adapts a Waitable into a Pollable with a single wait queue.
type PollAdapter struct {
	Waitable Waitable
	Queue    *Queue
}

// Poll implements Pollable.Poll.
func (a *PollAdapter) Poll(mask EventMask, pt *PollTable) EventMask {
	if pt != nil && a.Queue != nil {
		pt.Wait(a.Queue)
	}
	return a.Waitable.Readiness(mask)
}
