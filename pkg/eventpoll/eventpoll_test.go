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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"evpoll.dev/evpoll/pkg/errors/poll"
	"evpoll.dev/evpoll/pkg/waiter"
)

// testTarget is a pollable object whose readiness is set directly by the
// test.
type testTarget struct {
	TargetState

	q waiter.Queue

	mu    sync.Mutex
	ready waiter.EventMask
}

// Poll implements waiter.Pollable.Poll.
func (t *testTarget) Poll(mask waiter.EventMask, pt *waiter.PollTable) waiter.EventMask {
	if pt != nil {
		pt.Wait(&t.q)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready & mask
}

// set marks events ready and notifies waiters.
func (t *testTarget) set(events waiter.EventMask) {
	t.mu.Lock()
	t.ready |= events
	t.mu.Unlock()
	t.q.Notify(events)
}

// clear marks events not ready. No notification: readiness going away is
// only observed by re-polling.
func (t *testTarget) clear(events waiter.EventMask) {
	t.mu.Lock()
	t.ready &^= events
	t.mu.Unlock()
}

func id(t *testTarget, num int32) FileIdentifier {
	return FileIdentifier{Target: t, Num: num}
}

func mustAdd(t *testing.T, ep *EventPoll, target *testTarget, num int32, flags EntryFlags, mask waiter.EventMask, data uint64) {
	t.Helper()
	if err := ep.AddEntry(id(target, num), flags, mask, data); err != nil {
		t.Fatalf("AddEntry(num=%d) failed: %v", num, err)
	}
}

func readData(ep *EventPoll, max int) []uint64 {
	events := make([]Event, max)
	n := ep.ReadEvents(events)
	data := []uint64{}
	for _, ev := range events[:n] {
		data = append(data, ev.Data)
	}
	return data
}

func TestAddErrors(t *testing.T) {
	ep := New(nil)
	defer ep.Close()
	tt := &testTarget{}

	if err := ep.AddEntry(FileIdentifier{}, 0, waiter.EventIn, 0); err != poll.ErrInvalid {
		t.Errorf("AddEntry(nil target) = %v, want %v", err, poll.ErrInvalid)
	}
	if err := ep.AddEntry(FileIdentifier{Target: ep, Num: 1}, 0, waiter.EventIn, 0); err != poll.ErrInvalid {
		t.Errorf("AddEntry(self) = %v, want %v", err, poll.ErrInvalid)
	}

	mustAdd(t, ep, tt, 1, 0, waiter.EventIn, 1)
	if err := ep.AddEntry(id(tt, 1), 0, waiter.EventIn, 1); err != poll.ErrExists {
		t.Errorf("duplicate AddEntry = %v, want %v", err, poll.ErrExists)
	}

	// Same target under a different number is a distinct watch.
	mustAdd(t, ep, tt, 2, 0, waiter.EventIn, 2)
}

func TestUpdateRemoveErrors(t *testing.T) {
	ep := New(nil)
	defer ep.Close()
	tt := &testTarget{}

	if err := ep.UpdateEntry(id(tt, 1), 0, waiter.EventIn, 0); err != poll.ErrNotFound {
		t.Errorf("UpdateEntry(unregistered) = %v, want %v", err, poll.ErrNotFound)
	}
	if err := ep.RemoveEntry(id(tt, 1)); err != poll.ErrNotFound {
		t.Errorf("RemoveEntry(unregistered) = %v, want %v", err, poll.ErrNotFound)
	}

	mustAdd(t, ep, tt, 1, 0, waiter.EventIn, 0)
	if err := ep.RemoveEntry(id(tt, 1)); err != nil {
		t.Errorf("RemoveEntry = %v, want nil", err)
	}
	if err := ep.RemoveEntry(id(tt, 1)); err != poll.ErrNotFound {
		t.Errorf("second RemoveEntry = %v, want %v", err, poll.ErrNotFound)
	}
}

func TestReadyAfterNotify(t *testing.T) {
	ep := New(nil)
	defer ep.Close()
	tt := &testTarget{}
	mustAdd(t, ep, tt, 1, 0, waiter.EventIn, 7)

	if got := readData(ep, 4); len(got) != 0 {
		t.Fatalf("events before readiness: %v", got)
	}

	tt.set(waiter.EventIn)
	events := make([]Event, 4)
	n := ep.ReadEvents(events)
	want := []Event{{Events: waiter.EventIn, Data: 7}}
	if diff := cmp.Diff(want, events[:n]); diff != "" {
		t.Errorf("ReadEvents mismatch (-want +got):\n%s", diff)
	}
}

func TestMaskFiltersNotifications(t *testing.T) {
	ep := New(nil)
	defer ep.Close()
	tt := &testTarget{}
	mustAdd(t, ep, tt, 1, 0, waiter.EventIn, 1)

	// Writability is outside the requested mask.
	tt.set(waiter.EventOut)
	if got := readData(ep, 4); len(got) != 0 {
		t.Errorf("events for masked-out readiness: %v", got)
	}
}

func TestRegisteredBeforeReady(t *testing.T) {
	// The target becomes ready before registration completes; the initial
	// readiness check must queue it so the wakeup isn't lost.
	ep := New(nil)
	defer ep.Close()
	tt := &testTarget{}
	tt.set(waiter.EventIn)

	mustAdd(t, ep, tt, 1, 0, waiter.EventIn, 3)
	if got, want := readData(ep, 4), []uint64{3}; !cmp.Equal(want, got) {
		t.Errorf("ReadEvents = %v, want %v", got, want)
	}
}

func TestLevelTriggeredRedelivery(t *testing.T) {
	ep := New(nil)
	defer ep.Close()
	tt := &testTarget{}
	mustAdd(t, ep, tt, 1, 0, waiter.EventIn, 1)
	tt.set(waiter.EventIn)

	for i := 0; i < 3; i++ {
		if got, want := readData(ep, 4), []uint64{1}; !cmp.Equal(want, got) {
			t.Fatalf("read %d: got %v, want %v", i, got, want)
		}
	}

	tt.clear(waiter.EventIn)
	if got := readData(ep, 4); len(got) != 0 {
		t.Errorf("events after condition cleared: %v", got)
	}
}

func TestEdgeTriggeredSingleDelivery(t *testing.T) {
	ep := New(nil)
	defer ep.Close()
	tt := &testTarget{}
	mustAdd(t, ep, tt, 1, EdgeTriggered, waiter.EventIn, 1)
	tt.set(waiter.EventIn)

	if got, want := readData(ep, 4), []uint64{1}; !cmp.Equal(want, got) {
		t.Fatalf("first read = %v, want %v", got, want)
	}
	// The condition persists but no fresh notification arrived.
	if got := readData(ep, 4); len(got) != 0 {
		t.Fatalf("second read = %v, want none", got)
	}

	tt.q.Notify(waiter.EventIn)
	if got, want := readData(ep, 4), []uint64{1}; !cmp.Equal(want, got) {
		t.Errorf("read after fresh notification = %v, want %v", got, want)
	}
}

func TestOneShotDisablesUntilRearm(t *testing.T) {
	ep := New(nil)
	defer ep.Close()
	tt := &testTarget{}
	mustAdd(t, ep, tt, 1, OneShot, waiter.EventIn, 1)
	tt.set(waiter.EventIn)

	if got, want := readData(ep, 4), []uint64{1}; !cmp.Equal(want, got) {
		t.Fatalf("first read = %v, want %v", got, want)
	}

	// Fired one-shots ignore further notifications.
	tt.q.Notify(waiter.EventIn)
	if got := readData(ep, 4); len(got) != 0 {
		t.Fatalf("read after one-shot fired = %v, want none", got)
	}

	// UpdateEntry re-arms, and its readiness re-check immediately
	// re-queues the still-ready target.
	if err := ep.UpdateEntry(id(tt, 1), OneShot, waiter.EventIn, 9); err != nil {
		t.Fatalf("UpdateEntry failed: %v", err)
	}
	if got, want := readData(ep, 4), []uint64{9}; !cmp.Equal(want, got) {
		t.Errorf("read after re-arm = %v, want %v", got, want)
	}
}

func TestStaleNotificationDropped(t *testing.T) {
	ep := New(nil)
	defer ep.Close()
	tt := &testTarget{}
	mustAdd(t, ep, tt, 1, 0, waiter.EventIn, 1)

	tt.set(waiter.EventIn)
	tt.clear(waiter.EventIn)
	if got := readData(ep, 4); len(got) != 0 {
		t.Errorf("stale notification delivered: %v", got)
	}
}

func TestRemoveDropsPending(t *testing.T) {
	ep := New(nil)
	defer ep.Close()
	tt := &testTarget{}
	mustAdd(t, ep, tt, 1, 0, waiter.EventIn, 1)
	tt.set(waiter.EventIn)

	if err := ep.RemoveEntry(id(tt, 1)); err != nil {
		t.Fatalf("RemoveEntry failed: %v", err)
	}
	if got := readData(ep, 4); len(got) != 0 {
		t.Errorf("events after removal: %v", got)
	}
	if !tt.q.IsEmpty() {
		t.Error("target queue still has hooks after removal")
	}
}

func TestOwnerQuota(t *testing.T) {
	owner := NewOwner(2)
	ep := New(owner)
	defer ep.Close()
	tt := &testTarget{}

	mustAdd(t, ep, tt, 1, 0, waiter.EventIn, 1)
	mustAdd(t, ep, tt, 2, 0, waiter.EventIn, 2)
	if err := ep.AddEntry(id(tt, 3), 0, waiter.EventIn, 3); err != poll.ErrNoSpace {
		t.Fatalf("AddEntry over quota = %v, want %v", err, poll.ErrNoSpace)
	}

	// Removal frees quota, including across instances of the same owner.
	if err := ep.RemoveEntry(id(tt, 1)); err != nil {
		t.Fatalf("RemoveEntry failed: %v", err)
	}
	ep2 := New(owner)
	defer ep2.Close()
	mustAdd(t, ep2, tt, 1, 0, waiter.EventIn, 1)
	if err := ep.AddEntry(id(tt, 3), 0, waiter.EventIn, 3); err != poll.ErrNoSpace {
		t.Errorf("AddEntry = %v, want %v", err, poll.ErrNoSpace)
	}
}

func TestCopyEventsPartialProgress(t *testing.T) {
	ep := New(nil)
	defer ep.Close()
	t1 := &testTarget{}
	t2 := &testTarget{}
	mustAdd(t, ep, t1, 1, 0, waiter.EventIn, 1)
	mustAdd(t, ep, t2, 1, 0, waiter.EventIn, 2)
	t1.set(waiter.EventIn)
	t2.set(waiter.EventIn)

	// Fail on the second event: the first delivery is kept and reported.
	errFault := poll.ErrFault
	calls := 0
	n, err := ep.CopyEvents(8, func(ev Event) error {
		calls++
		if calls == 2 {
			return errFault
		}
		return nil
	})
	if n != 1 || err != nil {
		t.Fatalf("CopyEvents = (%d, %v), want (1, nil)", n, err)
	}

	// The faulting item went back to the head; both remain deliverable.
	if got, want := readData(ep, 8), []uint64{2, 1}; !cmp.Equal(want, got) {
		t.Errorf("ReadEvents after fault = %v, want %v", got, want)
	}

	// A fault before anything was delivered surfaces the error itself.
	n, err = ep.CopyEvents(8, func(Event) error { return errFault })
	if n != 0 || err != errFault {
		t.Errorf("CopyEvents = (%d, %v), want (0, %v)", n, err, errFault)
	}
}

func TestCopyEventsBounded(t *testing.T) {
	ep := New(nil)
	defer ep.Close()
	t1 := &testTarget{}
	t2 := &testTarget{}
	t3 := &testTarget{}
	mustAdd(t, ep, t1, 1, 0, waiter.EventIn, 1)
	mustAdd(t, ep, t2, 1, 0, waiter.EventIn, 2)
	mustAdd(t, ep, t3, 1, 0, waiter.EventIn, 3)
	t1.set(waiter.EventIn)
	t2.set(waiter.EventIn)
	t3.set(waiter.EventIn)

	if got, want := readData(ep, 2), []uint64{1, 2}; !cmp.Equal(want, got) {
		t.Fatalf("first batch = %v, want %v", got, want)
	}
	// Delivery rotates: undelivered items come first, then the
	// re-queued level-triggered ones.
	if got, want := readData(ep, 3), []uint64{3, 1, 2}; !cmp.Equal(want, got) {
		t.Errorf("second batch = %v, want %v", got, want)
	}

	if _, err := ep.CopyEvents(0, func(Event) error { return nil }); err != poll.ErrInvalid {
		t.Errorf("CopyEvents(max=0) = %v, want %v", err, poll.ErrInvalid)
	}
}

func TestHookAllocFailureRollback(t *testing.T) {
	ep := New(nil)
	defer ep.Close()
	tt := &testTarget{}

	orig := allocPollHook
	allocPollHook = func() *pollHook { return nil }
	err := ep.AddEntry(id(tt, 1), 0, waiter.EventIn, 1)
	allocPollHook = orig
	if err != poll.ErrNoMemory {
		t.Fatalf("AddEntry with failing alloc = %v, want %v", err, poll.ErrNoMemory)
	}

	// No partial registration survives.
	if !tt.q.IsEmpty() {
		t.Error("target queue not empty after failed registration")
	}
	mustAdd(t, ep, tt, 1, 0, waiter.EventIn, 1)
}

func TestWait(t *testing.T) {
	ep := New(nil)
	defer ep.Close()
	tt := &testTarget{}
	mustAdd(t, ep, tt, 1, 0, waiter.EventIn, 5)

	ctx := context.Background()
	events := make([]Event, 4)

	if _, err := ep.Wait(ctx, nil, 0); err != poll.ErrInvalid {
		t.Fatalf("Wait(empty) = %v, want %v", err, poll.ErrInvalid)
	}

	// Non-blocking wait with nothing ready.
	if n, err := ep.Wait(ctx, events, 0); n != 0 || err != nil {
		t.Fatalf("Wait(timeout=0) = (%d, %v), want (0, nil)", n, err)
	}

	// Timeout expiry is not an error.
	start := time.Now()
	if n, err := ep.Wait(ctx, events, 10*time.Millisecond); n != 0 || err != nil {
		t.Fatalf("Wait(timeout) = (%d, %v), want (0, nil)", n, err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("Wait returned after %v, before the timeout", elapsed)
	}

	// A concurrent notification wakes the blocked wait.
	var g errgroup.Group
	g.Go(func() error {
		time.Sleep(20 * time.Millisecond)
		tt.set(waiter.EventIn)
		return nil
	})
	n, err := ep.Wait(ctx, events, 10*time.Second)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n != 1 || err != nil {
		t.Fatalf("Wait = (%d, %v), want (1, nil)", n, err)
	}
	if events[0].Data != 5 {
		t.Errorf("event data = %d, want 5", events[0].Data)
	}
}

func TestWaitCancel(t *testing.T) {
	ep := New(nil)
	defer ep.Close()
	tt := &testTarget{}
	mustAdd(t, ep, tt, 1, 0, waiter.EventIn, 1)

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error {
		time.Sleep(20 * time.Millisecond)
		cancel()
		return nil
	})
	events := make([]Event, 4)
	n, err := ep.Wait(ctx, events, -1)
	g.Wait()
	if n != 0 || err != poll.ErrInterrupted {
		t.Errorf("Wait = (%d, %v), want (0, %v)", n, err, poll.ErrInterrupted)
	}
}

func TestNestedInstances(t *testing.T) {
	parent := New(nil)
	defer parent.Close()
	child := New(nil)
	defer child.Close()
	tt := &testTarget{}

	mustAdd(t, child, tt, 1, 0, waiter.EventIn, 10)
	if err := parent.AddEntry(FileIdentifier{Target: child, Num: 1}, 0, waiter.EventIn, 20); err != nil {
		t.Fatalf("AddEntry(child) failed: %v", err)
	}

	tt.set(waiter.EventIn)

	// The child's readiness propagates to the parent.
	events := make([]Event, 4)
	n, err := parent.Wait(context.Background(), events, time.Second)
	if n != 1 || err != nil {
		t.Fatalf("parent Wait = (%d, %v), want (1, nil)", n, err)
	}
	if events[0].Data != 20 {
		t.Fatalf("parent event data = %d, want 20", events[0].Data)
	}
	if got, want := readData(child, 4), []uint64{10}; !cmp.Equal(want, got) {
		t.Errorf("child events = %v, want %v", got, want)
	}

	// Drained child, parent readiness goes away after pruning.
	tt.clear(waiter.EventIn)
	if got := readData(child, 4); len(got) != 0 {
		t.Fatalf("child events after clear = %v", got)
	}
	if m := parent.Readiness(waiter.EventIn); m != 0 {
		t.Errorf("parent Readiness = %#x, want 0", m)
	}
}

func TestInstanceCycleTerminates(t *testing.T) {
	// A watches B and B watches A. The cycle is legal; the recursion
	// guard bounds the wakeup chain.
	a := New(nil)
	defer a.Close()
	b := New(nil)
	defer b.Close()
	tt := &testTarget{}

	if err := a.AddEntry(FileIdentifier{Target: b, Num: 1}, 0, waiter.EventIn, 100); err != nil {
		t.Fatalf("a.AddEntry(b) failed: %v", err)
	}
	if err := b.AddEntry(FileIdentifier{Target: a, Num: 1}, 0, waiter.EventIn, 200); err != nil {
		t.Fatalf("b.AddEntry(a) failed: %v", err)
	}
	mustAdd(t, b, tt, 2, 0, waiter.EventIn, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		tt.set(waiter.EventIn)
		if got, want := readData(a, 4), []uint64{100}; !cmp.Equal(want, got) {
			t.Errorf("a events = %v, want %v", got, want)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cyclic wakeup did not terminate")
	}
}

func TestTargetRelease(t *testing.T) {
	ep1 := New(nil)
	defer ep1.Close()
	ep2 := New(nil)
	defer ep2.Close()
	tt := &testTarget{}

	mustAdd(t, ep1, tt, 1, 0, waiter.EventIn, 1)
	mustAdd(t, ep2, tt, 1, 0, waiter.EventIn, 2)
	tt.set(waiter.EventIn)

	tt.Release()

	if !tt.q.IsEmpty() {
		t.Error("target queue still has hooks after Release")
	}
	for i, ep := range []*EventPoll{ep1, ep2} {
		if err := ep.RemoveEntry(id(tt, 1)); err != poll.ErrNotFound {
			t.Errorf("ep%d.RemoveEntry = %v, want %v", i+1, err, poll.ErrNotFound)
		}
		if got := readData(ep, 4); len(got) != 0 {
			t.Errorf("ep%d events after Release = %v", i+1, got)
		}
	}
}

func TestClose(t *testing.T) {
	ep := New(nil)
	tt := &testTarget{}
	mustAdd(t, ep, tt, 1, 0, waiter.EventIn, 1)
	tt.set(waiter.EventIn)

	if err := ep.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if !tt.q.IsEmpty() {
		t.Error("target queue still has hooks after Close")
	}
	if err := ep.AddEntry(id(tt, 2), 0, waiter.EventIn, 2); err != poll.ErrBadHandle {
		t.Errorf("AddEntry after Close = %v, want %v", err, poll.ErrBadHandle)
	}
	if err := ep.UpdateEntry(id(tt, 1), 0, waiter.EventIn, 1); err != poll.ErrBadHandle {
		t.Errorf("UpdateEntry after Close = %v, want %v", err, poll.ErrBadHandle)
	}
	if err := ep.RemoveEntry(id(tt, 1)); err != poll.ErrBadHandle {
		t.Errorf("RemoveEntry after Close = %v, want %v", err, poll.ErrBadHandle)
	}
	events := make([]Event, 4)
	if n, err := ep.Wait(context.Background(), events, 0); n != 0 || err != poll.ErrBadHandle {
		t.Errorf("Wait after Close = (%d, %v), want (0, %v)", n, err, poll.ErrBadHandle)
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	ep := New(nil)
	tt := &testTarget{}
	mustAdd(t, ep, tt, 1, 0, waiter.EventIn, 1)

	var g errgroup.Group
	g.Go(func() error {
		time.Sleep(20 * time.Millisecond)
		return ep.Close()
	})
	events := make([]Event, 4)
	n, err := ep.Wait(context.Background(), events, 10*time.Second)
	if gerr := g.Wait(); gerr != nil {
		t.Fatal(gerr)
	}
	if n != 0 || err != poll.ErrBadHandle {
		t.Errorf("Wait during Close = (%d, %v), want (0, %v)", n, err, poll.ErrBadHandle)
	}
}

func TestConcurrentStress(t *testing.T) {
	ep := New(nil)
	defer ep.Close()
	tt := &testTarget{}
	mustAdd(t, ep, tt, 1, 0, waiter.EventIn, 1)

	const iterations = 1000
	ctx := context.Background()
	var g errgroup.Group

	g.Go(func() error {
		for i := 0; i < iterations; i++ {
			tt.set(waiter.EventIn)
			tt.clear(waiter.EventIn)
		}
		tt.set(waiter.EventIn)
		return nil
	})
	g.Go(func() error {
		events := make([]Event, 8)
		for i := 0; i < iterations; i++ {
			if _, err := ep.Wait(ctx, events, time.Millisecond); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		aux := &testTarget{}
		for i := 0; i < iterations; i++ {
			if err := ep.AddEntry(id(aux, 2), 0, waiter.EventIn, 2); err != nil {
				return err
			}
			aux.set(waiter.EventIn)
			if err := ep.RemoveEntry(id(aux, 2)); err != nil {
				return err
			}
			aux.clear(waiter.EventIn)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	// The long-lived watch still works.
	if got, want := readData(ep, 8), []uint64{1}; !cmp.Equal(want, got) {
		t.Errorf("events after stress = %v, want %v", got, want)
	}
}
