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

// Package eventpoll provides an epoll-semantics readiness-notification
// engine: callers register interest in pollable targets and later block
// until at least one becomes ready, receiving exactly the set of ready
// targets without rescanning the whole interest set.
//
// An instance maintains a ready list fed asynchronously by the targets' own
// wakeup mechanisms through per-watch poll hooks. Delivery detaches the
// ready list under a fast lock, re-validates each item against its target
// with no lock held, and reconciles notifications that arrived mid-scan
// through an overflow chain, so event copies may block without ever holding
// an engine lock. Instances are themselves pollable, so one instance can
// watch another; a recursion guard bounds the resulting wakeup chains.
package eventpoll

import (
	"context"
	"sync/atomic"
	"time"

	"evpoll.dev/evpoll/pkg/errors/poll"
	"evpoll.dev/evpoll/pkg/waiter"
)

// EntryFlags is a bitmask of watch options.
type EntryFlags int

const (
	// OneShot disables the watch after its first delivery until it is
	// re-armed with UpdateEntry.
	OneShot EntryFlags = 1 << iota

	// EdgeTriggered delivers the watch only on fresh notifications,
	// instead of on every wait call while the condition persists.
	EdgeTriggered
)

// FileIdentifier identifies a watch within an instance: the target object
// plus a caller-chosen descriptor number, so the same target can be watched
// under several descriptors.
type FileIdentifier struct {
	Target waiter.Pollable
	Num    int32
}

// Event is one delivered readiness event.
type Event struct {
	// Events is the subset of the requested mask the target reported
	// ready at delivery time.
	Events waiter.EventMask

	// Data is the opaque tag supplied at registration, returned verbatim.
	Data uint64
}

// watchItem is one (target, descriptor) registration inside exactly one
// instance.
type watchItem struct {
	watchItemEntry

	// id identifies the watch. Immutable after creation.
	id FileIdentifier

	// ord orders id.Target within the instance registry; num is id.Num.
	// Both immutable once the item is in the registry.
	ord uint64
	num int32

	ep *EventPoll

	// mask is the requested event mask. Written with the sleep lock held,
	// read atomically from the notification callback. Zero means the
	// watch is disabled (a one-shot that fired and awaits re-arm).
	mask atomic.Uint64

	// The following fields are protected by the sleep lock.
	flags EntryFlags
	data  uint64
	hooks []*pollHook

	// onList is whether the item is linked on the ready list, including a
	// scan's detached portion of it. Protected by the fast lock, except
	// that during a scan the scanning goroutine owns the flag for the
	// items it detached.
	onList bool

	// ovfQueued and ovfNext chain the item into the overflow list that
	// collects notifications arriving mid-scan. Protected by the fast
	// lock. An overflow-chained item may simultaneously be linked on the
	// scan's detached list when the delivery consumer re-queued it; the
	// reconciliation step resolves that case via onList.
	ovfQueued bool
	ovfNext   *watchItem
}

func (it *watchItem) eventMask() waiter.EventMask {
	return waiter.EventMask(it.mask.Load())
}

func (it *watchItem) setEventMask(m waiter.EventMask) {
	it.mask.Store(uint64(m))
}

// pollHook links a watch onto one wait queue exposed by its target.
type pollHook struct {
	entry waiter.Entry
	queue *waiter.Queue
}

// allocPollHook is swappable so tests can exercise mid-registration
// allocation failure and its rollback.
var allocPollHook = func() *pollHook { return new(pollHook) }

// Owner tracks the watch quota shared by every instance created for the
// same owner.
type Owner struct {
	max     int64
	watches atomic.Int64
}

// NewOwner returns an Owner allowing up to maxWatches concurrent watches
// across all of its instances. maxWatches <= 0 means no limit.
func NewOwner(maxWatches int64) *Owner {
	return &Owner{max: maxWatches}
}

func (o *Owner) get() bool {
	n := o.watches.Add(1)
	if o.max > 0 && n > o.max {
		o.watches.Add(-1)
		return false
	}
	return true
}

func (o *Owner) put() {
	o.watches.Add(-1)
}

// EventPoll is one instance of the notification engine.
type EventPoll struct {
	// q is notified when the instance itself becomes readable, i.e. when
	// its ready list turns non-empty. External pollers of the instance
	// (other instances, poll emulation) register here. Its notification
	// may recurse into another instance's callback, so it always runs
	// outside the fast lock and through the recursion guard.
	q waiter.Queue

	// blockedQ holds callers blocked in Wait. It is notified with the
	// fast lock held; channel-entry callbacks never block.
	blockedQ waiter.Queue

	owner *Owner

	// mu is the sleep lock. It serializes control operations, the
	// interest registry and the delivery scan. Holders may block.
	mu interestMutex

	// listsMu is the fast lock. It protects the ready list, the overflow
	// chain and item linkage, and is the only lock the notification
	// callback acquires. Nothing may block while it is held.
	listsMu readyMutex

	// The following fields are protected by mu.
	interest *watchRegistry
	closed   bool

	// The following fields are protected by listsMu.
	ready    watchItemList
	ovfHead  *watchItem
	scanning bool
}

// New creates a new instance charged against owner's watch quota. A nil
// owner gets an unlimited quota.
func New(owner *Owner) *EventPoll {
	if owner == nil {
		owner = NewOwner(0)
	}
	return &EventPoll{
		owner:    owner,
		interest: newWatchRegistry(),
	}
}

// NotifyEvent implements waiter.EntryCallback.NotifyEvent. It is the
// engine's half of the poll-hook contract: the target's wakeup mechanism
// invokes it from arbitrary goroutines, including ones that must not block.
// By contract it never blocks and never fails.
func (it *watchItem) NotifyEvent(_ *waiter.Entry, key waiter.EventMask) {
	it.queue(key)
}

// queue links the item for delivery if the notification is relevant. key is
// the sub-mask being notified; zero means "unspecified", which always
// qualifies.
func (it *watchItem) queue(key waiter.EventMask) {
	mask := it.eventMask()
	if mask == 0 {
		// Disabled: a one-shot watch that fired and awaits re-arm.
		return
	}
	if key != 0 && key&mask == 0 {
		return
	}

	ep := it.ep
	ep.listsMu.Lock()
	if ep.scanning {
		// A scan has the ready list detached; park the notification
		// on the overflow chain for reconciliation. A second
		// notification for an already-chained item is a no-op.
		if !it.ovfQueued {
			it.ovfNext = ep.ovfHead
			ep.ovfHead = it
			it.ovfQueued = true
		}
	} else if !it.onList {
		ep.ready.PushBack(it)
		it.onList = true
	}
	ep.blockedQ.NotifyOne(waiter.EventIn)
	notifyPollers := ep.q.Pending()
	ep.listsMu.Unlock()

	if notifyPollers {
		ep.pollerWake()
	}
}

// pollerWake notifies pollers of the instance itself. The notification can
// recurse into the callback of an instance watching this one, so it is
// bounded by the recursion guard.
func (ep *EventPoll) pollerWake() {
	wakeNests.call(&ep.q, func() {
		ep.q.Notify(waiter.EventIn)
	})
}

// attach installs one poll hook per wait queue the target exposes and
// returns the target's readiness as observed after registration. On a
// mid-registration allocation failure the already-installed hooks are
// removed and ErrNoMemory is returned; no partial registration survives.
//
// Preconditions: ep.mu held; ep.listsMu not held. Queue registration takes
// the target's queue lock, which the notification callback holds when it
// calls back into the engine.
func (ep *EventPoll) attach(it *watchItem) (waiter.EventMask, error) {
	pt := waiter.NewPollTable(func(q *waiter.Queue) bool {
		h := allocPollHook()
		if h == nil {
			return false
		}
		h.queue = q
		h.entry.Callback = it
		q.EventRegister(&h.entry, waiter.AllEvents())
		it.hooks = append(it.hooks, h)
		return true
	})
	ready := it.id.Target.Poll(it.eventMask(), pt)
	if pt.Failed() {
		ep.detach(it)
		return 0, poll.ErrNoMemory
	}
	return ready, nil
}

// detach unregisters every hook installed for it. Like attach, it must not
// run under the fast lock. Once detach returns no further notification for
// the item can be in flight.
func (ep *EventPoll) detach(it *watchItem) {
	for _, h := range it.hooks {
		h.queue.EventUnregister(&h.entry)
	}
	it.hooks = nil
}

// purgeLinks unlinks it from the ready list. The caller holds the sleep
// lock, so no scan is in flight and the overflow chain is empty.
func (ep *EventPoll) purgeLinks(it *watchItem) {
	ep.listsMu.Lock()
	if it.onList {
		ep.ready.Remove(it)
		it.onList = false
	}
	ep.listsMu.Unlock()
}

// AddEntry registers a new watch described by id. mask selects the events
// of interest, flags the trigger mode, and data is returned verbatim with
// every delivery.
func (ep *EventPoll) AddEntry(id FileIdentifier, flags EntryFlags, mask waiter.EventMask, data uint64) error {
	if id.Target == nil {
		return poll.ErrInvalid
	}
	if t, ok := id.Target.(*EventPoll); ok && t == ep {
		// A direct self-watch would wedge the wakeup path. Indirect
		// cycles through other instances are bounded by the recursion
		// guard instead.
		return poll.ErrInvalid
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return poll.ErrBadHandle
	}
	if _, ok := ep.interest.find(id); ok {
		return poll.ErrExists
	}
	if !ep.owner.get() {
		return poll.ErrNoSpace
	}

	it := &watchItem{
		id:    id,
		num:   id.Num,
		ep:    ep,
		flags: flags,
		data:  data,
	}
	it.setEventMask(mask)

	ready, err := ep.attach(it)
	if err != nil {
		// A notification may have queued the item before registration
		// failed; unlink it before it is freed.
		ep.purgeLinks(it)
		ep.owner.put()
		return err
	}

	ep.interest.insert(it)
	if st, ok := id.Target.(StatefulTarget); ok {
		st.State().add(it)
	}

	// The target may have become ready between hook registration and the
	// caller observing "added"; queue it so that wakeup isn't lost.
	if m := ready & it.eventMask(); m != 0 {
		it.queue(m)
	}
	return nil
}

// UpdateEntry atomically updates the mask, flags and tag of an existing
// watch, then re-checks readiness exactly as AddEntry does. It is also how
// a fired one-shot watch is re-armed.
func (ep *EventPoll) UpdateEntry(id FileIdentifier, flags EntryFlags, mask waiter.EventMask, data uint64) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return poll.ErrBadHandle
	}
	it, ok := ep.interest.find(id)
	if !ok {
		return poll.ErrNotFound
	}

	it.flags = flags
	it.data = data
	it.setEventMask(mask)

	if m := it.id.Target.Poll(mask, nil) & mask; m != 0 {
		it.queue(m)
	}
	return nil
}

// RemoveEntry removes the watch described by id, detaching its hooks and
// dropping any pending notification for it.
func (ep *EventPoll) RemoveEntry(id FileIdentifier) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return poll.ErrBadHandle
	}
	it, ok := ep.interest.find(id)
	if !ok {
		return poll.ErrNotFound
	}
	ep.removeItemLocked(it)
	return nil
}

// removeItemLocked fully detaches it: hooks first (so no notification can
// race the rest), then ready-list linkage, then the registry node and the
// target back-reference. The ready-list unlink always happens before the
// registry node goes away, so a racing notification cannot resurrect a
// freed item.
//
// Preconditions: ep.mu held. Teardown paths additionally hold teardownMu.
func (ep *EventPoll) removeItemLocked(it *watchItem) {
	ep.detach(it)
	ep.purgeLinks(it)
	ep.interest.remove(it)
	if st, ok := it.id.Target.(StatefulTarget); ok {
		st.State().remove(it)
	}
	ep.owner.put()
}

// scan atomically detaches the ready list, runs consumer over the detached
// items with no lock held, then reconciles notifications that arrived
// mid-scan. consumer owns the detached list, and the onList flags of its
// items, until it returns; whatever it leaves on the list is spliced back
// onto the front of the shared ready list.
//
// Preconditions: ep.mu held.
func (ep *EventPoll) scan(consumer func(local *watchItemList)) {
	ep.listsMu.Lock()
	var local watchItemList
	local.PushBackList(&ep.ready)
	ep.scanning = true
	ep.listsMu.Unlock()

	consumer(&local)

	ep.listsMu.Lock()
	for it := ep.ovfHead; it != nil; {
		next := it.ovfNext
		it.ovfNext = nil
		it.ovfQueued = false
		// The consumer may have re-queued the item on the detached
		// list already; don't link it twice.
		if !it.onList {
			ep.ready.PushBack(it)
			it.onList = true
		}
		it = next
	}
	ep.ovfHead = nil
	ep.scanning = false

	// Consumer leftovers go to the front so the next delivery resumes
	// where this one stopped.
	local.PushBackList(&ep.ready)
	ep.ready = local

	wake := !ep.ready.Empty()
	if wake {
		ep.blockedQ.NotifyOne(waiter.EventIn)
	}
	notifyPollers := wake && ep.q.Pending()
	ep.listsMu.Unlock()

	if notifyPollers {
		ep.pollerWake()
	}
}

// CopyEvents runs a delivery scan, pushing up to max ready events into
// sink. sink runs with no engine lock held and may block. If sink fails,
// the faulting item is re-queued at the front; events already delivered are
// reported as success and sink's error is returned only when nothing was
// delivered.
func (ep *EventPoll) CopyEvents(max int, sink func(Event) error) (int, error) {
	if max <= 0 {
		return 0, poll.ErrInvalid
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return 0, poll.ErrBadHandle
	}

	var (
		n   int
		err error
	)
	ep.scan(func(local *watchItemList) {
		// Bound the walk to the items present at detach time;
		// level-triggered re-queues land behind this window.
		remaining := local.Len()
		for n < max && remaining > 0 {
			it := local.Front()
			local.Remove(it)
			it.onList = false
			remaining--

			mask := it.eventMask()
			if mask == 0 {
				// Disabled while queued; drop it.
				continue
			}

			// Re-validate: the notification may be stale by the
			// time we deliver.
			ready := it.id.Target.Poll(mask, nil) & mask
			if ready == 0 {
				continue
			}

			if serr := sink(Event{Events: ready, Data: it.data}); serr != nil {
				// Keep partial progress: the faulting item goes
				// back to the head for the next call.
				local.PushFront(it)
				it.onList = true
				err = serr
				return
			}
			n++

			switch {
			case it.flags&OneShot != 0:
				// Disable until re-armed via UpdateEntry.
				it.setEventMask(0)
			case it.flags&EdgeTriggered != 0:
				// Stays off the ready list until a fresh
				// notification arrives.
			default:
				// Level-triggered: keep it queued so the next
				// wait call re-checks the condition.
				local.PushBack(it)
				it.onList = true
			}
		}
	})

	if n > 0 {
		return n, nil
	}
	return 0, err
}

// ReadEvents fills events with pending readiness events and returns the
// count. It never blocks.
func (ep *EventPoll) ReadEvents(events []Event) int {
	n, _ := ep.readEvents(events)
	return n
}

func (ep *EventPoll) readEvents(events []Event) (int, error) {
	i := 0
	return ep.CopyEvents(len(events), func(ev Event) error {
		events[i] = ev
		i++
		return nil
	})
}

// Wait blocks until at least one event is available, the timeout elapses or
// ctx is canceled, and returns the number of events written into events.
// Timeout expiry returns 0 with a nil error; a negative timeout means no
// timeout. Cancellation returns ErrInterrupted, unless events were already
// collected, in which case those are returned instead.
func (ep *EventPoll) Wait(ctx context.Context, events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, poll.ErrInvalid
	}

	// Try to read events and return right away if we got some or if the
	// caller requested a non-blocking wait.
	n, err := ep.readEvents(events)
	if n != 0 || err != nil || timeout == 0 {
		return n, err
	}

	e, ch := waiter.NewChannelEntry(nil)
	ep.blockedQ.EventRegister(&e, waiter.EventIn)
	defer ep.blockedQ.EventUnregister(&e)

	var timerC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timerC = t.C
	}

	// Try to read the events again until we succeed, time out or get
	// interrupted. The re-read after registration is what catches a
	// target that became ready before we started blocking.
	for {
		n, err = ep.readEvents(events)
		if n != 0 || err != nil {
			return n, err
		}

		select {
		case <-ch:
		case <-timerC:
			return 0, nil
		case <-ctx.Done():
			if n, _ := ep.readEvents(events); n != 0 {
				return n, nil
			}
			return 0, poll.ErrInterrupted
		}
	}
}

// Poll implements waiter.Pollable.Poll, which lets the instance itself be
// watched by another instance or by poll emulation. The instance is
// readable when its ready list is non-empty after a pruning pass that
// re-validates queued items without copying anything out.
func (ep *EventPoll) Poll(mask waiter.EventMask, pt *waiter.PollTable) waiter.EventMask {
	if pt != nil {
		pt.Wait(&ep.q)
	}
	if mask&waiter.EventIn == 0 {
		return 0
	}

	// The pruning pass reuses the scan machinery and can recurse into
	// nested instances, so it is bounded by the recursion guard. An
	// aborted or contended probe falls through to the raw check below;
	// stale entries then simply survive until the next delivery.
	readyWalkNests.call(ep, func() {
		ep.pruneReadyList()
	})

	var ready waiter.EventMask
	ep.listsMu.Lock()
	if !ep.ready.Empty() {
		ready = waiter.EventIn & mask
	}
	ep.listsMu.Unlock()
	return ready
}

// pruneReadyList drops stale items from the ready list, keeping only those
// whose targets still report readiness. It must never wait for the sleep
// lock: with instance cycles, blocking here is a deadlock.
func (ep *EventPoll) pruneReadyList() {
	if !ep.mu.TryLock() {
		// A control operation or delivery scan owns the instance; its
		// outcome supersedes this pruning.
		return
	}
	defer ep.mu.Unlock()

	if ep.closed {
		return
	}
	ep.scan(func(local *watchItemList) {
		remaining := local.Len()
		for remaining > 0 {
			it := local.Front()
			local.Remove(it)
			it.onList = false
			remaining--

			mask := it.eventMask()
			if mask == 0 {
				continue
			}
			if it.id.Target.Poll(mask, nil)&mask != 0 {
				local.PushBack(it)
				it.onList = true
			}
		}
	})
}

// Readiness implements waiter.Waitable.Readiness.
func (ep *EventPoll) Readiness(mask waiter.EventMask) waiter.EventMask {
	return ep.Poll(mask, nil)
}

// EventRegister implements waiter.Waitable.EventRegister.
func (ep *EventPoll) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	ep.q.EventRegister(e, mask)
}

// EventUnregister implements waiter.Waitable.EventUnregister.
func (ep *EventPoll) EventUnregister(e *waiter.Entry) {
	ep.q.EventUnregister(e)
}

// Close tears the instance down: every watch is detached and freed, blocked
// waiters are woken, and further operations fail with ErrBadHandle. Close
// is idempotent.
func (ep *EventPoll) Close() error {
	teardownMu.Lock()
	defer teardownMu.Unlock()

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	for _, it := range ep.interest.all() {
		ep.removeItemLocked(it)
	}
	ep.closed = true
	ep.mu.Unlock()

	ep.blockedQ.Notify(waiter.AllEvents())
	// Hang-up pollers of the instance through the guard, like any other
	// poller notification.
	wakeNests.call(&ep.q, func() {
		ep.q.Notify(waiter.EventHUp | waiter.EventIn)
	})
	return nil
}
