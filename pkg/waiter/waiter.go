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

// Package waiter provides the implementation of a wait queue, where waiters
// can be enqueued to be notified when an event of interest happens.
//
// Becoming readable and/or writable are examples of events. Waiters are
// expected to use a pattern similar to this to make a blocking function out
// of a non-blocking one:
//
//	func (o *object) blockingRead(...) error {
//		err := o.nonBlockingRead(...)
//		if err != ErrAgain {
//			// Completed with no need to wait!
//			return err
//		}
//
//		e, ch := waiter.NewChannelEntry(nil)
//		o.EventRegister(&e, waiter.EventIn)
//		defer o.EventUnregister(&e)
//
//		// We need to try to read again after registration because the
//		// object may have become readable between the last attempt to
//		// read and read registration.
//		err = o.nonBlockingRead(...)
//		for err == ErrAgain {
//			<-ch
//			err = o.nonBlockingRead(...)
//		}
//
//		return err
//	}
//
// Another goroutine needs to notify waiters when events happen. For example:
//
//	func (o *object) Write(...) ... {
//		// Do write work.
//		[...]
//
//		if oldDataAvailableSize == 0 && dataAvailableSize > 0 {
//			// If no data was available and now some data is
//			// available, the object became readable, so notify
//			// potential waiters about this.
//			o.Notify(waiter.EventIn)
//		}
//	}
package waiter

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// EventMask represents io events as used in the poll() syscall.
type EventMask uint64

// Events that waiters can wait on. The meaning is the same as those in the
// poll() syscall; the values match the host epoll event bits.
const (
	EventIn    EventMask = unix.EPOLLIN
	EventPri   EventMask = unix.EPOLLPRI
	EventOut   EventMask = unix.EPOLLOUT
	EventErr   EventMask = unix.EPOLLERR
	EventHUp   EventMask = unix.EPOLLHUP
	EventRdHUp EventMask = unix.EPOLLRDHUP

	allEvents EventMask = 0x3fff
)

// ReadableEvents is the set of events that indicate some form of readability.
const ReadableEvents = EventIn | EventRdHUp

// WritableEvents is the set of events that indicate writability.
const WritableEvents = EventOut

// AllEvents returns the complete event set.
func AllEvents() EventMask {
	return allEvents
}

// Waitable contains the methods that need to be implemented by waitable
// objects.
type Waitable interface {
	// Readiness returns what the object is currently ready for. If it's
	// not ready for a desired purpose, the caller may use EventRegister and
	// EventUnregister to get notifications once the object becomes ready.
	//
	// Implementations should allow for events like EventHUp and EventErr
	// to be returned regardless of whether they are in the input EventMask.
	Readiness(mask EventMask) EventMask

	// EventRegister registers the given waiter entry to receive
	// notifications when an event occurs that makes the object ready for
	// at least one of the events in mask.
	EventRegister(e *Entry, mask EventMask)

	// EventUnregister unregisters a waiter entry previously registered with
	// EventRegister().
	EventUnregister(e *Entry)
}

// EntryCallback provides a notify callback.
type EntryCallback interface {
	// NotifyEvent is the function to be called when the waiter entry is
	// notified. It is responsible for doing whatever is needed to wake up
	// the waiter.
	//
	// mask is the intersection of the entry's interest mask and the set of
	// events being notified, and is never zero.
	//
	// The callback is supposed to perform minimal work, and cannot call
	// any method on the queue itself because it will be locked while the
	// callback is running. It may run on goroutines that must not block,
	// so it must not block either.
	NotifyEvent(e *Entry, mask EventMask)
}

// Entry represents a waiter that can be added to a wait queue. It can only be
// in one queue at a time, and is added "intrusively" to the queue with no
// extra memory allocations.
type Entry struct {
	waiterEntry

	// Context stores any state the waiter may wish to store in the entry
	// itself, which may be used at wake up time.
	//
	// Note that use of this field is optional and state may alternatively
	// be stored in the callback itself.
	Context any

	// Callback is invoked when the entry is notified. A nil Callback makes
	// notifications of the entry no-ops.
	Callback EntryCallback

	// The following fields are protected by the queue lock.
	mask EventMask
}

type channelCallback struct {
	ch chan struct{}
}

// NotifyEvent implements EntryCallback.NotifyEvent.
func (c *channelCallback) NotifyEvent(*Entry, EventMask) {
	select {
	case c.ch <- struct{}{}:
	default:
	}
}

// NewChannelEntry initializes a new Entry that does a non-blocking write to a
// struct{} channel when the callback is called. It returns the new Entry
// instance and the channel being used.
//
// If a channel isn't specified (i.e., if "c" is nil), then NewChannelEntry
// allocates a new channel.
func NewChannelEntry(c chan struct{}) (Entry, chan struct{}) {
	if c == nil {
		c = make(chan struct{}, 1)
	}

	return Entry{Callback: &channelCallback{ch: c}}, c
}

type functionCallback struct {
	fn func(mask EventMask)
}

// NotifyEvent implements EntryCallback.NotifyEvent.
func (f *functionCallback) NotifyEvent(_ *Entry, mask EventMask) {
	f.fn(mask)
}

// NewFunctionEntry initializes a new Entry that invokes fn with the notified
// event mask when the entry is notified. fn runs with the queue lock held and
// must not block.
func NewFunctionEntry(fn func(mask EventMask)) Entry {
	return Entry{Callback: &functionCallback{fn: fn}}
}

// Queue represents the wait queue where waiters can be added and
// notifiers can notify them when events happen.
//
// The zero value for waiter.Queue is an empty queue ready for use.
type Queue struct {
	list  waiterList
	count atomic.Int64
	mu    sync.RWMutex
}

// EventRegister adds a waiter to the wait queue; the waiter will be notified
// when at least one of the events specified in mask happens.
func (q *Queue) EventRegister(e *Entry, mask EventMask) {
	q.mu.Lock()
	e.mask = mask
	q.list.PushBack(e)
	q.count.Add(1)
	q.mu.Unlock()
}

// EventUnregister removes the given waiter entry from the wait queue. The
// entry must be currently registered.
func (q *Queue) EventUnregister(e *Entry) {
	q.mu.Lock()
	q.list.Remove(e)
	q.count.Add(-1)
	q.mu.Unlock()
}

// Notify notifies all waiters in the queue whose masks have at least one bit
// in common with the notification mask.
func (q *Queue) Notify(mask EventMask) {
	q.mu.RLock()
	for e := q.list.Front(); e != nil; e = e.Next() {
		if m := mask & e.mask; m != 0 && e.Callback != nil {
			e.Callback.NotifyEvent(e, m)
		}
	}
	q.mu.RUnlock()
}

// NotifyOne notifies the first waiter in the queue whose mask has at least
// one bit in common with the notification mask.
func (q *Queue) NotifyOne(mask EventMask) {
	q.mu.RLock()
	for e := q.list.Front(); e != nil; e = e.Next() {
		if m := mask & e.mask; m != 0 && e.Callback != nil {
			e.Callback.NotifyEvent(e, m)
			break
		}
	}
	q.mu.RUnlock()
}

// Events returns the set of events being waited on. It is the union of the
// masks of all registered entries.
func (q *Queue) Events() EventMask {
	ret := EventMask(0)

	q.mu.RLock()
	for e := q.list.Front(); e != nil; e = e.Next() {
		ret |= e.mask
	}
	q.mu.RUnlock()

	return ret
}

// IsEmpty returns whether the wait queue is empty or not.
func (q *Queue) IsEmpty() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.list.Front() == nil
}

// Pending returns whether any waiter is registered, without taking the
// queue lock. It may race with concurrent registration; callers use it as a
// hint for skipping a notification that would find no waiters.
func (q *Queue) Pending() bool {
	return q.count.Load() != 0
}

// AlwaysReady implements the Waitable interface but is always ready.
// Embedding this struct into another struct makes it implement the
// boilerplate empty functions automatically.
type AlwaysReady struct {
}

// Readiness always returns the input mask because this object is always
// ready.
func (*AlwaysReady) Readiness(mask EventMask) EventMask {
	return mask
}

// EventRegister doesn't do anything because this object doesn't need to issue
// notifications because its readiness never changes.
func (*AlwaysReady) EventRegister(*Entry, EventMask) {
}

// EventUnregister doesn't do anything because this object doesn't need to
// issue notifications because its readiness never changes.
func (*AlwaysReady) EventUnregister(e *Entry) {
}
