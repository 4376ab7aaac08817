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

//go:build linux

// Package fdnotifier exposes host file descriptors as pollable targets. A
// background goroutine owns one host epoll instance and forwards readiness
// transitions into each FD's wait queue, from where the engine's poll hooks
// pick them up.
package fdnotifier

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"evpoll.dev/evpoll/pkg/eventpoll"
	"evpoll.dev/evpoll/pkg/log"
	"evpoll.dev/evpoll/pkg/waiter"
)

type notifier struct {
	epFD int

	mu  sync.Mutex
	fds map[int32]*FD
}

var shared struct {
	once sync.Once
	n    *notifier
	err  error
}

func sharedNotifier() (*notifier, error) {
	shared.once.Do(func() {
		shared.n, shared.err = newNotifier()
	})
	return shared.n, shared.err
}

func newNotifier() (*notifier, error) {
	epFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	n := &notifier{
		epFD: epFD,
		fds:  make(map[int32]*FD),
	}
	go n.waitAndNotify()
	return n, nil
}

// FD is a host file descriptor usable as a watch target. It embeds
// eventpoll.TargetState, so closing it evicts its watches from every
// instance.
type FD struct {
	eventpoll.TargetState

	fd    int32
	queue waiter.Queue
}

// NewFD registers fd with the shared notifier and returns it as a pollable
// target. The descriptor should be non-blocking; the caller keeps ownership
// of it.
func NewFD(fd int32) (*FD, error) {
	n, err := sharedNotifier()
	if err != nil {
		return nil, err
	}
	f := &FD{fd: fd}
	if err := n.add(f); err != nil {
		return nil, err
	}
	return f, nil
}

// HostFD returns the underlying host descriptor.
func (f *FD) HostFD() int32 {
	return f.fd
}

// Poll implements waiter.Pollable.Poll.
func (f *FD) Poll(mask waiter.EventMask, pt *waiter.PollTable) waiter.EventMask {
	if pt != nil {
		pt.Wait(&f.queue)
	}
	return nonBlockingPoll(f.fd, mask)
}

// Close deregisters the FD from the notifier and evicts every watch on it.
// It does not close the underlying host descriptor.
func (f *FD) Close() error {
	n, err := sharedNotifier()
	if err != nil {
		return err
	}
	n.remove(f)
	f.Release()
	return nil
}

func (n *notifier) add(f *FD) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.fds[f.fd]; ok {
		return unix.EEXIST
	}
	// Edge-triggered on the host side: the waitAndNotify goroutine only
	// needs transitions, targets are re-validated via nonBlockingPoll at
	// delivery time.
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLPRI | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     f.fd,
	}
	if err := unix.EpollCtl(n.epFD, unix.EPOLL_CTL_ADD, int(f.fd), &ev); err != nil {
		return err
	}
	n.fds[f.fd] = f
	return nil
}

func (n *notifier) remove(f *FD) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fds[f.fd] == f {
		delete(n.fds, f.fd)
		unix.EpollCtl(n.epFD, unix.EPOLL_CTL_DEL, int(f.fd), nil)
	}
}

func (n *notifier) waitAndNotify() {
	logger := log.BasicRateLimitedLogger(5 * time.Second)
	var events [128]unix.EpollEvent
	for {
		count, err := unix.EpollWait(n.epFD, events[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			logger.Errorf("host epoll_wait: %v", err)
			return
		}
		for i := 0; i < count; i++ {
			n.mu.Lock()
			f := n.fds[events[i].Fd]
			n.mu.Unlock()
			if f != nil {
				f.queue.Notify(waiter.EventMask(events[i].Events))
			}
		}
	}
}

// nonBlockingPoll polls fd just to query its current state.
func nonBlockingPoll(fd int32, mask waiter.EventMask) waiter.EventMask {
	for {
		pfd := []unix.PollFd{{
			Fd:     fd,
			Events: int16(mask),
		}}
		n, err := unix.Poll(pfd, 0)
		if err == unix.EINTR {
			continue
		}
		// On error conservatively report the FD ready for whatever was
		// asked; the caller's next actual I/O surfaces the problem.
		if err != nil {
			return mask
		}
		if n == 0 {
			return 0
		}
		return waiter.EventMask(uint16(pfd[0].Revents))
	}
}
