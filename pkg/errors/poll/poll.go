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

// Package poll contains the error taxonomy of the readiness-notification
// engine, exported as *errors.Error pointers. This allows for fast
// comparison and return operations comparable to unix.Errno constants while
// carrying descriptive messages.
package poll

import (
	"golang.org/x/sys/unix"

	"evpoll.dev/evpoll/pkg/errors"
)

// The errors are semantically identical to the corresponding unix.Errno
// values. Since the types are distinct (these are *errors.Error), they are
// not directly comparable to errno constants; use the Errno method where an
// errno number is needed (e.g. unix.Errno(poll.ErrExists.Errno()) ==
// unix.EEXIST is true).
var (
	// ErrNotFound indicates the (target, descriptor) pair is not
	// registered.
	ErrNotFound = errors.New(unix.ENOENT, "watch not found")

	// ErrExists indicates the (target, descriptor) pair is already
	// registered.
	ErrExists = errors.New(unix.EEXIST, "watch already exists")

	// ErrNoSpace indicates the owner's watch quota is exhausted.
	ErrNoSpace = errors.New(unix.ENOSPC, "watch quota exhausted")

	// ErrNoMemory indicates an allocation failure; the operation was fully
	// rolled back.
	ErrNoMemory = errors.New(unix.ENOMEM, "out of memory")

	// ErrInvalid indicates a bad handle, a self-watch, or a target that
	// cannot supply a readiness test.
	ErrInvalid = errors.New(unix.EINVAL, "invalid argument")

	// ErrInterrupted indicates a wait was interrupted before any event was
	// collected.
	ErrInterrupted = errors.New(unix.EINTR, "interrupted")

	// ErrFault indicates a failure copying events out to the caller.
	// Already-copied events are reported as success instead.
	ErrFault = errors.New(unix.EFAULT, "bad event buffer")

	// ErrBadHandle indicates an operation on a closed instance.
	ErrBadHandle = errors.New(unix.EBADF, "instance closed")
)
