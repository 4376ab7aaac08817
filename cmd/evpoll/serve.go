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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"evpoll.dev/evpoll/pkg/errors/poll"
	"evpoll.dev/evpoll/pkg/eventpoll"
	"evpoll.dev/evpoll/pkg/fdnotifier"
	"evpoll.dev/evpoll/pkg/log"
	"evpoll.dev/evpoll/pkg/waiter"
)

// serveCmd implements subcommands.Command for the "serve" command, a TCP
// echo server driven entirely by the notification engine.
type serveCmd struct {
	port  int
	debug bool
}

// Name implements subcommands.Command.Name.
func (*serveCmd) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*serveCmd) Synopsis() string {
	return "run a TCP echo server driven by the notification engine"
}

// Usage implements subcommands.Command.Usage.
func (*serveCmd) Usage() string {
	return `serve [flags] - run a TCP echo server driven by the notification engine
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.port, "port", 8929, "TCP port to listen on")
	f.BoolVar(&c.debug, "debug", false, "enable debug logging")
}

// Execute implements subcommands.Command.Execute.
func (c *serveCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	log.SetDebug(c.debug)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := serve(ctx, c.port); err != nil {
		log.Errorf("serve: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// conn is one accepted connection registered with the engine.
type conn struct {
	fd   int32
	file *fdnotifier.FD
}

func serve(ctx context.Context, port int) error {
	lfd, err := listenSocket(port)
	if err != nil {
		return err
	}
	defer unix.Close(lfd)

	lfile, err := fdnotifier.NewFD(int32(lfd))
	if err != nil {
		return err
	}
	defer lfile.Close()

	ep := eventpoll.New(nil)
	defer ep.Close()

	listenID := eventpoll.FileIdentifier{Target: lfile, Num: int32(lfd)}
	if err := ep.AddEntry(listenID, 0, waiter.ReadableEvents, uint64(lfd)); err != nil {
		return err
	}

	log.Infof("listening on :%d", port)

	conns := make(map[uint64]*conn)
	defer func() {
		for _, cn := range conns {
			cn.file.Close()
			unix.Close(int(cn.fd))
		}
	}()

	events := make([]eventpoll.Event, 64)
	for {
		n, err := ep.Wait(ctx, events, -1)
		if err == poll.ErrInterrupted {
			log.Infof("shutting down")
			return nil
		}
		if err != nil {
			return err
		}

		for _, ev := range events[:n] {
			if ev.Data == uint64(lfd) {
				acceptAll(ep, lfd, conns)
				continue
			}
			cn := conns[ev.Data]
			if cn == nil {
				continue
			}
			if !echo(cn, ev.Events) {
				ep.RemoveEntry(eventpoll.FileIdentifier{Target: cn.file, Num: cn.fd})
				cn.file.Close()
				unix.Close(int(cn.fd))
				delete(conns, ev.Data)
				log.Debugf("closed fd %d", cn.fd)
			}
		}
	}
}

func listenSocket(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// acceptAll drains the listening socket. The listen watch is level
// triggered, so a connection left unaccepted here is re-reported by the next
// wait.
func acceptAll(ep *eventpoll.EventPoll, lfd int, conns map[uint64]*conn) {
	for {
		nfd, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			log.Warningf("accept: %v", err)
			return
		}
		file, err := fdnotifier.NewFD(int32(nfd))
		if err != nil {
			log.Warningf("register fd %d: %v", nfd, err)
			unix.Close(nfd)
			continue
		}
		cn := &conn{fd: int32(nfd), file: file}
		id := eventpoll.FileIdentifier{Target: file, Num: cn.fd}
		mask := waiter.ReadableEvents | waiter.EventHUp | waiter.EventErr
		if err := ep.AddEntry(id, 0, mask, uint64(nfd)); err != nil {
			log.Warningf("watch fd %d: %v", nfd, err)
			file.Close()
			unix.Close(nfd)
			continue
		}
		conns[uint64(nfd)] = cn
		log.Debugf("accepted fd %d", nfd)
	}
}

// echo copies whatever is readable back to the peer. It returns false when
// the connection should be torn down.
func echo(cn *conn, events waiter.EventMask) bool {
	if events&(waiter.EventHUp|waiter.EventErr) != 0 {
		return false
	}
	var buf [4096]byte
	for {
		n, err := unix.Read(int(cn.fd), buf[:])
		if err == unix.EAGAIN {
			return true
		}
		if err != nil || n == 0 {
			return false
		}
		for off := 0; off < n; {
			w, err := unix.Write(int(cn.fd), buf[off:n])
			if err == unix.EAGAIN {
				// The peer isn't draining; a real server would
				// buffer and watch for writability. Echo just
				// retries.
				continue
			}
			if err != nil {
				return false
			}
			off += w
		}
	}
}
