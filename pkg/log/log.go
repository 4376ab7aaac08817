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

// Package log is the project's logging facade. The engine hot paths never
// log; supporting components (host-FD notifier, CLI) log through here.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the interface of the leveled loggers handed out by this
// package.
type Logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warningf(format string, v ...any)
	Errorf(format string, v ...any)
}

var std = logrus.New()

// Log returns the default logger.
func Log() Logger {
	return std
}

// WithField returns a logger that attaches key=value to every message.
func WithField(key string, value any) Logger {
	return std.WithField(key, value)
}

// SetOutput redirects the default logger.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

// SetDebug toggles debug-level logging on the default logger.
func SetDebug(enable bool) {
	if enable {
		std.SetLevel(logrus.DebugLevel)
	} else {
		std.SetLevel(logrus.InfoLevel)
	}
}

// Debugf logs a debug message to the default logger.
func Debugf(format string, v ...any) {
	std.Debugf(format, v...)
}

// Infof logs an info message to the default logger.
func Infof(format string, v ...any) {
	std.Infof(format, v...)
}

// Warningf logs a warning to the default logger.
func Warningf(format string, v ...any) {
	std.Warningf(format, v...)
}

// Errorf logs an error to the default logger.
func Errorf(format string, v ...any) {
	std.Errorf(format, v...)
}
