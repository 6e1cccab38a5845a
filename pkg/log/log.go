// Copyright 2024 The KushOS Authors.
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

// Package log provides the kernel console: a leveled logger dispatching to
// pluggable emitters. The VM core traces page-table and map mutations at
// Debug; invariant violations panic through the caller, not through here.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the log level.
type Level uint32

// The set of levels, most severe first.
const (
	// Warning indicates a problem the kernel can continue past.
	Warning Level = iota
	// Info is general operational logging.
	Info
	// Debug traces individual VM operations; very chatty.
	Debug
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Info:
		return "info"
	case Debug:
		return "debug"
	default:
		return fmt.Sprintf("invalid level: %d", l)
	}
}

// Emitter is the final destination for log lines.
type Emitter interface {
	// Emit emits the given log statement. depth is the depth at which to
	// capture the caller's file and line, relative to Emit's caller.
	Emit(depth int, level Level, timestamp time.Time, format string, v ...any)
}

// Writer writes to an output stream, serializing and swallowing errors so a
// dead console can never take the kernel down with it.
type Writer struct {
	// Next is the underlying stream.
	Next io.Writer

	// mu protects Next.
	mu sync.Mutex

	// errors counts write errors, for diagnostics only.
	errors int32
}

// Write implements io.Writer.
func (l *Writer) Write(data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.Next.Write(data)
	if err != nil {
		atomic.AddInt32(&l.errors, 1)
	}
	// Whatever happened, the caller has no recourse.
	return n, nil
}

// Emit emits the message as plain text.
func (l *Writer) Emit(_ int, _ Level, _ time.Time, format string, args ...any) {
	fmt.Fprintf(l, format, args...)
}

// TextEmitter logs messages as prefixed, timestamped lines.
type TextEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e TextEmitter) Emit(_ int, level Level, timestamp time.Time, format string, args ...any) {
	var prefix byte
	switch level {
	case Warning:
		prefix = 'W'
	case Info:
		prefix = 'I'
	default:
		prefix = 'D'
	}
	fmt.Fprintf(e.Writer, "%c %s kvm] %s\n",
		prefix, timestamp.Format("15:04:05.000000"), fmt.Sprintf(format, args...))
}

// Logger is a high-level logging interface.
type Logger interface {
	// Debugf logs a debug statement.
	Debugf(format string, v ...any)
	// Infof logs an informational statement.
	Infof(format string, v ...any)
	// Warningf logs a warning.
	Warningf(format string, v ...any)
	// IsLogging returns true if the given level would be emitted.
	IsLogging(level Level) bool
}

// BasicLogger is the standard logger: a level gate in front of an emitter.
type BasicLogger struct {
	Level
	Emitter
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	l.DebugfAtDepth(1, format, v...)
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	l.InfofAtDepth(1, format, v...)
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	l.WarningfAtDepth(1, format, v...)
}

// DebugfAtDepth logs at a specific depth, for wrappers.
func (l *BasicLogger) DebugfAtDepth(depth int, format string, v ...any) {
	if l.IsLogging(Debug) {
		l.Emit(depth+1, Debug, time.Now(), format, v...)
	}
}

// InfofAtDepth logs at a specific depth, for wrappers.
func (l *BasicLogger) InfofAtDepth(depth int, format string, v ...any) {
	if l.IsLogging(Info) {
		l.Emit(depth+1, Info, time.Now(), format, v...)
	}
}

// WarningfAtDepth logs at a specific depth, for wrappers.
func (l *BasicLogger) WarningfAtDepth(depth int, format string, v ...any) {
	if l.IsLogging(Warning) {
		l.Emit(depth+1, Warning, time.Now(), format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return atomic.LoadUint32((*uint32)(&l.Level)) >= uint32(level)
}

// SetLevel sets the logging level.
func (l *BasicLogger) SetLevel(level Level) {
	atomic.StoreUint32((*uint32)(&l.Level), uint32(level))
}

// logMu protects the global log target against racing SetTarget calls.
var logMu sync.Mutex

// log is the default BasicLogger.
var log atomic.Pointer[BasicLogger]

// Log retrieves the global logger.
func Log() *BasicLogger {
	if l := log.Load(); l != nil {
		return l
	}
	logMu.Lock()
	defer logMu.Unlock()
	if l := log.Load(); l != nil {
		return l
	}
	l := &BasicLogger{Level: Info, Emitter: TextEmitter{Writer: &Writer{Next: os.Stderr}}}
	log.Store(l)
	return l
}

// SetTarget sets the log emitter for the global logger.
func SetTarget(target Emitter) {
	// Log takes logMu itself when no logger exists yet; create it first.
	Log()
	logMu.Lock()
	defer logMu.Unlock()
	log.Store(&BasicLogger{Level: log.Load().Level, Emitter: target})
}

// SetLevel sets the level for the global logger.
func SetLevel(newLevel Level) {
	Log().SetLevel(newLevel)
}

// Debugf logs to the global logger.
func Debugf(format string, v ...any) {
	Log().DebugfAtDepth(1, format, v...)
}

// Infof logs to the global logger.
func Infof(format string, v ...any) {
	Log().InfofAtDepth(1, format, v...)
}

// Warningf logs to the global logger.
func Warningf(format string, v ...any) {
	Log().WarningfAtDepth(1, format, v...)
}

// IsLogging returns whether the global logger emits the given level.
func IsLogging(level Level) bool {
	return Log().IsLogging(level)
}
