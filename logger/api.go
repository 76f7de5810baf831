// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is currently implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package, calling function and goroutine to all logs.
//
// Trace logs are gated by the numeric [Logging]Verbosity: nothing is traced at
// Verbosity <= 0, operation entry/exit is traced at Verbosity >= 1 and raw
// request detail at Verbosity >= 2 (see TraceDetailEnabled).
package logger

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/h2fuse/utils"
)

type Level int

// Our logging levels
//
// We have one more level than logrus (TraceLevel), so our levels are mapped
// before calling logrus APIs.
const (
	// PanicLevel corresponds to logrus.PanicLevel
	PanicLevel Level = iota
	// FatalLevel corresponds to logrus.FatalLevel; Logrus will log and then call the exit handler
	FatalLevel
	// ErrorLevel corresponds to logrus.ErrorLevel
	ErrorLevel
	// WarnLevel corresponds to logrus.WarnLevel
	WarnLevel
	// InfoLevel corresponds to logrus.InfoLevel
	InfoLevel
	// TraceLevel is used to trace operations through the adapter; logged at logrus.InfoLevel when enabled
	TraceLevel
)

// Log fields supported by logger:
const (
	packageKey  string = "package"
	functionKey string = "function"
	errorKey    string = "error"
	gidKey      string = "goroutine"
)

var (
	verbosityLock sync.RWMutex
	verbosity     int64
)

// SetVerbosity changes the trace verbosity ([Logging]Verbosity).
func SetVerbosity(newVerbosity int64) {
	verbosityLock.Lock()
	verbosity = newVerbosity
	verbosityLock.Unlock()
}

// Verbosity returns the current trace verbosity.
func Verbosity() (currentVerbosity int64) {
	verbosityLock.RLock()
	currentVerbosity = verbosity
	verbosityLock.RUnlock()
	return
}

// TraceEnabled reports whether operation entry/exit tracing is on.
func TraceEnabled() bool {
	return Verbosity() > 0
}

// TraceDetailEnabled reports whether raw request detail is traced as well.
func TraceDetailEnabled() bool {
	return Verbosity() > 1
}

// FuncCtx saves the fields common to the log calls made within one function
// so package and function are only extracted once.
type FuncCtx struct {
	funcContext *log.Entry
}

func newLogEntry(level int) *log.Entry {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	return log.WithFields(fields)
}

func newFuncCtx(level int) (ctx *FuncCtx) {
	ctx = &FuncCtx{funcContext: newLogEntry(level + 1)}
	return
}

func newFuncCtxWithField(level int, key string, value interface{}) (ctx *FuncCtx) {
	ctx = &FuncCtx{funcContext: newLogEntry(level + 1).WithField(key, value)}
	return
}

var backtraceOneLevel int = 1

func logEnabled(level Level) bool {
	if (level == TraceLevel) && !TraceEnabled() {
		return false
	}
	return true
}

func Errorf(format string, args ...interface{}) {
	level := ErrorLevel
	if !logEnabled(level) {
		return
	}
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...interface{}) {
	level := FatalLevel
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func Infof(format string, args ...interface{}) {
	level := InfoLevel
	if !logEnabled(level) {
		return
	}
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) {
	level := TraceLevel
	if !logEnabled(level) {
		return
	}
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	level := WarnLevel
	if !logEnabled(level) {
		return
	}
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	level := ErrorLevel
	if !logEnabled(level) {
		return
	}
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func FatalfWithError(err error, format string, args ...interface{}) {
	level := FatalLevel
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func InfofWithError(err error, format string, args ...interface{}) {
	level := InfoLevel
	if !logEnabled(level) {
		return
	}
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func WarnfWithError(err error, format string, args ...interface{}) {
	level := WarnLevel
	if !logEnabled(level) {
		return
	}
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, fmt.Sprintf(format, args...))
}

// TraceEnter generates a function entry trace and returns the context TraceExit*() reuses.
func TraceEnter(argsPrefix string, args ...interface{}) (ctx FuncCtx) {
	level := TraceLevel
	if !logEnabled(level) {
		return
	}

	ctx.funcContext = newLogEntry(backtraceOneLevel)

	ctx.traceInternal(">> called", argsPrefix, args...)

	return
}

// TraceExit generates a function exit trace with the provided parameters, and using
// the package and function set in FuncCtx (if set).
//
// The implementation of this function assumes that it will be called deferred.
// This assumption only matters in the case where this API is called without having
// called TraceEnter first, since that is the only case where this function will
// attempt to determine the calling function.
func (ctx *FuncCtx) TraceExit(argsPrefix string, args ...interface{}) {
	level := TraceLevel
	if !logEnabled(level) {
		return
	}

	if nil == ctx.funcContext {
		ctx.funcContext = newLogEntry(2)
	}

	ctx.traceInternal("<< returning", argsPrefix, args...)
}

// TraceExitErr is TraceExit with err attached as a field.
func (ctx *FuncCtx) TraceExitErr(argsPrefix string, err error, args ...interface{}) {
	level := TraceLevel
	if !logEnabled(level) {
		return
	}

	if nil == ctx.funcContext {
		ctx.funcContext = newLogEntry(2)
	}

	// The context we were called with may be reused, so the error field goes on a copy
	newCtx := FuncCtx{funcContext: ctx.funcContext.WithField(errorKey, err)}

	newCtx.traceInternal("<< returning", argsPrefix, args...)
}

func (ctx *FuncCtx) traceInternal(formatPrefix string, argsPrefix string, args ...interface{}) {
	format := formatPrefix + " %s"
	for range args {
		format += " %+v"
	}

	ctx.log(TraceLevel, fmt.Sprintf(format, append([]interface{}{argsPrefix}, args...)...))
}

// log is our equivalent to logrus.entry.go's log function.
//
// Following the example of logrus.entry.go's equivalent function, "this function
// is not declared with a pointer value because otherwise race conditions will
// occur when using multiple goroutines"
func (ctx FuncCtx) log(level Level, args ...interface{}) {
	switch level {
	case PanicLevel:
		ctx.funcContext.Panic(args...)
	case FatalLevel:
		ctx.funcContext.Fatal(args...)
	case ErrorLevel:
		ctx.funcContext.Error(args...)
	case WarnLevel:
		ctx.funcContext.Warn(args...)
	case TraceLevel:
		ctx.funcContext.Info(args...)
	case InfoLevel:
		ctx.funcContext.Info(args...)
	}
}
