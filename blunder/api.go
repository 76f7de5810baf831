// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// Engine errors come in two shapes: a raw platform errno, or a generic I/O-style
// error classified by Kind. Both are carried as values on a merry error so callers
// still see the plain Go error interface:
//
//   errno: merry.Value(e, "errno").(int)
//   kind:  merry.Value(e, "kind").(Kind)
//
// Errno() collapses either shape into the syscall.Errno handed back to the kernel.
package blunder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"
)

// Kind classifies a generic I/O error that does not carry a raw errno.
type Kind int

const (
	NotFound Kind = iota + 1
	PermissionDenied
	ConnectionRefused
	ConnectionReset
	HostUnreachable
	NetworkUnreachable
	ConnectionAborted
	NotConnected
	AddrInUse
	AddrNotAvailable
	NetworkDown
	BrokenPipe
	AlreadyExists
	WouldBlock
	NotADirectory
	IsADirectory
	DirectoryNotEmpty
	ReadOnlyFilesystem
	StaleNetworkFileHandle
	InvalidInput
	TimedOut
	StorageFull
	NotSeekable
	FileTooLarge
	ResourceBusy
	Deadlock
	TooManyLinks
	ArgumentListTooLong
	Interrupted
	Unsupported
	OutOfMemory

	// Kinds below have no errno of their own and translate to EINVAL

	InvalidData
	UnexpectedEOF
	WriteZero
	Other
)

const (
	errnoKey = "errno"
	kindKey  = "kind"
)

var kindErrnoTable = map[Kind]syscall.Errno{
	NotFound:               unix.ENOENT,
	PermissionDenied:       unix.EACCES,
	ConnectionRefused:      unix.ECONNREFUSED,
	ConnectionReset:        unix.ECONNRESET,
	HostUnreachable:        unix.EHOSTUNREACH,
	NetworkUnreachable:     unix.ENETUNREACH,
	ConnectionAborted:      unix.ECONNABORTED,
	NotConnected:           unix.ENOTCONN,
	AddrInUse:              unix.EADDRINUSE,
	AddrNotAvailable:       unix.EADDRNOTAVAIL,
	NetworkDown:            unix.ENETDOWN,
	BrokenPipe:             unix.EPIPE,
	AlreadyExists:          unix.EEXIST,
	WouldBlock:             unix.EWOULDBLOCK,
	NotADirectory:          unix.ENOTDIR,
	IsADirectory:           unix.EISDIR,
	DirectoryNotEmpty:      unix.ENOTEMPTY,
	ReadOnlyFilesystem:     unix.EROFS,
	StaleNetworkFileHandle: unix.ESTALE,
	InvalidInput:           unix.EINVAL,
	TimedOut:               unix.ETIMEDOUT,
	StorageFull:            unix.ENOSPC,
	NotSeekable:            unix.ESPIPE,
	FileTooLarge:           unix.EFBIG,
	ResourceBusy:           unix.EBUSY,
	Deadlock:               unix.EDEADLK,
	TooManyLinks:           unix.EMLINK,
	ArgumentListTooLong:    unix.E2BIG,
	Interrupted:            unix.EINTR,
	Unsupported:            unix.EOPNOTSUPP,
	OutOfMemory:            unix.ENOMEM,
}

var kindNames = map[Kind]string{
	NotFound:               "NotFound",
	PermissionDenied:       "PermissionDenied",
	ConnectionRefused:      "ConnectionRefused",
	ConnectionReset:        "ConnectionReset",
	HostUnreachable:        "HostUnreachable",
	NetworkUnreachable:     "NetworkUnreachable",
	ConnectionAborted:      "ConnectionAborted",
	NotConnected:           "NotConnected",
	AddrInUse:              "AddrInUse",
	AddrNotAvailable:       "AddrNotAvailable",
	NetworkDown:            "NetworkDown",
	BrokenPipe:             "BrokenPipe",
	AlreadyExists:          "AlreadyExists",
	WouldBlock:             "WouldBlock",
	NotADirectory:          "NotADirectory",
	IsADirectory:           "IsADirectory",
	DirectoryNotEmpty:      "DirectoryNotEmpty",
	ReadOnlyFilesystem:     "ReadOnlyFilesystem",
	StaleNetworkFileHandle: "StaleNetworkFileHandle",
	InvalidInput:           "InvalidInput",
	TimedOut:               "TimedOut",
	StorageFull:            "StorageFull",
	NotSeekable:            "NotSeekable",
	FileTooLarge:           "FileTooLarge",
	ResourceBusy:           "ResourceBusy",
	Deadlock:               "Deadlock",
	TooManyLinks:           "TooManyLinks",
	ArgumentListTooLong:    "ArgumentListTooLong",
	Interrupted:            "Interrupted",
	Unsupported:            "Unsupported",
	OutOfMemory:            "OutOfMemory",
	InvalidData:            "InvalidData",
	UnexpectedEOF:          "UnexpectedEOF",
	WriteZero:              "WriteZero",
	Other:                  "Other",
}

func (kind Kind) String() string {
	name, ok := kindNames[kind]
	if ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(kind))
}

// NewError creates a new merry error carrying a raw errno.
func NewError(errno syscall.Errno, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue(errnoKey, int(errno))
}

// NewKindError creates a new merry error carrying an I/O error Kind.
func NewKindError(kind Kind, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue(kindKey, kind)
}

// FromOSError classifies an error returned by package os/io into one of the two shapes.
func FromOSError(e error) error {
	var (
		errno    syscall.Errno
		pathErr  *os.PathError
		linkErr  *os.LinkError
		sysErr   *os.SyscallError
		hasErrno bool
	)

	if nil == e {
		return nil
	}

	switch {
	case errors.As(e, &pathErr):
		errno, hasErrno = pathErr.Err.(syscall.Errno)
	case errors.As(e, &linkErr):
		errno, hasErrno = linkErr.Err.(syscall.Errno)
	case errors.As(e, &sysErr):
		errno, hasErrno = sysErr.Err.(syscall.Errno)
	default:
		hasErrno = errors.As(e, &errno)
	}

	if hasErrno {
		switch errno {
		case unix.ENOENT:
			return merry.WrapSkipping(e, 1).WithValue(kindKey, NotFound)
		case unix.EACCES, unix.EPERM:
			return merry.WrapSkipping(e, 1).WithValue(kindKey, PermissionDenied)
		case unix.EEXIST:
			return merry.WrapSkipping(e, 1).WithValue(kindKey, AlreadyExists)
		default:
			return merry.WrapSkipping(e, 1).WithValue(errnoKey, int(errno))
		}
	}

	switch {
	case errors.Is(e, os.ErrNotExist):
		return merry.WrapSkipping(e, 1).WithValue(kindKey, NotFound)
	case errors.Is(e, os.ErrPermission):
		return merry.WrapSkipping(e, 1).WithValue(kindKey, PermissionDenied)
	case errors.Is(e, os.ErrExist):
		return merry.WrapSkipping(e, 1).WithValue(kindKey, AlreadyExists)
	case errors.Is(e, io.ErrUnexpectedEOF):
		return merry.WrapSkipping(e, 1).WithValue(kindKey, UnexpectedEOF)
	case errors.Is(e, io.ErrShortWrite):
		return merry.WrapSkipping(e, 1).WithValue(kindKey, WriteZero)
	default:
		return merry.WrapSkipping(e, 1).WithValue(kindKey, Other)
	}
}

// RawErrno returns the raw errno carried by e, if any.
func RawErrno(e error) (errno syscall.Errno, ok bool) {
	if nil == e {
		return
	}
	value, ok := merry.Value(e, errnoKey).(int)
	if ok {
		errno = syscall.Errno(value)
	}
	return
}

// KindOf returns the Kind carried by e, if any.
func KindOf(e error) (kind Kind, ok bool) {
	if nil == e {
		return
	}
	kind, ok = merry.Value(e, kindKey).(Kind)
	return
}

// Errno translates e into the errno returned to the kernel.
//
// A raw errno passes through unchanged. A Kind goes through the fixed kind table.
// Anything else (a Kind outside the table, or an error of neither shape) is EINVAL.
// A nil error is 0.
func Errno(e error) syscall.Errno {
	if nil == e {
		return 0
	}

	if errno, ok := RawErrno(e); ok {
		return errno
	}

	if kind, ok := KindOf(e); ok {
		if errno, ok := kindErrnoTable[kind]; ok {
			return errno
		}
	}

	return unix.EINVAL
}

// Is checks whether e translates to errno.
//
// NOTE: Because the translated errno is compared, a Kind and a raw errno that
//       translate to the same value are indistinguishable here.
func Is(e error, errno syscall.Errno) bool {
	return (nil != e) && (Errno(e) == errno)
}

// SourceLine returns "file:line" of the code that generated the error,
// or an empty string if e has no stacktrace.
func SourceLine(e error) string {
	return merry.SourceLine(e)
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}
