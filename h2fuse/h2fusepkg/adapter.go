// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fusepkg

import (
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/fission"

	"github.com/NVIDIA/h2fuse/blunder"
	"github.com/NVIDIA/h2fuse/engine"
	"github.com/NVIDIA/h2fuse/h2ioctl"
	"github.com/NVIDIA/h2fuse/halter"
	"github.com/NVIDIA/h2fuse/logger"
)

// AdapterConfig carries the settings the Adapter consults while serving requests
type AdapterConfig struct {
	AttrTTL    time.Duration
	EntryTTL   time.Duration
	MaxWrite   uint32
	ReadOnly   bool
	Daemonized bool
	DumpWriter io.Writer // DEBUG_DUMP output (os.Stdout if nil)
}

// Adapter serves FUSE requests (see fission.go) and control channel commands
// against one mounted engine. Every request runs with the Adapter's Serializer held.
type Adapter struct {
	config         AdapterConfig
	engine         engine.Engine
	serializer     Serializer
	handles        *HandleTable
	enumerator     *DirectoryEnumerator
	dispatcher     *ControlDispatcher
	metrics        *metricsStruct
	attrValidSec   uint64
	attrValidNSec  uint32
	entryValidSec  uint64
	entryValidNSec uint32
	destroyed      bool
}

// NewAdapter wraps mountedEngine. The Adapter takes over responsibility for
// unmounting the engine (see Destroy()).
func NewAdapter(mountedEngine engine.Engine, config AdapterConfig) (adapter *Adapter) {
	if nil == config.DumpWriter {
		config.DumpWriter = os.Stdout
	}

	adapter = &Adapter{
		config:     config,
		engine:     mountedEngine,
		handles:    newHandleTable(mountedEngine),
		enumerator: newDirectoryEnumerator(mountedEngine),
		dispatcher: newControlDispatcher(mountedEngine, config.Daemonized, config.DumpWriter),
		metrics:    newMetrics(),
		destroyed:  false,
	}

	adapter.attrValidSec, adapter.attrValidNSec = nsToUnixTime(uint64(config.AttrTTL))
	adapter.entryValidSec, adapter.entryValidNSec = nsToUnixTime(uint64(config.EntryTTL))

	return
}

func nsToUnixTime(ns uint64) (sec uint64, nsec uint32) {
	sec = ns / 1e9
	nsec = uint32(ns - (sec * 1e9))
	return
}

// OpenCount returns the total number of outstanding opens
func (adapter *Adapter) OpenCount() uint64 {
	guard := adapter.serializer.Acquire()
	defer guard.Release()

	return adapter.handles.Count()
}

// OpenInodes returns the inode numbers currently open, in ascending order
func (adapter *Adapter) OpenInodes() []uint64 {
	guard := adapter.serializer.Acquire()
	defer guard.Release()

	return adapter.handles.Inodes()
}

// WithEngine runs fn with the Serializer held
func (adapter *Adapter) WithEngine(fn func(mountedEngine engine.Engine)) {
	guard := adapter.serializer.Acquire()
	defer guard.Release()

	fn(adapter.engine)
}

// Destroy tears down the engine. It is a fatal invariant violation to destroy
// while any file or directory is still open. Only the first call has any effect.
func (adapter *Adapter) Destroy() (err error) {
	guard := adapter.serializer.Acquire()
	defer guard.Release()

	err = adapter.destroy()

	return
}

func (adapter *Adapter) destroy() (err error) {
	if adapter.destroyed {
		return
	}

	if 0 != adapter.handles.Count() {
		halter.Halt(halter.DestroyWithOpenHandles, "%d open handle(s) on inode(s) %v", adapter.handles.Count(), adapter.handles.Inodes())
		err = blunder.NewKindError(blunder.ResourceBusy, "%d open handle(s) remain", adapter.handles.Count())
		return
	}

	err = adapter.engine.Unmount()
	if nil != err {
		return
	}

	adapter.destroyed = true

	return
}

// IoCtl runs one control channel command against inodeNumber through DoIoCtl,
// as if issued on an open handle of that inode.
func (adapter *Adapter) IoCtl(inodeNumber uint64, cmd uint32, payload []byte) (output []byte, err error) {
	inHeader := &fission.InHeader{
		NodeID: inodeNumber,
	}
	ioCtlIn := &fission.IoCtlIn{
		FH:      inodeNumber,
		Cmd:     cmd,
		InSize:  uint32(len(payload)),
		OutSize: uint32(len(payload)),
		InBuf:   payload,
	}

	output, errno := adapter.DoIoCtl(inHeader, ioCtlIn)
	if 0 != errno {
		err = blunder.NewError(errno, "%s against inode %d failed", h2ioctl.CommandName(cmd), inodeNumber)
	}

	return
}

// DoIoCtl is the FUSE_IOCTL entry point. The kernel passes the open handle of
// the inode the command was issued against.
func (adapter *Adapter) DoIoCtl(inHeader *fission.InHeader, ioCtlIn *fission.IoCtlIn) (ioCtlOut []byte, errno syscall.Errno) {
	var (
		err error
	)

	op := adapter.beginOp("DoIoCtl", inHeader, ioCtlIn.FH, ioCtlIn.Cmd, ioCtlIn.InSize, ioCtlIn.OutSize)
	defer func() {
		op.end(errno, len(ioCtlOut))
	}()

	errno = adapter.checkFH("DoIoCtl", inHeader.NodeID, ioCtlIn.FH)
	if 0 != errno {
		return
	}

	ioCtlOut, err = adapter.dispatcher.Dispatch(inHeader.NodeID, ioCtlIn.Cmd, ioCtlIn.InBuf)
	if nil != err {
		ioCtlOut = nil
		errno = op.fail(err)
		return
	}

	if uint32(len(ioCtlOut)) > ioCtlIn.OutSize {
		ioCtlOut = ioCtlOut[:ioCtlIn.OutSize]
	}

	errno = 0
	return
}

func (adapter *Adapter) checkFH(opName string, nodeID uint64, fh uint64) (errno syscall.Errno) {
	if fh != nodeID {
		halter.Halt(halter.HandleMismatch, "%s: file handle %d does not match inode %d", opName, fh, nodeID)
		errno = unix.EBADF
	}
	return
}

type opStruct struct {
	adapter *Adapter
	name    string
	ctx     logger.FuncCtx
	guard   *Guard
	err     error
}

// beginOp traces the request and acquires the Serializer; the caller defers op.end()
func (adapter *Adapter) beginOp(name string, inHeader *fission.InHeader, args ...interface{}) (op *opStruct) {
	op = &opStruct{
		adapter: adapter,
		name:    name,
	}

	op.ctx = logger.TraceEnter(name, args...)
	if (nil != inHeader) && logger.TraceDetailEnabled() {
		logger.Tracef("%s request %+v", name, *inHeader)
	}

	op.guard = adapter.serializer.Acquire()

	return
}

func (op *opStruct) end(errno syscall.Errno, results ...interface{}) {
	op.adapter.metrics.observe(op.name, errno)
	op.adapter.metrics.openHandles.Set(float64(op.adapter.handles.Count()))

	op.guard.Release()

	if nil == op.err {
		op.ctx.TraceExit(op.name, append(results, errno)...)
		return
	}

	if logger.TraceDetailEnabled() {
		logger.Tracef("%s failed at %s: %s", op.name, blunder.SourceLine(op.err), blunder.Details(op.err))
	}
	op.ctx.TraceExitErr(op.name, op.err, append(results, errno)...)
}

// fail records err for the exit trace and returns the errno replied with
func (op *opStruct) fail(err error) syscall.Errno {
	if nil == err {
		return 0
	}
	op.err = err
	return blunder.Errno(err)
}
