// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package h2ioctl defines the HAMMER2 control channel: command numbers and the
// fixed-layout payload structs carried by each command.
//
// Payloads are the native (little endian) memory image of the C structs used by
// hammer2(8), including explicit padding fields, and are converted with
// github.com/NVIDIA/cstruct. Decode() refuses payloads that are too short or not
// aligned to the struct's natural alignment.
package h2ioctl

import (
	"bytes"
	"fmt"

	"github.com/NVIDIA/cstruct"
)

const (
	ioctlGroup    = uint32('h')
	iocInOut      = uint32(0xC0000000)
	iocParamMask  = uint32(0x1FFF)
	iocParamShift = 16
)

// iowr encodes a read/write command the BSD way: direction, parameter length, group and number
func iowr(nr uint32, size uint64) uint32 {
	return iocInOut | ((uint32(size) & iocParamMask) << iocParamShift) | (ioctlGroup << 8) | nr
}

const (
	NameMax      = 255
	MaxPathLen   = 1024
	MaxVolumes   = 64
	InodeMaxName = 256
)

// IocVersion is the VERSION_GET payload
type IocVersion struct {
	Version  int32
	Reserved [256]uint8
}

// IocPFS is the PFS_GET / PFS_LOOKUP payload
type IocPFS struct {
	NameKey      uint64 // super-root directory scan position (^uint64(0) means the mounted PFS)
	NameNext     uint64 // (PFS_GET only) key of the next PFS or ^uint64(0)
	PFSType      uint8
	PFSSubtype   uint8
	Reserved0012 uint8
	Reserved0013 uint8
	PFSFlags     uint32
	Reserved0018 uint64
	PFSFsid      [16]uint8
	PFSClid      [16]uint8
	Name         [NameMax + 1]uint8
}

// InodeMeta is the 256 byte hammer2_inode_meta
type InodeMeta struct {
	Version      uint16
	Reserved02   uint8
	PFSSubtype   uint8
	UFlags       uint32
	RMajor       uint32
	RMinor       uint32
	CTime        uint64
	MTime        uint64
	ATime        uint64
	BTime        uint64
	UID          [16]uint8
	GID          [16]uint8
	Type         uint8
	OpFlags      uint8
	CapFlags     uint16
	Mode         uint32
	Inum         uint64
	Size         uint64
	NLinks       uint64
	IParent      uint64
	NameKey      uint64
	NameLen      uint16
	NCopies      uint8
	CompAlgo     uint8
	Unused84     uint8
	CheckAlgo    uint8
	PFSNMasters  uint8
	PFSType      uint8
	PFSInum      uint64
	PFSClid      [16]uint8
	PFSFsid      [16]uint8
	DataQuota    uint64
	UnusedB8     uint64
	InodeQuota   uint64
	UnusedC8     uint64
	PFSLSnapTID  uint64
	ReservedD8   uint64
	DecryptCheck uint64
	ReservedE8   [3]uint64
}

// InodeData is the 1024 byte hammer2_inode_data
type InodeData struct {
	Meta     InodeMeta
	Filename [InodeMaxName]uint8
	U        [512]uint8 // blockset or embedded data
}

// IocInode is the INODE_GET payload
type IocInode struct {
	Flags      uint32
	Reserved04 uint32
	Unused     uint64 // pointer slot in the C struct
	DataCount  uint64
	InodeCount uint64
	IPData     InodeData
}

// IocVolume describes one member volume
type IocVolume struct {
	Path       [MaxPathLen]uint8
	ID         int32
	Reserved04 uint32
	Offset     uint64
	Size       uint64
}

// IocVolumeList is the legacy VOLUME_LIST payload (volumes live behind a pointer)
type IocVolumeList struct {
	Volumes  uint64
	NVolumes int32
	Version  int32
	PFSName  [InodeMaxName]uint8
}

// IocVolumeList2 is the VOLUME_LIST2 payload carrying the volumes inline
type IocVolumeList2 struct {
	Volumes  [MaxVolumes]IocVolume
	NVolumes int32
	Version  int32
	PFSName  [InodeMaxName]uint8
}

// IocCIDPrune is the CIDPRUNE payload
type IocCIDPrune struct {
	Flags      uint32
	Reserved04 uint32
	NCached    uint64 // chains cached before the prune
	NPruned    uint64 // chains dropped
}

// IocDebugDump is the DEBUG_DUMP payload (an int in hammer2(8))
type IocDebugDump struct {
	Flags uint32
}

// Struct sizes as laid out in memory by hammer2(8)
const (
	SizeIocVersion     = 260
	SizeIocPFS         = 320
	SizeInodeMeta      = 256
	SizeInodeData      = 1024
	SizeIocInode       = 1056
	SizeIocVolume      = 1048
	SizeIocVolumeList  = 272
	SizeIocVolumeList2 = 67336
	SizeIocCIDPrune    = 24
	SizeIocDebugDump   = 4

	// administrative payloads we only need the size of
	sizeIocBulkfree = 128
	sizeIocDestroy  = 272
	sizeIocEmerg    = 4
	sizeIocGrowFS   = 72
)

// Command numbers
var (
	CmdVersionGet   = iowr(64, SizeIocVersion)
	CmdPFSGet       = iowr(80, SizeIocPFS)
	CmdPFSCreate    = iowr(81, SizeIocPFS)
	CmdPFSDelete    = iowr(82, SizeIocPFS)
	CmdPFSLookup    = iowr(83, SizeIocPFS)
	CmdPFSSnapshot  = iowr(84, SizeIocPFS)
	CmdInodeGet     = iowr(86, SizeIocInode)
	CmdInodeSet     = iowr(87, SizeIocInode)
	CmdDebugDump    = iowr(91, SizeIocDebugDump)
	CmdBulkfreeScan = iowr(92, sizeIocBulkfree)
	CmdDestroy      = iowr(94, sizeIocDestroy)
	CmdEmergMode    = iowr(95, sizeIocEmerg)
	CmdGrowFS       = iowr(96, sizeIocGrowFS)
	CmdVolumeList   = iowr(97, SizeIocVolumeList)
	CmdVolumeList2  = iowr(98, SizeIocVolumeList2)
	CmdCIDPrune     = iowr(99, SizeIocCIDPrune)
)

type commandStruct struct {
	name           string
	administrative bool
	size           uint64
	alignment      uintptr
	newPayload     func() interface{}
}

var commandMap map[uint32]*commandStruct

func init() {
	commandMap = map[uint32]*commandStruct{
		CmdVersionGet:   {"VERSION_GET", false, SizeIocVersion, 4, func() interface{} { return &IocVersion{} }},
		CmdPFSGet:       {"PFS_GET", false, SizeIocPFS, 8, func() interface{} { return &IocPFS{} }},
		CmdPFSCreate:    {"PFS_CREATE", true, SizeIocPFS, 8, nil},
		CmdPFSDelete:    {"PFS_DELETE", true, SizeIocPFS, 8, nil},
		CmdPFSLookup:    {"PFS_LOOKUP", false, SizeIocPFS, 8, func() interface{} { return &IocPFS{} }},
		CmdPFSSnapshot:  {"PFS_SNAPSHOT", true, SizeIocPFS, 8, nil},
		CmdInodeGet:     {"INODE_GET", false, SizeIocInode, 8, func() interface{} { return &IocInode{} }},
		CmdInodeSet:     {"INODE_SET", true, SizeIocInode, 8, nil},
		CmdDebugDump:    {"DEBUG_DUMP", false, SizeIocDebugDump, 4, func() interface{} { return &IocDebugDump{} }},
		CmdBulkfreeScan: {"BULKFREE_SCAN", true, sizeIocBulkfree, 8, nil},
		CmdDestroy:      {"DESTROY", true, sizeIocDestroy, 8, nil},
		CmdEmergMode:    {"EMERG_MODE", true, sizeIocEmerg, 4, nil},
		CmdGrowFS:       {"GROWFS", true, sizeIocGrowFS, 8, nil},
		CmdVolumeList:   {"VOLUME_LIST", false, SizeIocVolumeList, 8, func() interface{} { return &IocVolumeList{} }},
		CmdVolumeList2:  {"VOLUME_LIST2", false, SizeIocVolumeList2, 8, func() interface{} { return &IocVolumeList2{} }},
		CmdCIDPrune:     {"CIDPRUNE", false, SizeIocCIDPrune, 8, func() interface{} { return &IocCIDPrune{} }},
	}
}

// IsKnown reports whether cmd is a recognized command (administrative or not)
func IsKnown(cmd uint32) (known bool) {
	_, known = commandMap[cmd]
	return
}

// IsAdministrative reports whether cmd mutates filesystem administrative state
func IsAdministrative(cmd uint32) bool {
	command, ok := commandMap[cmd]
	return ok && command.administrative
}

// CommandName returns the hammer2(8) name of cmd
func CommandName(cmd uint32) string {
	command, ok := commandMap[cmd]
	if !ok {
		return fmt.Sprintf("%#x", cmd)
	}
	return command.name
}

// PayloadSize returns the size of cmd's payload struct
func PayloadSize(cmd uint32) (size uint64, ok bool) {
	command, ok := commandMap[cmd]
	if ok {
		size = command.size
	}
	return
}

// Verify checks every Size* constant against the cstruct layout of its struct
func Verify() (err error) {
	for _, check := range []struct {
		obj  interface{}
		size uint64
	}{
		{IocVersion{}, SizeIocVersion},
		{IocPFS{}, SizeIocPFS},
		{InodeMeta{}, SizeInodeMeta},
		{InodeData{}, SizeInodeData},
		{IocInode{}, SizeIocInode},
		{IocVolume{}, SizeIocVolume},
		{IocVolumeList{}, SizeIocVolumeList},
		{IocVolumeList2{}, SizeIocVolumeList2},
		{IocCIDPrune{}, SizeIocCIDPrune},
		{IocDebugDump{}, SizeIocDebugDump},
	} {
		bytesNeeded, _, examineErr := cstruct.Examine(check.obj)
		if nil != examineErr {
			err = fmt.Errorf("cstruct.Examine(%T) failed: %v", check.obj, examineErr)
			return
		}
		if bytesNeeded != check.size {
			err = fmt.Errorf("%T is %d bytes, expected %d", check.obj, bytesNeeded, check.size)
			return
		}
	}

	return
}

// CopyName copies name into the NUL terminated fixed-size field dst, truncating if necessary
func CopyName(dst []uint8, name []byte) {
	for i := range dst {
		dst[i] = 0
	}
	if 0 == len(dst) {
		return
	}
	if len(name) >= len(dst) {
		name = name[:len(dst)-1]
	}
	copy(dst, name)
}

// Name returns the bytes of the NUL terminated fixed-size field src
func Name(src []uint8) []byte {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		return src[:i]
	}
	return src
}
