// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2ioctl

import (
	"unsafe"

	"github.com/NVIDIA/cstruct"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fuse/blunder"
)

// Decode validates buf as the payload of cmd and unpacks it into a freshly allocated
// struct (e.g. *IocPFS for CmdPFSGet). buf itself is never modified.
//
// Administrative commands carry no decodable payload and, like unknown commands,
// fail with EINVAL here; callers reject them before decoding.
func Decode(cmd uint32, buf []byte) (payload interface{}, err error) {
	command, ok := commandMap[cmd]
	if !ok || (nil == command.newPayload) {
		err = blunder.NewError(unix.EINVAL, "no payload decoder for command %s", CommandName(cmd))
		return
	}

	if uint64(len(buf)) < command.size {
		err = blunder.NewError(unix.EINVAL, "%s payload is %d bytes, need %d", command.name, len(buf), command.size)
		return
	}

	if 0 != (uintptr(unsafe.Pointer(&buf[0])) % command.alignment) {
		err = blunder.NewError(unix.EINVAL, "%s payload at %p is not %d byte aligned", command.name, &buf[0], command.alignment)
		return
	}

	payload = command.newPayload()

	_, err = cstruct.Unpack(buf[:command.size], payload, cstruct.LittleEndian)
	if nil != err {
		err = blunder.NewError(unix.EINVAL, "%s payload unpack failed: %v", command.name, err)
		payload = nil
	}

	return
}

// Encode packs payload (a pointer to one of the Ioc* structs) into its memory image
func Encode(payload interface{}) (buf []byte, err error) {
	buf, err = cstruct.Pack(payload, cstruct.LittleEndian)
	if nil != err {
		err = blunder.NewError(unix.EINVAL, "pack of %T failed: %v", payload, err)
	}
	return
}

// AlignedBuffer returns a zeroed size byte buffer whose first byte is 8 byte aligned
func AlignedBuffer(size uint64) []byte {
	words := make([]uint64, (size+7)/8)
	if 0 == len(words) {
		return []byte{}
	}
	return (*[1 << 30]byte)(unsafe.Pointer(&words[0]))[:size:size]
}
