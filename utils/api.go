// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides miscellaneous utilities for h2fuse.
package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
)

var (
	fnNameRE  = regexp.MustCompile(`[^\/]*$`)
	pkgNameRE = regexp.MustCompile(`^[^.]*`)
	funcRE    = regexp.MustCompile(`[^.]*$`)
)

// GetGID returns the id of the calling goroutine.
//
// Logging the goroutine context is useful when debugging lock hand-offs between
// the FUSE reader goroutines.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	return StackTraceToGoId(b)
}

// StackTraceToGoId parses the goroutine id out of the first line of a runtime.Stack() buffer.
func StackTraceToGoId(buf []byte) (goId uint64) {
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return
	}
	goId, _ = strconv.ParseUint(string(buf[:i]), 10, 64)
	return
}

// GetAFnName returns a string containing the function and package at the specified call level
func GetAFnName(level int) string {
	pc, _, _, ok := runtime.Caller(level + 1)
	if !ok {
		return ""
	}
	functionObject := runtime.FuncForPC(pc)
	if nil == functionObject {
		return ""
	}
	return fnNameRE.FindString(functionObject.Name())
}

// GetFuncPackage returns the function, package and goroutine id of the caller at level
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	funcPkg := GetAFnName(level + 1)

	pkg = pkgNameRE.FindString(funcPkg)
	fn = funcRE.FindString(funcPkg)
	gid = GetGID()

	return
}

// JSONify renders input as JSON, optionally indented, for logging.
func JSONify(input interface{}, indentify bool) (output string) {
	var (
		err             error
		inputJSON       bytes.Buffer
		inputJSONPacked []byte
	)

	inputJSONPacked, err = json.Marshal(input)
	if nil != err {
		output = fmt.Sprintf("<<<json.Marshall failed: %v>>>", err)
		return
	}

	if !indentify {
		output = string(inputJSONPacked)
		return
	}

	err = json.Indent(&inputJSON, inputJSONPacked, "", "\t")
	if nil == err {
		output = inputJSON.String()
	} else {
		output = fmt.Sprintf("<<<json.Indent failed: %v>>>", err)
	}

	return
}
