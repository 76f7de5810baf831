// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fusepkg

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/h2fuse/engine"
	"github.com/NVIDIA/h2fuse/engine/ramengine"
	"github.com/NVIDIA/h2fuse/h2ioctl"
	"github.com/NVIDIA/h2fuse/halter"
)

const (
	testIPAddr         = "127.0.0.1"
	testHTTPServerPort = 15346

	testFileContents = "hello world"
)

type testHaltsStruct struct {
	sync.Mutex
	labels []uint32
}

func (halts *testHaltsStruct) record(haltLabel uint32, err error) {
	halts.Lock()
	halts.labels = append(halts.labels, haltLabel)
	halts.Unlock()
}

func (halts *testHaltsStruct) fetch() (labels []uint32) {
	halts.Lock()
	labels = append([]uint32{}, halts.labels...)
	halts.Unlock()
	return
}

// testSetupHalts diverts halter.Halt() for the rest of the test
func testSetupHalts(t *testing.T) (halts *testHaltsStruct) {
	halts = &testHaltsStruct{labels: make([]uint32, 0)}

	halter.SetTestModeHaltCallback(halts.record)
	t.Cleanup(func() {
		halter.SetTestModeHaltCallback(nil)
	})

	return
}

// testTreeStruct is the content of the PFS built by testNewTree():
//
//  /dir/file  "hello world"
//  /link  ->  dir/file
//  /fifo
type testTreeStruct struct {
	ramEngine *ramengine.Engine
	dirInum   uint64
	fileInum  uint64
	linkInum  uint64
	fifoInum  uint64
	mtime     time.Time
}

func testNewTree(t *testing.T) (tree *testTreeStruct) {
	var (
		err error
	)

	tree = &testTreeStruct{
		ramEngine: ramengine.New("DATA"),
		mtime:     time.Unix(1600000000, 0),
	}

	tree.dirInum, err = tree.ramEngine.AddDirectory(engine.InumPFSRoot, "dir", 0755)
	require.NoError(t, err)
	tree.fileInum, err = tree.ramEngine.AddFile(tree.dirInum, "file", 0644, []byte(testFileContents))
	require.NoError(t, err)
	tree.linkInum, err = tree.ramEngine.AddSymlink(engine.InumPFSRoot, "link", "dir/file")
	require.NoError(t, err)
	tree.fifoInum, err = tree.ramEngine.AddSpecial(engine.InumPFSRoot, "fifo", engine.ObjTypeFIFO, 0600, 0)
	require.NoError(t, err)

	require.NoError(t, tree.ramEngine.SetTimes(tree.fileInum, tree.mtime.Add(time.Hour), tree.mtime))
	require.NoError(t, tree.ramEngine.AddVolume("ram:", 0, ramengine.DefaultVolumeSize))

	return
}

func testAdapterConfig() AdapterConfig {
	return AdapterConfig{
		AttrTTL:    time.Second,
		EntryTTL:   1500 * time.Millisecond,
		MaxWrite:   defaultFUSEMaxWrite,
		ReadOnly:   true,
		Daemonized: false,
	}
}

// testNewAdapter returns an Adapter over a fresh testNewTree() with DEBUG_DUMP output captured in dumpBuf
func testNewAdapter(t *testing.T) (adapter *Adapter, tree *testTreeStruct, dumpBuf *bytes.Buffer) {
	tree = testNewTree(t)
	dumpBuf = &bytes.Buffer{}

	config := testAdapterConfig()
	config.DumpWriter = dumpBuf

	adapter = NewAdapter(tree.ramEngine, config)

	return
}

// testIoCtl encodes ioc into an aligned payload and runs cmd against inodeNumber
func testIoCtl(t *testing.T, adapter *Adapter, inodeNumber uint64, cmd uint32, ioc interface{}) (output []byte, err error) {
	encoded, encodeErr := h2ioctl.Encode(ioc)
	require.NoError(t, encodeErr)

	payload := h2ioctl.AlignedBuffer(uint64(len(encoded)))
	copy(payload, encoded)

	output, err = adapter.IoCtl(inodeNumber, cmd, payload)

	return
}

// testDecode decodes a command's output payload
func testDecode(t *testing.T, cmd uint32, output []byte) (ioc interface{}) {
	aligned := h2ioctl.AlignedBuffer(uint64(len(output)))
	copy(aligned, output)

	ioc, err := h2ioctl.Decode(cmd, aligned)
	require.NoError(t, err)

	return
}

func testDoHTTPRequest(method string, url string, requestHeaders http.Header, requestBody io.Reader) (statusCode int, responseHeaders http.Header, responseBody []byte, err error) {
	var (
		headerKey    string
		headerValues []string
		httpRequest  *http.Request
		httpResponse *http.Response
	)

	httpRequest, err = http.NewRequest(method, url, requestBody)
	if nil != err {
		err = fmt.Errorf("http.NewRequest(\"%s\", \"%s\", nil) failed: %v", method, url, err)
		return
	}

	if nil != requestHeaders {
		for headerKey, headerValues = range requestHeaders {
			httpRequest.Header[headerKey] = headerValues
		}
	}

	httpResponse, err = http.DefaultClient.Do(httpRequest)
	if nil != err {
		err = fmt.Errorf("http.Do(httpRequest) failed: %v", err)
		return
	}

	responseBody, err = ioutil.ReadAll(httpResponse.Body)
	if nil != err {
		err = fmt.Errorf("ioutil.ReadAll(httpResponse.Body) failed: %v", err)
		return
	}
	err = httpResponse.Body.Close()
	if nil != err {
		err = fmt.Errorf("httpResponse.Body.Close() failed: %v", err)
		return
	}

	statusCode = httpResponse.StatusCode
	responseHeaders = httpResponse.Header

	err = nil
	return
}
