// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fusepkg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NVIDIA/h2fuse/blunder"
	"github.com/NVIDIA/h2fuse/engine"
	"github.com/NVIDIA/h2fuse/h2ioctl"
	"github.com/NVIDIA/h2fuse/logger"
)

const httpHeaderErrno = "X-Errno"

type versionStruct struct {
	Program       string
	Version       string
	VolumeVersion int32
	Label         string
	Uptime        string
}

func startHTTPServer() (err error) {
	var (
		ipAddrTCPPort string
		listener      net.Listener
	)

	if 0 == globals.config.HTTPServerPort {
		return
	}

	ipAddrTCPPort = net.JoinHostPort(globals.config.HTTPServerIPAddr, strconv.Itoa(int(globals.config.HTTPServerPort)))

	listener, err = net.Listen("tcp", ipAddrTCPPort)
	if nil != err {
		return
	}

	globals.httpServer = &http.Server{
		Addr:    ipAddrTCPPort,
		Handler: &globals,
	}

	globals.httpServerWG.Add(1)

	go func() {
		var (
			err error
		)

		err = globals.httpServer.Serve(listener)
		if http.ErrServerClosed != err {
			logger.FatalfWithError(err, "httpServer.Serve() exited unexpectedly")
		}

		globals.httpServerWG.Done()
	}()

	err = nil
	return
}

func stopHTTPServer() (err error) {
	if nil == globals.httpServer {
		return
	}

	err = globals.httpServer.Shutdown(context.TODO())
	if nil == err {
		globals.httpServerWG.Wait()
	}

	globals.httpServer = nil

	return
}

func (dummy *globalsStruct) ServeHTTP(responseWriter http.ResponseWriter, request *http.Request) {
	switch request.Method {
	case http.MethodGet:
		serveHTTPGet(responseWriter, request)
	case http.MethodPut:
		serveHTTPPut(responseWriter, request)
	default:
		responseWriter.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func serveHTTPGet(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		path string
	)

	path = strings.TrimRight(request.URL.Path, "/")

	switch path {
	case "/config":
		serveHTTPGetOfConfig(responseWriter, request)
	case "/handles":
		serveHTTPGetOfHandles(responseWriter, request)
	case "/metrics":
		promhttp.HandlerFor(globals.adapter.metrics.registry, promhttp.HandlerOpts{}).ServeHTTP(responseWriter, request)
	case "/version":
		serveHTTPGetOfVersion(responseWriter, request)
	case "/volumes":
		serveHTTPGetOfVolumes(responseWriter, request)
	default:
		responseWriter.WriteHeader(http.StatusNotFound)
	}
}

func writeResponse(responseWriter http.ResponseWriter, contentType string, body []byte) {
	responseWriter.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	responseWriter.Header().Set("Content-Type", contentType)
	responseWriter.WriteHeader(http.StatusOK)

	_, err := responseWriter.Write(body)
	if nil != err {
		logger.Warnf("responseWriter.Write(%d bytes of %s) failed: %v", len(body), contentType, err)
	}
}

func serveHTTPGetOfConfig(responseWriter http.ResponseWriter, request *http.Request) {
	configJSON, err := json.Marshal(globals.config)
	if nil != err {
		logger.Fatalf("json.Marshal(globals.config) failed: %v", err)
	}

	writeResponse(responseWriter, "application/json", configJSON)
}

func serveHTTPGetOfHandles(responseWriter http.ResponseWriter, request *http.Request) {
	handlesJSON, err := json.Marshal(globals.adapter.OpenInodes())
	if nil != err {
		logger.Fatalf("json.Marshal(globals.adapter.OpenInodes()) failed: %v", err)
	}

	writeResponse(responseWriter, "application/json", handlesJSON)
}

func serveHTTPGetOfVersion(responseWriter http.ResponseWriter, request *http.Request) {
	version := &versionStruct{
		Program: "h2fuse",
		Version: Version,
		Uptime:  time.Since(globals.startTime).Truncate(time.Second).String(),
	}

	globals.adapter.WithEngine(func(mountedEngine engine.Engine) {
		version.VolumeVersion = mountedEngine.VolumeData().Version
		version.Label = mountedEngine.Label()
	})

	versionJSON, err := json.Marshal(version)
	if nil != err {
		logger.Fatalf("json.Marshal(version) failed: %v", err)
	}

	writeResponse(responseWriter, "application/json", versionJSON)
}

func serveHTTPGetOfVolumes(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		body bytes.Buffer
	)

	globals.adapter.WithEngine(func(mountedEngine engine.Engine) {
		volumeData := mountedEngine.VolumeData()
		fmt.Fprintf(&body, "%s version %d size %s\n",
			mountedEngine.Label(), volumeData.Version, humanize.IBytes(volumeData.VolumeSize))
		for _, volume := range mountedEngine.Volumes() {
			fmt.Fprintf(&body, "%3d %s offset %s size %s\n",
				volume.ID, volume.Path, humanize.IBytes(volume.Offset), humanize.IBytes(volume.Size))
		}
	})

	writeResponse(responseWriter, "text/plain", body.Bytes())
}

func serveHTTPPut(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		path string
	)

	path = strings.TrimRight(request.URL.Path, "/")

	switch {
	case strings.HasPrefix(path, "/ioctl/"):
		serveHTTPPutOfIoCtl(responseWriter, request, strings.TrimPrefix(path, "/ioctl/"))
	default:
		responseWriter.WriteHeader(http.StatusNotFound)
	}
}

// serveHTTPPutOfIoCtl handles PUT /ioctl/<inode>/<cmd> where cmd is hex (with or
// without 0x). The request body is the input payload; the response body is the
// output payload. A command that fails is answered 422 with the errno in X-Errno.
func serveHTTPPutOfIoCtl(responseWriter http.ResponseWriter, request *http.Request, pathSuffix string) {
	pathSplit := strings.Split(pathSuffix, "/")
	if 2 != len(pathSplit) {
		responseWriter.WriteHeader(http.StatusBadRequest)
		return
	}

	inodeNumber, err := strconv.ParseUint(pathSplit[0], 10, 64)
	if nil != err {
		responseWriter.WriteHeader(http.StatusBadRequest)
		return
	}

	cmd, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(pathSplit[1]), "0x"), 16, 32)
	if nil != err {
		responseWriter.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := ioutil.ReadAll(request.Body)
	_ = request.Body.Close()
	if nil != err {
		responseWriter.WriteHeader(http.StatusBadRequest)
		return
	}

	payload := h2ioctl.AlignedBuffer(uint64(len(body)))
	copy(payload, body)

	output, err := globals.adapter.IoCtl(inodeNumber, uint32(cmd), payload)
	if nil != err {
		responseWriter.Header().Set(httpHeaderErrno, strconv.Itoa(int(blunder.Errno(err))))
		responseWriter.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	writeResponse(responseWriter, "application/octet-stream", output)
}
