// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"io"
	"io/ioutil"
	"log/syslog"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"

	"github.com/NVIDIA/h2fuse/conf"
)

const defaultSyslogTag = "h2fuse"

type globalsStruct struct {
	sync.Mutex
	logFile     *os.File
	output      *multiWriter
	usingSyslog bool
}

var globals globalsStruct

// multiWriter fans each log entry out to every registered writer.
type multiWriter struct {
	sync.Mutex
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	defer mw.Unlock()

	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		if nil != err {
			return
		}
	}
	n = len(p)
	return
}

// Up configures logrus from the [Logging] section:
//
//   LogFilePath  - append to this file (optional)
//   LogToConsole - also (or only) write to stderr
//   UseSyslog    - send to syslog when there is no usable LogFilePath
//   SyslogTag    - syslog tag (defaults to "h2fuse")
//   Verbosity    - trace verbosity (see TraceEnabled)
func Up(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	log.SetFormatter(&log.TextFormatter{DisableColors: true})
	log.SetLevel(log.DebugLevel)
	log.StandardLogger().ReplaceHooks(make(log.LevelHooks))

	globals.output = &multiWriter{}

	logFilePath, _ := confMap.FetchOptionValueString("Logging", "LogFilePath")

	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = false
	}

	useSyslog, err := confMap.FetchOptionValueBool("Logging", "UseSyslog")
	if nil != err {
		useSyslog = false
	}

	syslogTag, err := confMap.FetchOptionValueString("Logging", "SyslogTag")
	if nil != err {
		syslogTag = defaultSyslogTag
	}

	newVerbosity, err := confMap.FetchOptionValueInt64("Logging", "Verbosity")
	if nil != err {
		newVerbosity = 0
	}
	SetVerbosity(newVerbosity)

	if "" != logFilePath {
		globals.logFile, err = os.OpenFile(logFilePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if nil == err {
			globals.output.addWriter(globals.logFile)
		} else {
			globals.logFile = nil
			if !useSyslog {
				err = fmt.Errorf("couldn't open log file %s: %v", logFilePath, err)
				return
			}
		}
	}

	if (nil == globals.logFile) && useSyslog {
		var hook *lSyslog.SyslogHook
		hook, err = lSyslog.NewSyslogHook("", "", syslog.LOG_INFO|syslog.LOG_DAEMON, syslogTag)
		if nil != err {
			err = fmt.Errorf("couldn't connect to syslog: %v", err)
			return
		}
		log.AddHook(hook)
		globals.usingSyslog = true
	}

	if logToConsole || ((nil == globals.logFile) && !globals.usingSyslog) {
		globals.output.addWriter(os.Stderr)
	}

	if 0 == len(globals.output.writers) {
		log.SetOutput(ioutil.Discard)
	} else {
		log.SetOutput(globals.output)
	}

	err = nil
	return
}

// Down closes our log file (if any) and returns logrus to stderr.
func Down() (err error) {
	globals.Lock()
	defer globals.Unlock()

	log.SetOutput(os.Stderr)
	log.StandardLogger().ReplaceHooks(make(log.LevelHooks))

	if nil != globals.logFile {
		err = globals.logFile.Close()
		globals.logFile = nil
	}

	globals.output = nil
	globals.usingSyslog = false

	return
}

// AddLogTarget adds another target for log messages to be written to. writer
// is called once for each log message.
//
// Up() must be called before this function is used.
func AddLogTarget(writer io.Writer) {
	globals.Lock()
	defer globals.Unlock()

	if nil == globals.output {
		globals.output = &multiWriter{}
	}
	globals.output.addWriter(writer)
	log.SetOutput(globals.output)
}

// LogBuffer captures the most recent log entries; useful for writing test cases.
type LogBuffer struct {
	sync.Mutex
	LogEntries   []string // most recent log entry is [0]
	TotalEntries int      // count of all entries seen
}

// LogTarget is an io.Writer suitable for AddLogTarget() backed by a LogBuffer.
type LogTarget struct {
	LogBuf *LogBuffer
}

// Init sets up a LogTarget to hold up to nEntry log entries.
func (target *LogTarget) Init(nEntry int) {
	target.LogBuf = &LogBuffer{LogEntries: make([]string, nEntry)}
}

// Write is called by logrus for each log entry.
func (target LogTarget) Write(p []byte) (n int, err error) {
	target.LogBuf.Lock()
	defer target.LogBuf.Unlock()

	target.LogBuf.TotalEntries++
	if 0 < len(target.LogBuf.LogEntries) {
		copy(target.LogBuf.LogEntries[1:], target.LogBuf.LogEntries[:len(target.LogBuf.LogEntries)-1])
		target.LogBuf.LogEntries[0] = string(p)
	}

	n = len(p)
	return
}
