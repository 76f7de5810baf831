// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package conf provides the ini-style configuration map shared by every h2fuse package.
//
// A ConfMap is accessed via confMap[sectionName][optionName][optionValueIndex] or via
// the FetchOptionValue*() methods below.
package conf

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

type ConfMapOption []string
type ConfMapSection map[string]ConfMapOption
type ConfMap map[string]ConfMapSection

// MakeConfMap returns an newly created empty ConfMap
func MakeConfMap() (confMap ConfMap) {
	confMap = make(ConfMap)
	return
}

// MakeConfMapFromFile returns a newly created ConfMap loaded with the contents of the confFilePath-specified file
func MakeConfMapFromFile(confFilePath string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromFile(confFilePath)
	return
}

// MakeConfMapFromStrings returns a newly created ConfMap loaded with the contents specified in confStrings
func MakeConfMapFromStrings(confStrings []string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		err = fmt.Errorf("Error building confMap from conf strings: %v", err)
	}
	return
}

// A string to load looks like:
//
//   <section_name>.<option_name>=
//   <section_name>.<option_name>=<value_1>
//   <section_name>.<option_name> = <value_1>, <value_2> <value_3>
//
// Only the first '=' is an assignment, so values may carry ':' and '@' (e.g. "ram:/srv/h2@DATA").

const nameChars = "[0-9A-Za-z_\\-]+"

var stringRE = regexp.MustCompile("\\A(" + nameChars + ")\\.(" + nameChars + ")[ \t]*=[ \t]*(.*)\\z")
var sectionHeaderLineRE = regexp.MustCompile("\\A\\[(" + nameChars + ")\\]\\z")
var optionLineRE = regexp.MustCompile("\\A(" + nameChars + ")[ \t]*=[ \t]*(.*)\\z")
var includeLineRE = regexp.MustCompile("\\A\\.include[ \t]+(\\S+)\\z")
var optionValueSeparatorRE = regexp.MustCompile("[ \t]*,[ \t]*|[ \t]+")

func splitOptionValues(optionValues string) (optionValuesSplit []string) {
	optionValues = strings.Trim(optionValues, " \t")
	if "" == optionValues {
		optionValuesSplit = []string{}
		return
	}
	optionValuesSplit = optionValueSeparatorRE.Split(optionValues, -1)
	return
}

func (confMap ConfMap) set(sectionName string, optionName string, optionValues []string) {
	section, found := confMap[sectionName]
	if !found {
		section = make(ConfMapSection)
		confMap[sectionName] = section
	}
	section[optionName] = optionValues
}

// UpdateFromString modifies a pre-existing ConfMap based on an update
// specified in confString (e.g., from a --set command-line argument)
func (confMap ConfMap) UpdateFromString(confString string) (err error) {
	confStringTrimmed := strings.Trim(confString, " \t")

	if 0 == len(confStringTrimmed) {
		err = fmt.Errorf("trimmed confString: \"%v\" was found to be empty", confString)
		return
	}

	matches := stringRE.FindStringSubmatch(confStringTrimmed)
	if nil == matches {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	confMap.set(matches[1], matches[2], splitOptionValues(matches[3]))

	return
}

// UpdateFromStrings applies UpdateFromString to each of confStrings in order
func (confMap ConfMap) UpdateFromStrings(confStrings []string) (err error) {
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			return
		}
	}
	return
}

// UpdateFromFile modifies a pre-existing ConfMap based on updates specified in confFilePath ("-" reads stdin).
//
// A file looks like:
//
//   [<section_name_1>]
//   <option_name_1> = <value_1>
//   <option_name_2> = <value_2> <value_3>,<value_4>
//
//   # A comment on it's own line
//   [<section_name_2>]   ; A comment at the end of a line
//
//   .include <another file, relative to this one>
func (confMap ConfMap) UpdateFromFile(confFilePath string) (err error) {
	var (
		confFile io.Reader
	)

	if "-" == confFilePath {
		confFile = os.Stdin
	} else {
		var confFileBytes []byte
		confFileBytes, err = ioutil.ReadFile(confFilePath)
		if nil != err {
			return
		}
		confFile = bytes.NewReader(confFileBytes)
	}

	currentSectionName := ""
	currentLineNumber := 0

	scanner := bufio.NewScanner(confFile)

	for scanner.Scan() {
		currentLineNumber++

		currentLine := scanner.Text()
		currentLine = strings.SplitN(currentLine, ";", 2)[0]
		currentLine = strings.SplitN(currentLine, "#", 2)[0]
		currentLine = strings.Trim(currentLine, " \t\r")

		if 0 == len(currentLine) {
			continue
		}

		if matches := includeLineRE.FindStringSubmatch(currentLine); nil != matches {
			nestedConfFilePath := matches[1]
			if !filepath.IsAbs(nestedConfFilePath) {
				var absConfFilePath string
				absConfFilePath, err = filepath.Abs(confFilePath)
				if nil != err {
					return
				}
				nestedConfFilePath = filepath.Join(filepath.Dir(absConfFilePath), nestedConfFilePath)
			}
			err = confMap.UpdateFromFile(nestedConfFilePath)
			if nil != err {
				return
			}
			currentSectionName = ""
			continue
		}

		if matches := sectionHeaderLineRE.FindStringSubmatch(currentLine); nil != matches {
			currentSectionName = matches[1]
			continue
		}

		if "" == currentSectionName {
			err = fmt.Errorf("file %v line %v: option outside of any Section", confFilePath, currentLineNumber)
			return
		}

		matches := optionLineRE.FindStringSubmatch(currentLine)
		if nil == matches {
			err = fmt.Errorf("file %v line %v: malformed line '%v'", confFilePath, currentLineNumber, currentLine)
			return
		}

		confMap.set(currentSectionName, matches[1], splitOptionValues(matches[2]))
	}

	err = scanner.Err()

	return
}

// Dump returns the ConfMap as the conf strings that would rebuild it (sorted)
func (confMap ConfMap) Dump() (confStrings []string) {
	confStrings = make([]string, 0)
	for sectionName, section := range confMap {
		for optionName, optionValues := range section {
			confStrings = append(confStrings, fmt.Sprintf("%s.%s=%s", sectionName, optionName, strings.Join(optionValues, ",")))
		}
	}
	sort.Strings(confStrings)
	return
}

// FetchOptionValueStringSlice returns [sectionName]valueName's string values as a []string
func (confMap ConfMap) FetchOptionValueStringSlice(sectionName string, optionName string) (optionValue []string, err error) {
	optionValue = []string{}

	section, ok := confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%v] missing", sectionName)
		return
	}

	option, ok := section[optionName]
	if !ok {
		err = fmt.Errorf("[%v]%v missing", sectionName, optionName)
		return
	}

	optionValue = option

	return
}

// FetchOptionValueString returns [sectionName]valueName's single string value
func (confMap ConfMap) FetchOptionValueString(sectionName string, optionName string) (optionValue string, err error) {
	optionValueSlice, err := confMap.FetchOptionValueStringSlice(sectionName, optionName)
	if nil != err {
		return
	}

	if 1 != len(optionValueSlice) {
		err = fmt.Errorf("[%v]%v must be single-valued", sectionName, optionName)
		return
	}

	optionValue = optionValueSlice[0]

	return
}

// FetchOptionValueBool returns [sectionName]valueName's single string value converted to a bool
func (confMap ConfMap) FetchOptionValueBool(sectionName string, optionName string) (optionValue bool, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	switch strings.ToLower(optionValueString) {
	case "yes", "on", "true":
		optionValue = true
	case "no", "off", "false":
		optionValue = false
	default:
		err = fmt.Errorf("Couldn't interpret %q as boolean (expected one of 'true'/'false'/'yes'/'no'/'on'/'off')", optionValueString)
	}

	return
}

func (confMap ConfMap) fetchOptionValueUint(sectionName string, optionName string, bitSize int) (optionValue uint64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseUint(optionValueString, 10, bitSize)
	if nil != err {
		err = fmt.Errorf("[%v]%v strconv.ParseUint() error: %v", sectionName, optionName, err)
	}

	return
}

// FetchOptionValueUint16 returns [sectionName]valueName's single string value converted to a uint16
func (confMap ConfMap) FetchOptionValueUint16(sectionName string, optionName string) (optionValue uint16, err error) {
	optionValueUint64, err := confMap.fetchOptionValueUint(sectionName, optionName, 16)
	optionValue = uint16(optionValueUint64)
	return
}

// FetchOptionValueUint32 returns [sectionName]valueName's single string value converted to a uint32
func (confMap ConfMap) FetchOptionValueUint32(sectionName string, optionName string) (optionValue uint32, err error) {
	optionValueUint64, err := confMap.fetchOptionValueUint(sectionName, optionName, 32)
	optionValue = uint32(optionValueUint64)
	return
}

// FetchOptionValueInt64 returns [sectionName]valueName's single string value converted to an int64
func (confMap ConfMap) FetchOptionValueInt64(sectionName string, optionName string) (optionValue int64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseInt(optionValueString, 10, 64)
	if nil != err {
		err = fmt.Errorf("[%v]%v strconv.ParseInt() error: %v", sectionName, optionName, err)
	}

	return
}

// FetchOptionValueDuration returns [sectionName]valueName's single string value converted to a time.Duration
func (confMap ConfMap) FetchOptionValueDuration(sectionName string, optionName string) (optionValue time.Duration, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = time.ParseDuration(optionValueString)
	if nil != err {
		return
	}

	if 0 > optionValue {
		err = fmt.Errorf("[%v]%v is negative", sectionName, optionName)
	}

	return
}
