// Package logflags configures the diagnostic logging of the unwinder
// packages. Logging is off by default, the embedding program enables
// individual components through Setup.
package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"strings"
)

var unwinder = false
var frameParser = false
var frameEval = false

// Unwinder returns true if the section driver should log every Step.
func Unwinder() bool {
	return unwinder
}

// UnwinderLogger returns a configured logger for the section driver.
func UnwinderLogger() Logger {
	return makeLogger(unwinder, Fields{"layer": "unwind"})
}

// FrameParser returns true if the CIE/FDE table should log parsing
// and indexing activity.
func FrameParser() bool {
	return frameParser
}

// FrameParserLogger returns a logger for the CIE/FDE table.
func FrameParserLogger() Logger {
	return makeLogger(frameParser, Fields{"layer": "frame"})
}

// FrameEval returns true if location rule evaluation should be logged.
func FrameEval() bool {
	return frameEval
}

// FrameEvalLogger returns a logger for location rule evaluation.
func FrameEvalLogger() Logger {
	return makeLogger(frameEval, Fields{"layer": "unwind", "kind": "eval"})
}

var errLogstrWithoutLog = errors.New("log output specified without enabling logging")

// Setup sets logging flags based on the contents of logstr, a comma
// separated list of component names.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "unwinder"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "unwinder":
			unwinder = true
		case "frame":
			frameParser = true
		case "eval":
			frameEval = true
		}
	}
	return nil
}
