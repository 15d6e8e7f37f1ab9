// Package nlog is a leveled, allocation-light logger: a handful of
// global functions over the standard library's log.Logger, in the style
// of the teacher's own cmn/nlog wrapper rather than any third-party
// logging framework.
package nlog

import (
	"log"
	"os"
	"sync/atomic"
)

type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var (
	std   = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	level atomic.Int32
)

func init() { level.Store(int32(LevelInfo)) }

// SetLevel controls which of Infof/Warnf/Errorf/Debugf actually write.
func SetLevel(l Level) { level.Store(int32(l)) }

func enabled(l Level) bool { return Level(level.Load()) >= l }

func Infof(format string, args ...any) {
	if enabled(LevelInfo) {
		std.Printf("I "+format, args...)
	}
}

func Infoln(args ...any) {
	if enabled(LevelInfo) {
		std.Println(append([]any{"I"}, args...)...)
	}
}

func Warnf(format string, args ...any) {
	if enabled(LevelWarn) {
		std.Printf("W "+format, args...)
	}
}

func Errorf(format string, args ...any) {
	if enabled(LevelError) {
		std.Printf("E "+format, args...)
	}
}

func Errorln(args ...any) {
	if enabled(LevelError) {
		std.Println(append([]any{"E"}, args...)...)
	}
}

func Debugf(format string, args ...any) {
	if enabled(LevelDebug) {
		std.Printf("D "+format, args...)
	}
}
