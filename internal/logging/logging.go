// Package logging is a small level gate around the standard log package
// (spec §6's silent/detail keys, SPEC_FULL.md §9): silent raises the floor
// to warnings only, detail lowers it to debug. The teacher never pulls in a
// structured logging framework for this, so neither does nfosync — this is
// just a package-level level check in front of log.Printf.
package logging

import (
	"log"
	"sync/atomic"
)

// Level orders verbosity from most to least chatty.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
)

var current atomic.Int32

func init() {
	current.Store(int32(LevelInfo))
}

// SetLevel changes the floor every Debugf/Infof/Warnf call is checked
// against. Safe to call concurrently with logging calls.
func SetLevel(l Level) {
	current.Store(int32(l))
}

// Current reports the active level, mainly for tests asserting that a
// config's silent/detail keys were applied.
func Current() Level {
	return Level(current.Load())
}

func enabled(l Level) bool {
	return int32(l) >= current.Load()
}

// Debugf logs at debug level, visible only when the level is LevelDebug
// (the "detail" config key).
func Debugf(format string, args ...any) {
	if enabled(LevelDebug) {
		log.Printf(format, args...)
	}
}

// Infof logs routine operational messages, suppressed when the level is
// LevelWarn (the "silent" config key).
func Infof(format string, args ...any) {
	if enabled(LevelInfo) {
		log.Printf(format, args...)
	}
}

// Warnf logs failures and other conditions worth surfacing even under
// "silent". Always printed at every level this package defines.
func Warnf(format string, args ...any) {
	if enabled(LevelWarn) {
		log.Printf(format, args...)
	}
}
