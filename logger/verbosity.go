package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts.
const (
	VerbosityDefault = 0 // No flags: info and above
	VerbosityDebug   = 1 // -v: + debug (fan-out timings, poll results)
	VerbosityQuiet   = -1
)

// VerbosityToLevel maps verbosity flags to zap log levels
//
//	-1 (--quiet) -> WarnLevel
//	 0 (none)    -> InfoLevel
//	 1+ (-v)     -> DebugLevel
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity < VerbosityDefault:
		return zapcore.WarnLevel
	case verbosity == VerbosityDefault:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
