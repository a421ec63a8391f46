// Package emlog defines the logging functions (e.g. Info, Errorf, etc.) used
// throughout this repo. The actual backend is swappable; the default writes
// structured output to stderr via zap.
package emlog

import (
	"sync"
)

// Level indicates the severity of a log line.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelFatal
)

// Logger is the interface a logging backend must implement. Logf must exit the
// process after logging when called with LevelFatal.
type Logger interface {
	Logf(level Level, format string, args ...interface{})
	Log(level Level, args ...interface{})
	Flush()
}

var (
	mtx    sync.RWMutex
	logger Logger = newZapLogger()
)

// SetLogger replaces the backend. Tests use this to capture output.
func SetLogger(l Logger) {
	mtx.Lock()
	defer mtx.Unlock()
	logger = l
}

func get() Logger {
	mtx.RLock()
	defer mtx.RUnlock()
	return logger
}

// Functions to log at various levels. Debug, Info, Warning, Error, and Fatal
// use fmt.Sprint to format the arguments; functions ending in f use
// fmt.Sprintf.

func Debug(args ...interface{}) { get().Log(LevelDebug, args...) }

func Debugf(format string, args ...interface{}) { get().Logf(LevelDebug, format, args...) }

func Info(args ...interface{}) { get().Log(LevelInfo, args...) }

func Infof(format string, args ...interface{}) { get().Logf(LevelInfo, format, args...) }

func Warning(args ...interface{}) { get().Log(LevelWarning, args...) }

func Warningf(format string, args ...interface{}) { get().Logf(LevelWarning, format, args...) }

func Error(args ...interface{}) { get().Log(LevelError, args...) }

func Errorf(format string, args ...interface{}) { get().Logf(LevelError, format, args...) }

// Fatal* exits the program after logging.

func Fatal(args ...interface{}) { get().Log(LevelFatal, args...) }

func Fatalf(format string, args ...interface{}) { get().Logf(LevelFatal, format, args...) }

func Flush() { get().Flush() }
