// Package logging provides the leveled logger shared by every tapmesh
// package. It mirrors the levelled-writer design the teacher codebase uses
// for its device logger, widened to a single shared instance per endpoint
// rather than per-device, since tapmesh has exactly one device per process.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/klauspost/cpuid/v2"
)

const (
	LevelSilent = iota
	LevelError
	LevelInfo
	LevelDebug
)

// Logger is consumed by every other tapmesh package so that tests can
// substitute a buffering logger instead of writing to stdout.
type Logger interface {
	Debug(v ...interface{})
	Debugf(f string, v ...interface{})
	Info(v ...interface{})
	Infof(f string, v ...interface{})
	Error(v ...interface{})
	Errorf(f string, v ...interface{})
}

type levelLogger struct {
	debug *log.Logger
	info  *log.Logger
	err   *log.Logger
}

var _ Logger = (*levelLogger)(nil)

// New builds a Logger writing to stderr, discarding levels above the
// configured verbosity.
func New(level int, prefix string) Logger {
	discard := io.Discard
	out := io.Writer(os.Stderr)

	logDebug, logInfo, logErr := discard, discard, discard
	if level >= LevelDebug {
		logDebug = out
	}
	if level >= LevelInfo {
		logInfo = out
	}
	if level >= LevelError {
		logErr = out
	}

	return &levelLogger{
		debug: log.New(logDebug, "DEBUG: "+prefix, log.Ldate|log.Ltime),
		info:  log.New(logInfo, "INFO: "+prefix, log.Ldate|log.Ltime),
		err:   log.New(logErr, "ERROR: "+prefix, log.Ldate|log.Ltime),
	}
}

func (l *levelLogger) Debug(v ...interface{})            { l.debug.Println(v...) }
func (l *levelLogger) Debugf(f string, v ...interface{}) { l.debug.Printf(f, v...) }
func (l *levelLogger) Info(v ...interface{})             { l.info.Println(v...) }
func (l *levelLogger) Infof(f string, v ...interface{})  { l.info.Printf(f, v...) }
func (l *levelLogger) Error(v ...interface{})             { l.err.Println(v...) }
func (l *levelLogger) Errorf(f string, v ...interface{}) { l.err.Printf(f, v...) }

// LogCPUFeatures writes one diagnostic line describing the crypto
// acceleration available to the SPP codec's CBC path (AES-NI, SSE2). It is
// informational only and never gates behavior.
func LogCPUFeatures(l Logger) {
	l.Infof("cpu: %s (AES=%v SSE2=%v AVX2=%v)",
		cpuid.CPU.BrandName,
		cpuid.CPU.Supports(cpuid.AESNI),
		cpuid.CPU.Supports(cpuid.SSE2),
		cpuid.CPU.Supports(cpuid.AVX2),
	)
}
