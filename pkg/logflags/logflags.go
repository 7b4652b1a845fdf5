// Package logflags holds the per-layer loggers used across the unwinder.
// Every layer is silent (error level only) unless it was named in the
// --log-output flag.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface of the unwinder layers. They only log
// decisions at debug level and recoverable problems at warning level.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Fields are attached to every line of a Logger.
type Fields map[string]interface{}

// LoggerFactory creates the loggers returned by this package, writing to
// out when it is not nil.
type LoggerFactory func(level logrus.Level, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory replaces the default logrus loggers with the ones made
// by lf. A nil lf restores the default.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

type logrusLogger struct {
	*logrus.Entry
}

var arch = false
var unwind = false
var regset = false
var core = false
var native = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = DefaultFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Arch returns true if architecture selection should be logged.
func Arch() bool {
	return arch
}

// ArchLogger returns a logger for the architecture registry.
func ArchLogger() Logger {
	return makeFlaggableLogger(arch, Fields{"layer": "arch"})
}

// Unwind returns true if sniffer decisions and trampoline matches should be
// logged.
func Unwind() bool {
	return unwind
}

// UnwindLogger returns a logger for the frame unwinders.
func UnwindLogger() Logger {
	return makeFlaggableLogger(unwind, Fields{"layer": "unwind"})
}

// Regset returns true if register set transfers should be logged.
func Regset() bool {
	return regset
}

// RegsetLogger returns a logger for register set supply and collect.
func RegsetLogger() Logger {
	return makeFlaggableLogger(regset, Fields{"layer": "regset"})
}

// Core returns true if the core file reader and writer should log.
func Core() bool {
	return core
}

// CoreLogger returns a logger for the core file layer.
func CoreLogger() Logger {
	return makeFlaggableLogger(core, Fields{"layer": "core"})
}

// Native returns true if the ptrace backend should log.
func Native() bool {
	return native
}

// NativeLogger returns a logger for the ptrace backend.
func NativeLogger() Logger {
	return makeFlaggableLogger(native, Fields{"layer": "native"})
}

// WriteError writes an error message to the log output.
func WriteError(msg string) {
	if logOut != nil {
		fmt.Fprintln(logOut, msg)
	} else {
		fmt.Fprintln(os.Stderr, msg)
	}
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the log flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "unwind-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "unwind"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "arch":
			arch = true
		case "unwind":
			unwind = true
		case "regset":
			regset = true
		case "core":
			core = true
		case "native":
			native = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'unwind help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	b.WriteString(entry.Time.Format("2006-01-02T15:04:05Z07:00"))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	b.WriteByte(' ')
	for k, v := range entry.Data {
		fmt.Fprintf(&b, "%s=%v ", k, v)
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// DefaultFormatter provides a simplified version of logrus.TextFormatter
// that doesn't make logs unreadable when they are output to a text file or
// to a terminal that doesn't support colors.
func DefaultFormatter() logrus.Formatter {
	return textFormatterInstance
}

var textFormatterInstance = &textFormatter{}
