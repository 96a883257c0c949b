package logger

import (
	"io"
	"os"
	"syscall"
	"time"

	"codeberg.org/mutker/hostmon/internal/errors"
	"github.com/rs/zerolog"
)

var log = zerolog.New(os.Stdout).With().Timestamp().Logger()

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

type LogEvent struct {
	*zerolog.Event
}

// Msg sends the event with msg as its message.
func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

// Init initializes the logger based on the given configuration
func Init(debug, verbose, isService bool) {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	// journald stamps every line already
	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = zerolog.New(output).With().Timestamp().Logger()

	SetLogLevel(WarnLevel)

	if debug {
		SetLogLevel(DebugLevel)
	} else if verbose {
		SetLogLevel(InfoLevel)
	}
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// ParseLevel maps a configured level name onto a LogLevel.
func ParseLevel(name string) (LogLevel, bool) {
	switch name {
	case "debug":
		return DebugLevel, true
	case "info":
		return InfoLevel, true
	case "warn", "warning":
		return WarnLevel, true
	case "error":
		return ErrorLevel, true
	}
	return WarnLevel, false
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

type zlogger struct {
	l zerolog.Logger
}

// Get returns a Logger backed by the process-wide logger set up by Init.
func Get() Logger {
	return &zlogger{l: log}
}

// New returns a Logger writing JSON lines to w.
func New(w io.Writer) Logger {
	return &zlogger{l: zerolog.New(w).With().Timestamp().Logger()}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return &zlogger{l: zerolog.Nop()}
}

func (z *zlogger) Debug() *LogEvent { return &LogEvent{z.l.Debug()} }
func (z *zlogger) Info() *LogEvent  { return &LogEvent{z.l.Info()} }
func (z *zlogger) Warn() *LogEvent  { return &LogEvent{z.l.Warn()} }
func (z *zlogger) Error() *LogEvent { return &LogEvent{z.l.Error()} }

func (z *zlogger) ErrorWithCode(err errors.Error) *LogEvent {
	return &LogEvent{z.l.Error().
		Str("error_code", string(err.Code())).
		Err(err)}
}

func (z *zlogger) With(component string) Logger {
	return &zlogger{l: z.l.With().Str("component", component).Logger()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return &LogEvent{log.Fatal().
		Str("error_code", string(err.Code())).
		Err(err)}
}
