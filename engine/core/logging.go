package core

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
)

type LogLevel = log.Level

const (
	LogLevelDebug = log.DebugLevel
	LogLevelInfo  = log.InfoLevel
	LogLevelWarn  = log.WarnLevel
	LogLevelError = log.ErrorLevel
	LogLevelFatal = log.FatalLevel
)

var once sync.Once

type logger struct {
	*log.Logger
}

var singleton *logger

func getLogger() *logger {
	once.Do(
		func() {
			l := log.NewWithOptions(os.Stderr, log.Options{
				ReportCaller:    true,
				ReportTimestamp: true,
				TimeFormat:      time.RFC3339,
				Prefix:          "Engine 🏎️ ",
			})
			l.SetLevel(log.InfoLevel)
			singleton = &logger{l}
		})
	return singleton
}

// ParseLogLevel converts a level name (debug, info, warn, error, fatal).
func ParseLogLevel(s string) (LogLevel, error) {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return log.InfoLevel, errors.Wrapf(ErrInvalidArgument, "log level %q", s)
	}
	return lvl, nil
}

func SetLogLevel(level LogLevel) {
	getLogger().SetLevel(level)
}

func GetLogLevel() LogLevel {
	return getLogger().GetLevel()
}

// SetLogOutput redirects every log line, tests use io.Discard.
func SetLogOutput(w io.Writer) {
	getLogger().SetOutput(w)
}

func LogDebug(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Debugf(msg, args...)
}

func LogInfo(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Infof(msg, args...)
}

func LogWarn(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Warnf(msg, args...)
}

func LogError(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Errorf(msg, args...)
}

func LogFatal(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Fatalf(msg, args...)
}
