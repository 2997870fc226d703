// Package logging provides a shared logger and log utilities to be used in all internal packages.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

var (
	L *zap.Logger        = zap.NewNop()
	S *zap.SugaredLogger = L.Sugar()

	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize replaces the package loggers with one that writes to stderr
// using a console encoder when attached to a terminal, or JSON to stdout
// otherwise.
func Initialize(lvl string) error {
	if err := SetLevel(lvl); err != nil {
		return err
	}

	var (
		encoder zapcore.Encoder
		writer  zapcore.WriteSyncer
	)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		writer = zapcore.Lock(os.Stderr)
		encoder = zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			MessageKey: "message",

			LevelKey:    "level",
			EncodeLevel: zapcore.CapitalColorLevelEncoder,

			TimeKey:    "time",
			EncodeTime: zapcore.ISO8601TimeEncoder,

			CallerKey:    "caller",
			EncodeCaller: zapcore.ShortCallerEncoder,
		})
	} else {
		writer = zapcore.Lock(os.Stdout)
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	use(zap.New(zapcore.NewCore(encoder, writer, level), zap.AddCaller()))

	return nil
}

// SetLevel changes the level of the package loggers. Accepts the zap level
// names: debug, info, warn, error.
func SetLevel(lvl string) error {
	if lvl == "" {
		return nil
	}

	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(lvl))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", lvl, err)
	}

	level.SetLevel(l)

	return nil
}

func newLogger(w io.Writer) *zap.Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(w),
		level,
	)

	return zap.New(core)
}

func use(logger *zap.Logger) {
	L = logger
	S = logger.Sugar()
}

// PatchLogger sends log output to w for the duration of the test.
func PatchLogger(t *testing.T, w io.Writer) {
	orig := L
	prevLevel := level.Level()

	use(newLogger(w))
	level.SetLevel(zapcore.DebugLevel)

	t.Cleanup(func() {
		use(orig)
		level.SetLevel(prevLevel)
	})
}

// StandardErrorLog returns a stdlib logger that writes to L at the error
// level, for http.Server.ErrorLog.
func StandardErrorLog() *log.Logger {
	errorLog, err := zap.NewStdLogAt(L, zapcore.ErrorLevel)
	if err != nil {
		return nil
	}

	return errorLog
}

func Debugf(format string, args ...interface{}) {
	S.Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	S.Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	S.Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	S.Errorf(format, args...)
}
