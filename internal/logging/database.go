package logging

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// DatabaseLogger sends gorm logs to L. Queries are logged at debug level,
// slow queries at warn, and failed queries at error.
type DatabaseLogger struct {
	SlowThreshold time.Duration
}

func NewDatabaseLogger(slow time.Duration) *DatabaseLogger {
	return &DatabaseLogger{
		SlowThreshold: slow,
	}
}

func (l *DatabaseLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (*DatabaseLogger) Info(_ context.Context, format string, v ...interface{}) {
	S.Infof(format, v...)
}

func (*DatabaseLogger) Warn(_ context.Context, format string, v ...interface{}) {
	S.Warnf(format, v...)
}

func (*DatabaseLogger) Error(_ context.Context, format string, v ...interface{}) {
	S.Errorf(format, v...)
}

func (l *DatabaseLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	lvl := zapcore.DebugLevel

	elapsed := time.Since(begin)

	switch {
	case err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound):
		lvl = zapcore.ErrorLevel
	case l.SlowThreshold != 0 && elapsed > l.SlowThreshold:
		lvl = zapcore.WarnLevel
	}

	ce := L.WithOptions(zap.AddCallerSkip(3)).Check(lvl, "query")
	if ce == nil {
		return
	}

	sql, rows := fc()
	ce.Write(
		zap.Int64("rows", rows),
		zap.String("query", sql),
		zap.Duration("elapsed", elapsed),
		zap.Error(err),
	)
}
