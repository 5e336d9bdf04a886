package store

import (
	"context"
	"fmt"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// slowQueryThreshold is the elapsed time above which a statement is
// logged at warn level.
const slowQueryThreshold = time.Second

// GormLogger routes gorm logging through observability.Logger.
type GormLogger struct {
	logger   observability.Logger
	LogLevel gormlogger.LogLevel
}

// NewGormLogger creates a gorm logger that reports errors and slow queries.
func NewGormLogger(l observability.Logger) *GormLogger {
	return &GormLogger{
		logger:   l,
		LogLevel: gormlogger.Warn,
	}
}

// LogMode implements gormlogger.Interface.
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

// Info implements gormlogger.Interface.
func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Info {
		l.logger.WithContext(ctx).Info(fmt.Sprintf(msg, data...))
	}
}

// Warn implements gormlogger.Interface.
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Warn {
		l.logger.WithContext(ctx).Warn(fmt.Sprintf(msg, data...))
	}
}

// Error implements gormlogger.Interface.
func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Error {
		l.logger.WithContext(ctx).Error(fmt.Sprintf(msg, data...))
	}
}

// Trace implements gormlogger.Interface.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []observability.Field{
		observability.String("sql", sql),
		observability.Int64("rows", rows),
		observability.Duration("elapsed", elapsed),
	}
	logger := l.logger.WithContext(ctx)

	switch {
	case err != nil && l.LogLevel >= gormlogger.Error && !isRecordNotFound(err):
		logger.Error("sql statement failed", append(fields, observability.Error(err))...)
	case elapsed > slowQueryThreshold && l.LogLevel >= gormlogger.Warn:
		logger.Warn("slow sql statement", append(fields, observability.Duration("threshold", slowQueryThreshold))...)
	case l.LogLevel == gormlogger.Info:
		logger.Debug("sql statement", fields...)
	}
}
