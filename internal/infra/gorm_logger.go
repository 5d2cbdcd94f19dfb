package infra

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	gormLogger "gorm.io/gorm/logger"
)

// maxLoggedSQL SQL 日志截断长度，防止批量写入刷爆日志
const maxLoggedSQL = 1024

// zapGormLogger 把 GORM 的查询日志转给 zap。RecordNotFound
// 不算错误（业务上属正常分支），慢查询按阈值单独记 Warn。
type zapGormLogger struct {
	log           *zap.Logger
	level         gormLogger.LogLevel
	slowThreshold time.Duration
}

// NewGormLogger 创建 GORM 日志适配器。slow 为慢查询阈值，
// 传零时取 200ms。
func NewGormLogger(log *zap.Logger, level gormLogger.LogLevel, slow time.Duration) gormLogger.Interface {
	if slow <= 0 {
		slow = 200 * time.Millisecond
	}
	return &zapGormLogger{log: log, level: level, slowThreshold: slow}
}

// LogMode 实现 gormLogger.Interface
func (l *zapGormLogger) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

// Info 实现 gormLogger.Interface
func (l *zapGormLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormLogger.Info {
		l.log.Sugar().Infof(msg, args...)
	}
}

// Warn 实现 gormLogger.Interface
func (l *zapGormLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormLogger.Warn {
		l.log.Sugar().Warnf(msg, args...)
	}
}

// Error 实现 gormLogger.Interface
func (l *zapGormLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormLogger.Error {
		l.log.Sugar().Errorf(msg, args...)
	}
}

// Trace 实现 gormLogger.Interface
func (l *zapGormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormLogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	if len(sql) > maxLoggedSQL {
		sql = sql[:maxLoggedSQL] + "...(truncated)"
	}

	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("sql", sql),
	}

	switch {
	case err != nil && !errors.Is(err, gormLogger.ErrRecordNotFound):
		l.log.Error("SQL 执行错误", append(fields, zap.Error(err))...)
	case elapsed > l.slowThreshold:
		l.log.Warn("SQL 慢查询", append(fields, zap.Duration("threshold", l.slowThreshold))...)
	case l.level >= gormLogger.Info:
		l.log.Debug("SQL 执行", fields...)
	}
}
