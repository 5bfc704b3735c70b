package gorm

import (
	"fmt"
	"strings"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// NewGormLogger creates a gorm logger that reports through the trainer logger.
// SQL traces are only emitted when the trainer log level is DEBUG.
func NewGormLogger() gormlogger.Interface {
	level := gormlogger.Warn
	if logger.CurrentLevel() <= logger.LevelDebug {
		level = gormlogger.Info
	}
	return gormlogger.New(gormWriter{}, gormlogger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// gormWriter routes GORM output into the trainer logger.
type gormWriter struct{}

// Printf implements gormlogger.Writer.
func (gormWriter) Printf(format string, v ...interface{}) {
	msg := strings.TrimSpace(fmt.Sprintf(format, v...))
	// Failed statements are reported by the adapters with their error kind.
	if strings.Contains(msg, "SLOW SQL") {
		logger.Warnf("[GORM] %s", msg)
		return
	}
	logger.Debugf("[GORM] %s", msg)
}
