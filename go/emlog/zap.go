package emlog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger is the default Logger backend, writing console-encoded lines to
// stderr.
type zapLogger struct {
	s *zap.SugaredLogger
}

func newZapLogger() *zapLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zapcore.DebugLevel,
	)
	// Skip the emlog facade frames so the caller's file:line is reported.
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))
	return &zapLogger{s: l.Sugar()}
}

// Logf implements Logger.
func (z *zapLogger) Logf(level Level, format string, args ...interface{}) {
	switch level {
	case LevelDebug:
		z.s.Debugf(format, args...)
	case LevelInfo:
		z.s.Infof(format, args...)
	case LevelWarning:
		z.s.Warnf(format, args...)
	case LevelError:
		z.s.Errorf(format, args...)
	case LevelFatal:
		z.s.Fatalf(format, args...)
	}
}

// Log implements Logger.
func (z *zapLogger) Log(level Level, args ...interface{}) {
	z.Logf(level, "%s", fmt.Sprint(args...))
}

// Flush implements Logger.
func (z *zapLogger) Flush() {
	_ = z.s.Sync()
}
