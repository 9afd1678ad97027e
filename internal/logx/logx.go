// Package logx provides structured logging functionality
package logx

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger to provide a consistent interface
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
	scope string
}

var (
	globalLogger *Logger
	scopeMu      sync.Mutex
	scopes       = map[string]*Logger{}
)

func init() {
	// 初始化默认全局 logger
	globalLogger = build("info", "console")
}

// IsLocalDev checks if the environment is local development
func IsLocalDev(appEnv string) bool {
	return appEnv == "local" || appEnv == "dev" || appEnv == "development"
}

func build(level, format string) *Logger {
	config := getLoggerConfig()

	switch strings.ToLower(format) {
	case "json":
		config.Encoding = "json"
		config.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder // JSON 格式使用小写
	default:
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	lvl := parseLevel(level)
	if IsLocalDev(os.Getenv("APP_ENV")) && lvl > zapcore.DebugLevel {
		lvl = zapcore.DebugLevel
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	zapLogger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return &Logger{zap: zapLogger, sugar: zapLogger.Sugar()}
}

// customTimeEncoder 自定义时间编码器
func customTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// getLoggerConfig returns the zap configuration
func getLoggerConfig() zap.Config {
	config := zap.NewProductionConfig()

	config.Development = false
	config.DisableCaller = false
	config.DisableStacktrace = false
	config.Sampling = nil

	config.EncoderConfig = zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     customTimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	config.Encoding = "console"

	return config
}

// Init reconfigures the global logger and every scoped logger handed out so far.
func Init(level, format string) {
	root := build(level, format)

	scopeMu.Lock()
	defer scopeMu.Unlock()
	globalLogger = root
	for name, l := range scopes {
		named := root.zap.Named(name)
		l.zap = named
		l.sugar = named.Sugar()
	}
}

// GetScope returns a named logger for one subsystem. The same instance is
// returned for repeated calls, so package-level vars stay valid across Init.
func GetScope(name string) *Logger {
	scopeMu.Lock()
	defer scopeMu.Unlock()
	if l, ok := scopes[name]; ok {
		return l
	}
	named := globalLogger.zap.Named(name)
	l := &Logger{zap: named, sugar: named.Sugar(), scope: name}
	scopes[name] = l
	return l
}

// L returns the global sugar logger instance that supports key-value logging
func L() *zap.SugaredLogger {
	if globalLogger == nil {
		return nil
	}
	return globalLogger.sugar
}

// GetLogger returns the underlying zap logger for advanced usage
func GetLogger() *zap.Logger {
	if globalLogger == nil {
		return nil
	}
	return globalLogger.zap
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Sugar returns the sugar logger for key-value style logging
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// Zap returns the underlying zap logger for structured logging
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Debug logs a debug message with structured fields
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	if l.zap == nil {
		return
	}
	l.zap.Debug(msg, fields...)
}

// Info logs an info message with structured fields
func (l *Logger) Info(msg string, fields ...zap.Field) {
	if l.zap == nil {
		return
	}
	l.zap.Info(msg, fields...)
}

// Warn logs a warning message with structured fields
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	if l.zap == nil {
		return
	}
	l.zap.Warn(msg, fields...)
}

// Error logs an error message with structured fields
func (l *Logger) Error(msg string, fields ...zap.Field) {
	if l.zap == nil {
		return
	}
	l.zap.Error(msg, fields...)
}

// Close flushes any buffered log entries
func (l *Logger) Close() error {
	if l.zap != nil {
		return l.zap.Sync()
	}
	return nil
}
