package logger

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log   *zap.Logger
	Sugar *zap.SugaredLogger
)

func init() {
	// stderr only until Init is called with a log file
	core := zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stderr), levelFromEnv(zapcore.InfoLevel))
	Log = zap.New(core, zap.AddCaller())
	Sugar = Log.Sugar()
}

func newEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006/01/02 15:04:05"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	// Human-readable output; switch to NewJSONEncoder if logs get shipped somewhere.
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func levelFromEnv(def zapcore.Level) zapcore.Level {
	level := def
	levelStr := strings.TrimSpace(os.Getenv("P2P_LOG_LEVEL"))
	if levelStr == "" {
		levelStr = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	}
	if levelStr != "" {
		_ = level.UnmarshalText([]byte(strings.ToLower(levelStr)))
	}
	return level
}

// Init replaces the global loggers. Output goes to stderr and, when file is
// non-empty, is also appended to file. An empty levelStr falls back to the
// P2P_LOG_LEVEL / LOG_LEVEL environment variables.
func Init(file string, levelStr string) error {
	level := levelFromEnv(zapcore.InfoLevel)
	if levelStr = strings.TrimSpace(levelStr); levelStr != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(levelStr))); err != nil {
			return err
		}
	}

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		sinks = append(sinks, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(newEncoder(), zapcore.NewMultiWriteSyncer(sinks...), level)

	// AddCaller ensures the log includes filename and line number
	Log = zap.New(core, zap.AddCaller())
	Sugar = Log.Sugar()
	return nil
}

// Sync flushes buffered entries. Errors from syncing stderr are ignored.
func Sync() {
	_ = Log.Sync()
}
