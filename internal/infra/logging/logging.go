package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envLogFormat = "PROCFLOW_LOG_FORMAT"

var (
	mu   sync.RWMutex
	base = newDefault(false)
)

// Init replaces the process logger. verbose enables debug level.
func Init(verbose bool) {
	Use(newDefault(verbose))
}

// Use installs l as the process logger and returns a func restoring the previous one.
func Use(l *zap.Logger) func() {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	prev := base
	base = l
	mu.Unlock()
	return func() {
		mu.Lock()
		base = prev
		mu.Unlock()
	}
}

// L returns the current logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered entries.
func Sync() {
	_ = L().Sync()
}

// Debug logs a debug message with key/value fields for a component.
func Debug(component, msg string, kv ...interface{}) {
	L().Debug(msg, fields(component, kv...)...)
}

// Info logs a message with key/value fields for a component.
func Info(component, msg string, kv ...interface{}) {
	L().Info(msg, fields(component, kv...)...)
}

// Error logs an error message with key/value fields for a component.
func Error(component, msg string, kv ...interface{}) {
	L().Error(msg, fields(component, kv...)...)
}

func newDefault(verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	var encoder zapcore.Encoder
	if strings.EqualFold(strings.TrimSpace(os.Getenv(envLogFormat)), "json") {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

func fields(component string, kv ...interface{}) []zap.Field {
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	out := make([]zap.Field, 0, len(kv)/2+1)
	out = append(out, zap.String("component", component))
	for i := 0; i < len(kv); i += 2 {
		key := strings.TrimSpace(keyString(kv[i]))
		switch v := kv[i+1].(type) {
		case error:
			out = append(out, zap.NamedError(key, v))
		default:
			out = append(out, zap.Any(key, v))
		}
	}
	return out
}

func keyString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
