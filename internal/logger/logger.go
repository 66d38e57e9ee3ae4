// Package logger 提供显式构造、逐层传递的结构化日志句柄。
// 不暴露任何包级全局 logger，组件通过 With 派生带上下文的子句柄。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 描述日志级别与输出目标。
type Config struct {
	Level      string // debug/info/warn/error
	File       string // 为空则只输出到 stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger 封装 *slog.Logger，由 main 构造一次后向下传递。
type Logger struct {
	*slog.Logger
}

// New 按配置构造 Logger；配置了 File 时同时写 stdout 与滚动日志文件。
func New(cfg Config) *Logger {
	var w io.Writer = os.Stdout
	if strings.TrimSpace(cfg.File) != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    defaultInt(cfg.MaxSizeMB, 5),
			MaxBackups: defaultInt(cfg.MaxBackups, 5),
			MaxAge:     cfg.MaxAgeDays,
		}
		w = io.MultiWriter(os.Stdout, rotating)
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(cfg.Level)})
	return &Logger{Logger: slog.New(h)}
}

// Discard 返回丢弃全部输出的 Logger，测试用。
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// With 派生携带固定字段的子句柄。
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Named 派生标记组件名的子句柄。
func (l *Logger) Named(component string) *Logger {
	return l.With("component", component)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
