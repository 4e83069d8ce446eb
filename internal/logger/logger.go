package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level はログレベルを表す
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// zerologLevel はzerologのレベルに変換する
func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel は文字列からレベルを解析する（不明な値はInfo）
func ParseLevel(s string) Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return LevelInfo
	}
	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return LevelDebug
	case zerolog.WarnLevel:
		return LevelWarn
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger はスレッドセーフなロガー
type Logger struct {
	mu   sync.RWMutex
	zl   zerolog.Logger
	base zerolog.Logger
}

// Default はデフォルトのロガー
var Default = New(os.Stdout, LevelInfo)

// New はJSON形式で出力するロガーを作成する
func New(out io.Writer, minLevel Level) *Logger {
	return newLogger(zerolog.New(out).With().Timestamp().Logger(), minLevel)
}

// NewConsole は人間向けのコンソール形式で出力するロガーを作成する
func NewConsole(out io.Writer, minLevel Level) *Logger {
	w := zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05.000"}
	return newLogger(zerolog.New(w).With().Timestamp().Logger(), minLevel)
}

func newLogger(base zerolog.Logger, minLevel Level) *Logger {
	return &Logger{
		base: base,
		zl:   base.Level(minLevel.zerologLevel()),
	}
}

// SetLevel はログレベルを設定する
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.zl = l.base.Level(level.zerologLevel())
}

// Zerolog は下位のzerolog.Loggerを返す
func (l *Logger) Zerolog() zerolog.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zl
}

// log は指定されたレベルでログを出力する
func (l *Logger) log(level Level, processID string, format string, args ...any) {
	l.mu.RLock()
	zl := l.zl
	l.mu.RUnlock()

	ev := zl.WithLevel(level.zerologLevel())
	if ev == nil {
		return
	}
	if processID != "" {
		ev = ev.Str("process", processID)
	}
	ev.Msg(fmt.Sprintf(format, args...))
}

// Debug はデバッグログを出力する
func (l *Logger) Debug(processID string, format string, args ...any) {
	l.log(LevelDebug, processID, format, args...)
}

// Info は情報ログを出力する
func (l *Logger) Info(processID string, format string, args ...any) {
	l.log(LevelInfo, processID, format, args...)
}

// Warn は警告ログを出力する
func (l *Logger) Warn(processID string, format string, args ...any) {
	l.log(LevelWarn, processID, format, args...)
}

// Error はエラーログを出力する
func (l *Logger) Error(processID string, format string, args ...any) {
	l.log(LevelError, processID, format, args...)
}

// Elapsed は経過時間付きで情報ログを出力する
func (l *Logger) Elapsed(processID string, start time.Time, msg string) {
	l.mu.RLock()
	zl := l.zl
	l.mu.RUnlock()

	ev := zl.Info().Dur("elapsed", time.Since(start))
	if processID != "" {
		ev = ev.Str("process", processID)
	}
	ev.Msg(msg)
}

// グローバル関数（デフォルトロガーを使用）

// Debug はデバッグログを出力する
func Debug(processID string, format string, args ...any) {
	Default.Debug(processID, format, args...)
}

// Info は情報ログを出力する
func Info(processID string, format string, args ...any) {
	Default.Info(processID, format, args...)
}

// Warn は警告ログを出力する
func Warn(processID string, format string, args ...any) {
	Default.Warn(processID, format, args...)
}

// Error はエラーログを出力する
func Error(processID string, format string, args ...any) {
	Default.Error(processID, format, args...)
}

// Elapsed は経過時間付きで情報ログを出力する
func Elapsed(processID string, start time.Time, msg string) {
	Default.Elapsed(processID, start, msg)
}
