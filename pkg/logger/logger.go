package logger

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel разбирает уровень из конфигурации. Неизвестные значения дают Info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LogLevelTrace
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LogLevelTrace:
		return logrus.TraceLevel
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelWarn:
		return logrus.WarnLevel
	case LogLevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError логирует ошибку; для ошибок с кодом добавляет код и поля контекста
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	// Контекстные логгеры
	WithComponent(component string) StructuredLogger
	WithSession(sessionID string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Time(key string, value time.Time) Field         { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

// codedError ошибки, которые умеют сообщать свой код и контекст
type codedError interface {
	error
	ErrorCode() string
	ErrorFields() map[string]interface{}
}

// Config настройки логгера
type Config struct {
	Level  LogLevel
	JSON   bool
	Output io.Writer // по умолчанию os.Stdout

	// File если задан, записи дублируются в файл с ротацией
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Level:      LogLevelInfo,
		Output:     os.Stdout,
		MaxSizeMB:  100,
		MaxBackups: 1,
	}
}

// LogrusLogger реализация StructuredLogger поверх logrus
type LogrusLogger struct {
	mu     *sync.RWMutex
	level  *LogLevel
	base   *logrus.Logger
	entry  *logrus.Entry
	closer io.Closer
}

// New создает logger по конфигурации
func New(cfg Config) *LogrusLogger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var closer io.Closer
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		out = io.MultiWriter(out, file)
		closer = file
	}

	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(logrus.TraceLevel) // фильтрация по уровню на нашей стороне
	if cfg.JSON {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	}

	level := cfg.Level
	return &LogrusLogger{
		mu:     &sync.RWMutex{},
		level:  &level,
		base:   base,
		entry:  logrus.NewEntry(base),
		closer: closer,
	}
}

// NewDefaultLogger создает logger с настройками по умолчанию
func NewDefaultLogger() *LogrusLogger {
	return New(DefaultConfig())
}

// Close закрывает файл ротации, если он был открыт
func (l *LogrusLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// SetLevel устанавливает минимальный уровень логирования.
// Уровень общий для всех производных логгеров.
func (l *LogrusLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.level = level
}

// IsEnabled проверяет, включен ли уровень логирования
func (l *LogrusLogger) IsEnabled(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= *l.level
}

func (l *LogrusLogger) derive(entry *logrus.Entry) *LogrusLogger {
	return &LogrusLogger{
		mu:     l.mu,
		level:  l.level,
		base:   l.base,
		entry:  entry,
		closer: l.closer,
	}
}

// WithComponent создает logger с указанным компонентом
func (l *LogrusLogger) WithComponent(component string) StructuredLogger {
	return l.derive(l.entry.WithField("component", component))
}

// WithSession создает logger с идентификатором сессии звонка
func (l *LogrusLogger) WithSession(sessionID string) StructuredLogger {
	return l.derive(l.entry.WithField("session_id", sessionID))
}

// WithFields создает logger с дополнительными полями
func (l *LogrusLogger) WithFields(fields ...Field) StructuredLogger {
	return l.derive(l.entry.WithFields(toLogrusFields(fields)))
}

func (l *LogrusLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelTrace, msg, fields)
}

func (l *LogrusLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelDebug, msg, fields)
}

func (l *LogrusLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelInfo, msg, fields)
}

func (l *LogrusLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelWarn, msg, fields)
}

func (l *LogrusLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelError, msg, fields)
}

// LogError логирует ошибку с дополнительной информацией
func (l *LogrusLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if err == nil {
		l.Error(ctx, msg, fields...)
		return
	}

	errorFields := append(fields, Err(err))

	var ce codedError
	if errors.As(err, &ce) {
		errorFields = append(errorFields, String("error_code", ce.ErrorCode()))
		for k, v := range ce.ErrorFields() {
			errorFields = append(errorFields, Any(k, v))
		}
	}

	l.log(ctx, LogLevelError, msg, errorFields)
}

func (l *LogrusLogger) log(ctx context.Context, level LogLevel, msg string, fields []Field) {
	if !l.IsEnabled(level) {
		return
	}

	entry := l.entry
	if ctx != nil {
		entry = entry.WithContext(ctx)
	}
	if len(fields) > 0 {
		entry = entry.WithFields(toLogrusFields(fields))
	}
	entry.Log(level.logrus(), msg)
}

func toLogrusFields(fields []Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok && err != nil {
			// logrus сериализует error в JSON как {}, храним текст
			out[f.Key] = err.Error()
			continue
		}
		out[f.Key] = f.Value
	}
	return out
}

// NoOpLogger логгер-заглушка для тестов
type NoOpLogger struct{}

func (NoOpLogger) Trace(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Debug(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Info(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Warn(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Error(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {}
func (NoOpLogger) WithComponent(component string) StructuredLogger                      { return NoOpLogger{} }
func (NoOpLogger) WithSession(sessionID string) StructuredLogger                        { return NoOpLogger{} }
func (NoOpLogger) WithFields(fields ...Field) StructuredLogger                          { return NoOpLogger{} }
func (NoOpLogger) SetLevel(level LogLevel)                                              {}
func (NoOpLogger) IsEnabled(level LogLevel) bool                                        { return false }

var (
	defaultMu     sync.RWMutex
	defaultLogger StructuredLogger = NewDefaultLogger()
)

// SetDefaultLogger устанавливает глобальный logger
func SetDefaultLogger(l StructuredLogger) {
	if l == nil {
		l = NoOpLogger{}
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// GetDefaultLogger возвращает глобальный logger
func GetDefaultLogger() StructuredLogger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}
