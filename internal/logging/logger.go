package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel определяет уровни логирования
type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
)

// String возвращает строковое представление уровня логирования
func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel разбирает уровень из строки конфигурации, по умолчанию INFO
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case TRACE:
		return zerolog.TraceLevel
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Options задает вывод логгера
type Options struct {
	// ConsoleLevel - минимальный уровень для консоли
	ConsoleLevel LogLevel
	// FileLevel - минимальный уровень для файла
	FileLevel LogLevel
	// Dir - директория для файлов логов; пустая строка отключает файл
	Dir string
	// Console - куда писать консольный вывод (по умолчанию os.Stdout)
	Console io.Writer
}

// DefaultOptions возвращает настройки по умолчанию: INFO в консоль, без файла
func DefaultOptions() Options {
	return Options{ConsoleLevel: INFO, FileLevel: DEBUG}
}

// Logger - логгер компонента поверх zerolog
type Logger struct {
	component string
	base      zerolog.Logger
	zl        zerolog.Logger
	file      *os.File
}

// levelFilter пропускает в writer только записи не ниже заданного уровня
type levelFilter struct {
	w     io.Writer
	level zerolog.Level
}

func (f levelFilter) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.level {
		return len(p), nil
	}
	return f.w.Write(p)
}

// NewLogger создает логгер компонента
func NewLogger(component string, opts Options) (*Logger, error) {
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	writers := []io.Writer{
		levelFilter{
			w:     zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339},
			level: opts.ConsoleLevel.zerolog(),
		},
	}

	var file *os.File
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("ошибка создания директории логов: %w", err)
		}
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		filename := filepath.Join(opts.Dir, fmt.Sprintf("%s_%s.log", component, timestamp))

		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("ошибка создания файла логов: %w", err)
		}
		file = f
		writers = append(writers, levelFilter{
			w:     zerolog.ConsoleWriter{Out: f, TimeFormat: time.RFC3339, NoColor: true},
			level: opts.FileLevel.zerolog(),
		})
	}

	base := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()

	return &Logger{
		component: component,
		base:      base,
		zl:        base.With().Str("component", component).Logger(),
		file:      file,
	}, nil
}

// Nop возвращает логгер, который ничего не пишет (для тестов)
func Nop() *Logger {
	return &Logger{component: "nop", base: zerolog.Nop(), zl: zerolog.Nop()}
}

// Component возвращает имя компонента
func (l *Logger) Component() string {
	return l.component
}

// With создает дочерний логгер для подкомпонента с тем же выводом
func (l *Logger) With(component string) *Logger {
	name := l.component + "." + component
	return &Logger{
		component: name,
		base:      l.base,
		zl:        l.base.With().Str("component", name).Logger(),
	}
}

// Close закрывает файл логов, если он был открыт
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *Logger) Trace(format string, args ...interface{}) {
	l.zl.Trace().Msgf(format, args...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.zl.Debug().Msgf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.zl.Warn().Msgf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.zl.Error().Msgf(format, args...)
}

// Глобальный логгер процесса. Используется только хостом (cmd/*);
// компоненты ядра получают логгер явно через конструктор.
var (
	defaultMu     sync.RWMutex
	defaultLogger = Nop()
)

// InitDefaultLogger инициализирует глобальный логгер процесса
func InitDefaultLogger(component string, opts Options) error {
	l, err := NewLogger(component, opts)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	return nil
}

// CloseDefaultLogger закрывает глобальный логгер
func CloseDefaultLogger() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	_ = defaultLogger.Close()
	defaultLogger = Nop()
}

// Default возвращает глобальный логгер
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Debug логирует сообщение уровня DEBUG в глобальный логгер
func Debug(format string, args ...interface{}) {
	Default().Debug(format, args...)
}

// Info логирует сообщение уровня INFO в глобальный логгер
func Info(format string, args ...interface{}) {
	Default().Info(format, args...)
}

// Warn логирует сообщение уровня WARN в глобальный логгер
func Warn(format string, args ...interface{}) {
	Default().Warn(format, args...)
}

// Error логирует сообщение уровня ERROR в глобальный логгер
func Error(format string, args ...interface{}) {
	Default().Error(format, args...)
}
