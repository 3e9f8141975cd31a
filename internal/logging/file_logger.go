package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	logDirEnvVar   = "CAUSEVAL_LOG_DIR"
	logLevelEnvVar = "CAUSEVAL_LOG_LEVEL"
	logFileName    = "causeval.log"
)

// Level represents the severity of a log message.
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

func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	baseOnce sync.Once
	baseLog  *fileLogger
)

// fileLogger writes formatted lines to the shared causeval.log file.
type fileLogger struct {
	mu        sync.Mutex
	out       *log.Logger
	level     Level
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
//
// All component loggers share one underlying file handle. The log directory
// defaults to the user home directory and can be overridden via CAUSEVAL_LOG_DIR.
func NewComponentLogger(component string) Logger {
	base := getBase()
	return &fileLogger{
		out:       base.out,
		level:     base.level,
		component: component,
	}
}

func getBase() *fileLogger {
	baseOnce.Do(func() {
		baseLog = &fileLogger{level: parseLevel(os.Getenv(logLevelEnvVar))}

		dir, err := resolveLogDirectory()
		if err != nil {
			log.Printf("logging: failed to resolve log directory: %v", err)
			return
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Printf("logging: failed to create log directory %s: %v", dir, err)
			return
		}
		file, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("logging: failed to open log file: %v", err)
			return
		}
		baseLog.out = log.New(file, "", 0) // formatted below, not by log
	})
	return baseLog
}

func resolveLogDirectory() (string, error) {
	if override := strings.TrimSpace(os.Getenv(logDirEnvVar)); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

func (l *fileLogger) write(level Level, format string, args ...any) {
	if level < l.level || l.out == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s [%s] [%s] %s",
		time.Now().Format("2006-01-02 15:04:05.000"), level, l.component, msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Println(line)
}

func (l *fileLogger) Debug(format string, args ...any) { l.write(LevelDebug, format, args...) }
func (l *fileLogger) Info(format string, args ...any)  { l.write(LevelInfo, format, args...) }
func (l *fileLogger) Warn(format string, args ...any)  { l.write(LevelWarn, format, args...) }
func (l *fileLogger) Error(format string, args ...any) { l.write(LevelError, format, args...) }
