// Package logx provides the process-wide leveled logger. Output goes to a
// console writer (stderr by default) and, once ConfigureFile is called, is
// mirrored to a timestamped log file under the run's output directory.
package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level controls which messages are emitted.
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
	}
	return "UNKNOWN"
}

// ParseLevel maps a config/flag string to a Level. Unknown values fall back
// to info so a typo in config never silences errors.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

var (
	mu      sync.Mutex
	minimum = LevelInfo
	console io.Writer = os.Stderr
	file    *os.File
)

// Configure sets the minimum level and the console sink. A nil writer keeps
// the current one.
func Configure(level Level, w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	minimum = level
	if w != nil {
		console = w
	}
}

// ConfigureFile opens a timestamped log file under dir and mirrors all
// subsequent output to it. Any previously opened file is closed.
func ConfigureFile(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	name := fmt.Sprintf("chrono-%s.log", time.Now().Format("20060102-150405"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	mu.Lock()
	if file != nil {
		file.Close()
	}
	file = f
	mu.Unlock()
	return nil
}

// Close flushes and closes the log file, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
		file = nil
	}
}

func emit(level Level, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	if level < minimum && file == nil {
		return
	}
	line := fmt.Sprintf("%s %s %s\n",
		time.Now().Format("2006/01/02 15:04:05"), level, fmt.Sprintf(format, args...))
	if level >= minimum && console != nil {
		io.WriteString(console, line)
	}
	if file != nil {
		io.WriteString(file, line)
	}
}

func Debugf(format string, args ...any) { emit(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { emit(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { emit(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { emit(LevelError, format, args...) }

// CleanupLogs removes old chrono-*.log files from dir, keeping the newest
// keep files.
func CleanupLogs(dir string, keep int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var logs []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "chrono-") && strings.HasSuffix(e.Name(), ".log") {
			logs = append(logs, e.Name())
		}
	}
	if len(logs) <= keep {
		return
	}
	// Timestamped names sort chronologically.
	sort.Strings(logs)
	for _, name := range logs[:len(logs)-keep] {
		os.Remove(filepath.Join(dir, name))
	}
}
