// Package logging is the process-wide leveled logger. JSON lines logged
// while a cycle is active carry its run ID.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a logging verbosity; higher levels include the lower ones.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo // default
	LevelDebug
)

// Format selects how log lines are rendered.
type Format int

const (
	// FormatText renders "2006-01-02 15:04:05 [LEVEL] msg".
	FormatText Format = iota
	// FormatJSON renders one JSON object per line with ts, level and msg
	// keys, plus run_id during a cycle.
	FormatJSON
)

type logger struct {
	mu     sync.Mutex
	level  Level
	format Format
	output io.Writer
	runID  string
}

var std = &logger{level: LevelInfo, output: os.Stdout}

// ParseLevel converts a --verbosity value to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return LevelInfo, fmt.Errorf("unknown verbosity level: %s (valid: debug, info, warn, error)", s)
}

// ParseFormat converts "text" or "json" to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s (valid: text, json)", s)
	}
}

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// SetLevel sets the global log level.
func SetLevel(level Level) {
	std.mu.Lock()
	std.level = level
	std.mu.Unlock()
}

// CurrentLevel returns the global log level.
func CurrentLevel() Level {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.level
}

// SetFormat switches the global format. Unknown names fall back to text.
func SetFormat(name string) {
	f, _ := ParseFormat(name)
	std.mu.Lock()
	std.format = f
	std.mu.Unlock()
}

// SetOutput redirects log lines. nil restores stdout.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	std.mu.Lock()
	std.output = w
	std.mu.Unlock()
}

// SetRun tags subsequent JSON lines with runID; "" clears the tag. Text
// lines name the cycle in the message instead.
func SetRun(runID string) {
	std.mu.Lock()
	std.runID = runID
	std.mu.Unlock()
}

func Debug(format string, args ...any) { std.log(LevelDebug, format, args...) }
func Info(format string, args ...any)  { std.log(LevelInfo, format, args...) }
func Warn(format string, args ...any)  { std.log(LevelWarn, format, args...) }
func Error(format string, args ...any) { std.log(LevelError, format, args...) }

type jsonLine struct {
	TS    string `json:"ts"`
	Level string `json:"level"`
	RunID string `json:"run_id,omitempty"`
	Msg   string `json:"msg"`
}

func (l *logger) log(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level > l.level {
		return
	}

	msg := strings.TrimSpace(fmt.Sprintf(format, args...))
	now := time.Now()

	if l.format == FormatJSON {
		line, err := json.Marshal(jsonLine{
			TS:    now.Format(time.RFC3339Nano),
			Level: strings.ToLower(level.String()),
			RunID: l.runID,
			Msg:   msg,
		})
		if err == nil {
			l.output.Write(append(line, '\n'))
		}
		return
	}

	fmt.Fprintf(l.output, "%s [%s] %s\n", now.Format("2006-01-02 15:04:05"), level, msg)
}
