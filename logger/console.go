package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const isWindows = runtime.GOOS == "windows"

const (
	Reset      = "\033[0m"
	Red        = "\033[31m"
	Magenta    = "\033[35m"
	White      = "\033[37m"
	BlueBold   = "\033[34;1m"
	RedBold    = "\033[31;1m"
	YellowBold = "\033[33;1m"
	CyanBold   = "\033[36;1m"
	Gray       = "\033[1;90m"
	Purple     = "\u001b[38;5;200m"
)

var levelNames = map[LogLevel]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

var levelColors = map[LogLevel]string{
	LevelTrace: CyanBold,
	LevelDebug: BlueBold,
	LevelInfo:  YellowBold,
	LevelWarn:  Magenta,
	LevelError: RedBold,
}

type consoleLogger struct {
	prefixes []string
	metadata map[string]interface{}
	level    LogLevel
	out      io.Writer
	mu       *sync.Mutex
	colors   bool
	now      func() time.Time
}

var _ Logger = (*consoleLogger)(nil)

// NewConsoleLogger returns a Logger writing one line per entry to stderr.
// Without an explicit level, the level comes from GetLevelFromEnv.
func NewConsoleLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	colors := !isWindows && os.Getenv("TERM") != "dumb" &&
		(isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()))
	return &consoleLogger{
		level:  level,
		out:    os.Stderr,
		mu:     &sync.Mutex{},
		colors: colors,
		now:    time.Now,
	}
}

// NewWriterLogger returns an uncolored Logger writing to w.
func NewWriterLogger(w io.Writer, level LogLevel) Logger {
	return &consoleLogger{level: level, out: w, mu: &sync.Mutex{}, now: time.Now}
}

func (c *consoleLogger) clone() *consoleLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	clone := *c
	clone.prefixes = slices.Clone(c.prefixes)
	clone.metadata = metadata
	return &clone
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *consoleLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	if !slices.Contains(clone.prefixes, prefix) {
		clone.prefixes = append(clone.prefixes, prefix)
	}
	return clone
}

func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range metadata {
		clone.metadata[k] = v
	}
	return clone
}

func (c *consoleLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.level && level != LevelNone
}

func (c *consoleLogger) color(val string) string {
	if !c.colors {
		return ""
	}
	return val
}

func (c *consoleLogger) log(level LogLevel, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	var sb strings.Builder
	sb.WriteString(c.now().Format(time.RFC3339))
	sb.WriteByte(' ')
	name := levelNames[level]
	sb.WriteString(c.color(levelColors[level]) + "[" + name + "]" + strings.Repeat(" ", 5-len(name)) + c.color(Reset))
	sb.WriteByte(' ')
	if len(c.prefixes) > 0 {
		sb.WriteString(c.color(Purple) + strings.Join(c.prefixes, " ") + c.color(Reset) + " ")
	}
	sb.WriteString(fmt.Sprintf(msg, args...))
	if len(c.metadata) > 0 {
		buf, _ := json.Marshal(c.metadata)
		sb.WriteString(" " + c.color(Gray) + string(buf) + c.color(Reset))
	}
	sb.WriteByte('\n')
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, sb.String())
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) { c.log(LevelTrace, msg, args...) }
func (c *consoleLogger) Debug(msg string, args ...interface{}) { c.log(LevelDebug, msg, args...) }
func (c *consoleLogger) Info(msg string, args ...interface{})  { c.log(LevelInfo, msg, args...) }
func (c *consoleLogger) Warn(msg string, args ...interface{})  { c.log(LevelWarn, msg, args...) }
func (c *consoleLogger) Error(msg string, args ...interface{}) { c.log(LevelError, msg, args...) }
