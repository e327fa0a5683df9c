package pkg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// Analyzer component identifiers.
const (
	ComponentDecoder   Component = "decoder"
	ComponentCapture   Component = "capture"
	ComponentTransport Component = "transport"
	ComponentFTDI      Component = "ftdi"
	ComponentRegister  Component = "register"
	ComponentFPGA      Component = "fpga"
	ComponentFirmware  Component = "firmware"
	ComponentPcap      Component = "pcap"
	ComponentDevice    Component = "device"
)

// LogFormat selects the handler of the shared logger.
type LogFormat int

// Log formats.
const (
	LogFormatText LogFormat = iota // logfmt-style key=value (default)
	LogFormatJSON                  // One JSON object per line
)

// String returns "text" or "json".
func (f LogFormat) String() string {
	if f == LogFormatJSON {
		return "json"
	}
	return "text"
}

// sink is the shared logger and the settings it was built from.
var sink = struct {
	mu     sync.RWMutex
	level  slog.LevelVar
	out    io.Writer
	format LogFormat
	logger *slog.Logger
}{out: os.Stderr}

func init() {
	sink.level.Set(slog.LevelWarn)
	sink.logger = newHandlerLogger(sink.out, sink.format, &sink.level)
}

func newHandlerLogger(w io.Writer, f LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if f == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// rebuildLocked recreates the shared logger after an output or format change.
func rebuildLocked() {
	sink.logger = newHandlerLogger(sink.out, sink.format, &sink.level)
}

// SetLogLevel sets the minimum level of the shared logger.
func SetLogLevel(level slog.Level) {
	sink.level.Set(level)
}

// GetLogLevel returns the minimum level of the shared logger.
func GetLogLevel() slog.Level {
	return sink.level.Level()
}

// SetLogFormat switches the shared logger between text and JSON output.
func SetLogFormat(format LogFormat) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.format = format
	rebuildLocked()
}

// SetLogOutput directs the shared logger to w. A nil w restores os.Stderr.
func SetLogOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.out = w
	rebuildLocked()
}

// SetLogger replaces the shared logger. Later calls to SetLogFormat or
// SetLogOutput build a new one.
func SetLogger(logger *slog.Logger) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.logger = logger
}

// Logger returns the shared logger.
func Logger() *slog.Logger {
	sink.mu.RLock()
	defer sink.mu.RUnlock()
	return sink.logger
}

// ParseLogLevel converts a level name (debug, info, warn, error) to a
// [slog.Level]. Unknown names yield [slog.LevelWarn] and false.
func ParseLogLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelWarn, false
	}
}

// ParseLogFormat converts "text" or "json" to a [LogFormat].
func ParseLogFormat(name string) (LogFormat, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "text":
		return LogFormatText, true
	case "json":
		return LogFormatJSON, true
	default:
		return LogFormatText, false
	}
}

// Configure applies a level and format by name, as read from a config file.
// An empty level keeps the current one.
func Configure(level, format string) error {
	lvl, ok := ParseLogLevel(level)
	if !ok && level != "" {
		return fmt.Errorf("log level %q: %w", level, ErrInvalidParameter)
	}
	f, ok := ParseLogFormat(format)
	if !ok {
		return fmt.Errorf("log format %q: %w", format, ErrInvalidParameter)
	}
	if level != "" {
		SetLogLevel(lvl)
	}
	SetLogFormat(f)
	return nil
}

func logAt(level slog.Level, component Component, msg string, args []any) {
	l := Logger()
	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	l.Log(ctx, level, msg, append([]any{"component", string(component)}, args...)...)
}

// LogDebug logs at debug level, tagged with component.
func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

// LogInfo logs at info level, tagged with component.
func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

// LogWarn logs at warn level, tagged with component.
func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

// LogError logs at error level, tagged with component.
func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}
