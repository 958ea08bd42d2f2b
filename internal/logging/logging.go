// Package logging is the leveled logger shared by every nightscout-export package.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
)

// Log levels, ordered from quietest to most verbose.
const (
	None = iota
	Error
	Warning
	Info
	Debug
)

// levelNames maps each level to its flag/config spelling.
var levelNames = map[int]string{
	None:    "none",
	Error:   "error",
	Warning: "warn",
	Info:    "info",
	Debug:   "debug",
}

var currentLevel atomic.Int32                                             // Current level, read on every log call.
var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds) // Shared output; see SetOutput.

func init() {
	// Info until the command line or config file says otherwise.
	currentLevel.Store(Info)
}

// SetLevel sets the global level, clamped to [None, Debug].
func SetLevel(level int) {
	// Clamp level to the valid range.
	if level < None {
		level = None
	} else if level > Debug {
		level = Debug
	}
	currentLevel.Store(int32(level))
	// Only announce the change at debug level, where it matters.
	if level == Debug {
		logf(Debug, "Log level set to %s", LevelName(level))
	}
}

// GetLevel returns the current global level.
func GetLevel() int {
	return int(currentLevel.Load())
}

// LevelName returns the canonical flag/config spelling of a level.
func LevelName(level int) string {
	if name, ok := levelNames[level]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel converts a case-insensitive level name to its constant.
// Unknown names yield Info and an error.
func ParseLevel(levelStr string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "none", "off":
		return None, nil
	case "error":
		return Error, nil
	case "warn", "warning":
		return Warning, nil
	case "info", "":
		return Info, nil
	case "debug":
		return Debug, nil
	default:
		// Info is still returned so callers can fall back to it.
		return Info, fmt.Errorf("invalid log level string: '%s'", levelStr)
	}
}

// SetupLogging parses levelStr and applies it, falling back to Info with a
// warning when the name is not recognised. It returns the level in effect.
func SetupLogging(levelStr string) int {
	level, err := ParseLevel(levelStr)
	if err != nil {
		logf(Warning, "Invalid log level '%s', defaulting to 'info': %v", levelStr, err)
	}
	SetLevel(level)
	return level
}

// SetOutput redirects all log output, mainly for tests.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// prefixFor returns the bracketed tag written before each message.
func prefixFor(level int) string {
	switch level {
	case Error:
		return "[ERROR] "
	case Warning:
		return "[WARN] "
	case Info:
		return "[INFO] "
	case Debug:
		return "[DEBUG] "
	default:
		return "[UNKN] "
	}
}

// logf is the common sink behind Logf and Categoryf. It must be called
// directly from those wrappers for the caller lookup to be right.
func logf(level int, format string, v ...interface{}) {
	// Skip formatting entirely when the level is disabled.
	if int32(level) > currentLevel.Load() {
		return
	}

	prefix := prefixFor(level)
	if level == Debug {
		// Two frames up is the caller of Logf / Categoryf.
		if pc, file, line, ok := runtime.Caller(2); ok {
			funcName := "???"
			if f := runtime.FuncForPC(pc); f != nil {
				funcName = filepath.Base(f.Name())
			}
			prefix = fmt.Sprintf("%s%s:%d:%s ", prefix, filepath.Base(file), line, funcName)
		} else {
			// Caller info unavailable (e.g. stripped binary).
			prefix += "???:0:??? "
		}
	}

	logger.Println(prefix + fmt.Sprintf(format, v...))
}

// Logf logs a formatted message when level is enabled.
func Logf(level int, format string, v ...interface{}) {
	logf(level, format, v...)
}

// Categoryf logs a message tagged with the data category it concerns,
// e.g. "[INFO] [treatments] fetched 120 records".
func Categoryf(level int, category string, format string, v ...interface{}) {
	logf(level, "["+category+"] "+format, v...)
}
