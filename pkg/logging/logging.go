// Package logging provides leveled log output for training runs, optionally
// written to a size-rotated log file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
)

// ModeFlag is the minimum severity that gets written.
type ModeFlag uint

const (
	DebugMode ModeFlag = iota
	InfoMode
	WarningMode
	ErrorMode
	CriticalMode
	SilentMode
)

var (
	mu     sync.Mutex
	mode   = InfoMode
	out    = log.New(os.Stderr, "", log.LstdFlags)
	rotate *lumberjack.Logger
)

// LogConfig selects a rotating log file. With an empty Logfile messages go
// to stderr.
type LogConfig struct {
	Logfile string `yaml:"logfile" toml:"logfile"`
	MaxSize int    `yaml:"maxLogSize" toml:"max_log_size"` // megabytes
	MaxAge  int    `yaml:"maxLogAge" toml:"max_log_age"`   // days
}

// SetLogger directs log output to the configured file.
func (c *LogConfig) SetLogger() {
	if c == nil || c.Logfile == "" {
		Debugf("Sending log messages to stderr since no log file specified.")
		return
	}
	fmt.Printf("Sending log messages to: %s\n", c.Logfile)
	l := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize,
		MaxAge:   c.MaxAge,
	}

	mu.Lock()
	defer mu.Unlock()
	rotate = l
	out.SetOutput(l)
}

// SetOutput redirects log output to w, closing any rotating log file.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if rotate != nil {
		rotate.Close()
		rotate = nil
	}
	out.SetOutput(w)
}

// SetLogMode sets the severity required for a message to be written.
func SetLogMode(newMode ModeFlag) {
	mu.Lock()
	mode = newMode
	mu.Unlock()
}

// Shutdown closes the log file, if any.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	if rotate != nil {
		rotate.Close()
		rotate = nil
		out.SetOutput(os.Stderr)
	}
}

func logf(level ModeFlag, tag, format string, args ...interface{}) {
	mu.Lock()
	enabled := mode <= level
	mu.Unlock()
	if enabled {
		out.Printf(" "+tag+" "+format, args...)
	}
}

// Debugf formats its arguments analogous to fmt.Printf and records the text
// at Debug level.
func Debugf(format string, args ...interface{}) {
	logf(DebugMode, "DEBUG", format, args...)
}

// Infof is like Debugf, but at Info level.
func Infof(format string, args ...interface{}) {
	logf(InfoMode, "INFO", format, args...)
}

// Warningf is like Debugf, but at Warning level.
func Warningf(format string, args ...interface{}) {
	logf(WarningMode, "WARNING", format, args...)
}

// Errorf is like Debugf, but at Error level.
func Errorf(format string, args ...interface{}) {
	logf(ErrorMode, "ERROR", format, args...)
}

// Criticalf is like Debugf, but at Critical level.
func Criticalf(format string, args ...interface{}) {
	logf(CriticalMode, "CRITICAL", format, args...)
}

// TimeLog appends the elapsed time since its creation to each message.
type TimeLog struct {
	start time.Time
}

// NewTimeLog starts a timer.
func NewTimeLog() TimeLog {
	return TimeLog{time.Now()}
}

func (t TimeLog) Debugf(format string, args ...interface{}) {
	Debugf(format+": %s\n", append(args, time.Since(t.start))...)
}

func (t TimeLog) Infof(format string, args ...interface{}) {
	Infof(format+": %s\n", append(args, time.Since(t.start))...)
}
