// Package build wires the btclog backend shared by every lockwallet
// subsystem and the optional rotating log file.
package build

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// LogWriter writes to stderr and, once InitLogRotator has run, to the
// rotator pipe. Command output goes to stdout, so logs stay on stderr.
type LogWriter struct {
	// RotatorPipe is the write-end pipe for writing to the log rotator.
	RotatorPipe *io.PipeWriter
}

// Write implements io.Writer
func (w *LogWriter) Write(b []byte) (int, error) {
	os.Stderr.Write(b)
	if w.RotatorPipe != nil {
		w.RotatorPipe.Write(b)
	}
	return len(b), nil
}

// SubLoggers is a map of subsystem loggers keyed by subsystem name
type SubLoggers map[string]btclog.Logger

// Logging owns the backend and every subsystem logger created from it
type Logging struct {
	writer  *LogWriter
	backend *btclog.Backend
	rotator *rotator.Rotator
	subs    SubLoggers
}

// NewLogging creates a logging root. Subsystem loggers are created by
// NewSubLogger and start at the info level.
func NewLogging() *Logging {
	w := &LogWriter{}
	return &Logging{
		writer:  w,
		backend: btclog.NewBackend(w),
		subs:    make(SubLoggers),
	}
}

// NewSubLogger returns the logger for subsystem, creating it on first use
func (l *Logging) NewSubLogger(subsystem string) btclog.Logger {
	if logger, ok := l.subs[subsystem]; ok {
		return logger
	}
	logger := l.backend.Logger(subsystem)
	logger.SetLevel(btclog.LevelInfo)
	l.subs[subsystem] = logger
	return logger
}

// SupportedSubsystems returns the sorted names of all registered subsystems
func (l *Logging) SupportedSubsystems() []string {
	names := make([]string, 0, len(l.subs))
	for name := range l.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetLogLevels parses a level string and applies it. It is either a
// single level for every subsystem ("debug") or a comma separated list of
// subsystem=level pairs, optionally preceded by a global level
// ("info,KSTR=debug").
func (l *Logging) SetLogLevels(levels string) error {
	for _, part := range strings.Split(levels, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if !strings.Contains(part, "=") {
			level, ok := btclog.LevelFromString(part)
			if !ok {
				return fmt.Errorf("invalid log level: %v", part)
			}
			for _, logger := range l.subs {
				logger.SetLevel(level)
			}
			continue
		}

		fields := strings.SplitN(part, "=", 2)
		subsystem, levelStr := fields[0], fields[1]
		logger, ok := l.subs[subsystem]
		if !ok {
			return fmt.Errorf("unknown subsystem %v, supported: %v",
				subsystem, strings.Join(l.SupportedSubsystems(), " "))
		}
		level, ok := btclog.LevelFromString(levelStr)
		if !ok {
			return fmt.Errorf("invalid log level: %v", levelStr)
		}
		logger.SetLevel(level)
	}
	return nil
}

// InitLogRotator starts writing logs to logFile as well, rolling it once it
// exceeds maxSizeKB and keeping at most maxFiles old files.
func (l *Logging) InitLogRotator(logFile string, maxSizeKB int64, maxFiles int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	r, err := rotator.New(logFile, maxSizeKB, false, maxFiles)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		if err := r.Run(pr); err != nil {
			fmt.Fprintf(os.Stderr, "failed to run file rotator: %v\n", err)
		}
	}()

	l.rotator = r
	l.writer.RotatorPipe = pw
	return nil
}

// Close flushes and closes the log rotator, if any
func (l *Logging) Close() error {
	if l.writer.RotatorPipe != nil {
		l.writer.RotatorPipe.Close()
		l.writer.RotatorPipe = nil
	}
	if l.rotator != nil {
		err := l.rotator.Close()
		l.rotator = nil
		return err
	}
	return nil
}
