package neuprint

import (
	"fmt"
	"log"

	"github.com/natefinch/lumberjack"
)

// fileLogger writes through the standard logger, which goes to stdout or a rotating file.
type fileLogger struct {
	file *lumberjack.Logger
}

var logger Logger = fileLogger{}

// LogConfig is the [logging] section of the TOML configuration.
type LogConfig struct {
	Logfile    string
	Level      string // "debug", "info" (default), "warning", "error", "critical" or "silent"
	MaxSize    int    `toml:"max_log_size"` // megabytes
	MaxAge     int    `toml:"max_log_age"`  // days
	MaxBackups int    `toml:"max_log_backups"`
}

// SetLogger sets the log level and sends messages to the configured rotating log file,
// if any.
func (c *LogConfig) SetLogger() error {
	if c == nil {
		return nil
	}
	if c.Level != "" {
		m, err := ParseLogMode(c.Level)
		if err != nil {
			return err
		}
		SetLogMode(m)
	}
	if c.Logfile == "" {
		Infof("Sending log messages to stdout since no log file specified.\n")
		return nil
	}
	fmt.Printf("Sending log messages to: %s\n", c.Logfile)
	l := &lumberjack.Logger{
		Filename:   c.Logfile,
		MaxSize:    c.MaxSize,
		MaxAge:     c.MaxAge,
		MaxBackups: c.MaxBackups,
	}
	log.SetOutput(l)
	logger = fileLogger{l}
	return nil
}

var levelPrefix = [...]string{
	DebugMode:    "   DEBUG ",
	InfoMode:     "    INFO ",
	WarningMode:  " WARNING ",
	ErrorMode:    "   ERROR ",
	CriticalMode: "CRITICAL ",
}

func (l fileLogger) Logf(level ModeFlag, format string, args ...interface{}) {
	if int(level) >= len(levelPrefix) {
		return
	}
	log.Printf(levelPrefix[level]+format, args...)
}

func (l fileLogger) Shutdown() {
	if l.file != nil {
		log.Printf("Closing log file...\n")
		l.file.Close()
	}
}
