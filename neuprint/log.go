package neuprint

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// ModeFlag is the lowest severity that is logged.
type ModeFlag uint32

const (
	DebugMode ModeFlag = iota
	InfoMode
	WarningMode
	ErrorMode
	CriticalMode
	SilentMode
)

var modeNames = []string{"debug", "info", "warning", "error", "critical", "silent"}

func (m ModeFlag) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", uint32(m))
}

// ParseLogMode returns the mode named "debug", "info", "warning", "error", "critical"
// or "silent".
func ParseLogMode(name string) (ModeFlag, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, modeName := range modeNames {
		if name == modeName {
			return ModeFlag(i), nil
		}
	}
	return InfoMode, fmt.Errorf("unknown log level %q", name)
}

var (
	// Verbose is set when we want to be exceptionally verbose.
	Verbose bool

	mode = uint32(InfoMode)
)

// Logger writes leveled messages.  The prefix of each message names its level.
type Logger interface {
	Logf(level ModeFlag, format string, args ...interface{})

	// Shutdown makes sure logs are closed.
	Shutdown()
}

// SetLogMode sets the lowest severity that is logged, e.g., WarningMode drops Debugf
// and Infof messages.  SilentMode turns off all logging.
func SetLogMode(newMode ModeFlag) {
	atomic.StoreUint32(&mode, uint32(newMode))
}

// LogMode returns the current lowest logged severity.
func LogMode() ModeFlag {
	return ModeFlag(atomic.LoadUint32(&mode))
}

func logf(level ModeFlag, format string, args ...interface{}) {
	if level >= LogMode() {
		logger.Logf(level, format, args...)
	}
}

func Debugf(format string, args ...interface{})    { logf(DebugMode, format, args...) }
func Infof(format string, args ...interface{})     { logf(InfoMode, format, args...) }
func Warningf(format string, args ...interface{})  { logf(WarningMode, format, args...) }
func Errorf(format string, args ...interface{})    { logf(ErrorMode, format, args...) }
func Criticalf(format string, args ...interface{}) { logf(CriticalMode, format, args...) }

// Shutdown closes any log file.
func Shutdown() {
	logger.Shutdown()
}

// TimeLog appends the time elapsed since its creation to each message.
//
//	tlog := NewTimeLog()
//	...
//	tlog.Infof("merged %d bodies", n)  // "merged 2 bodies: 3.2ms"
type TimeLog struct {
	start time.Time
}

func NewTimeLog() TimeLog {
	return TimeLog{time.Now()}
}

// Elapsed returns the time since the TimeLog was created.
func (t TimeLog) Elapsed() time.Duration {
	return time.Since(t.start)
}

func (t TimeLog) logf(level ModeFlag, format string, args ...interface{}) {
	logf(level, format+": %s\n", append(args, time.Since(t.start))...)
}

func (t TimeLog) Debugf(format string, args ...interface{})   { t.logf(DebugMode, format, args...) }
func (t TimeLog) Infof(format string, args ...interface{})    { t.logf(InfoMode, format, args...) }
func (t TimeLog) Warningf(format string, args ...interface{}) { t.logf(WarningMode, format, args...) }
func (t TimeLog) Errorf(format string, args ...interface{})   { t.logf(ErrorMode, format, args...) }
