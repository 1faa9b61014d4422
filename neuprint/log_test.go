package neuprint

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogMode(t *testing.T) {
	tests := []struct {
		name string
		mode ModeFlag
		ok   bool
	}{
		{"debug", DebugMode, true},
		{" Warning ", WarningMode, true},
		{"SILENT", SilentMode, true},
		{"verbose", InfoMode, false},
		{"", InfoMode, false},
	}
	for _, tc := range tests {
		m, err := ParseLogMode(tc.name)
		if (err == nil) != tc.ok || m != tc.mode {
			t.Errorf("ParseLogMode(%q) = %s, %v; expected %s", tc.name, m, err, tc.mode)
		}
	}
	if DebugMode.String() != "debug" || ModeFlag(42).String() != "mode(42)" {
		t.Errorf("bad mode names")
	}
}

func TestLogFile(t *testing.T) {
	oldMode, oldLogger := LogMode(), logger
	defer func() {
		SetLogMode(oldMode)
		logger = oldLogger
		log.SetOutput(os.Stderr)
	}()

	logfile := filepath.Join(t.TempDir(), "npmutate.log")
	c := &LogConfig{Logfile: logfile, Level: "warning", MaxSize: 1}
	if err := c.SetLogger(); err != nil {
		t.Fatal(err)
	}
	Infof("merged body %d\n", 100)
	Warningf("slow split of body %d\n", 200)
	tlog := NewTimeLog()
	tlog.Errorf("rollback of %s failed", "abc")
	Shutdown()

	data, err := os.ReadFile(logfile)
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	if strings.Contains(got, "merged body") {
		t.Errorf("info message written at warning level: %s", got)
	}
	if !strings.Contains(got, " WARNING slow split of body 200") || !strings.Contains(got, "   ERROR rollback of abc failed: ") {
		t.Errorf("missing messages in log file: %s", got)
	}

	if err := (&LogConfig{Level: "chatty"}).SetLogger(); err == nil {
		t.Errorf("expected error for unknown level")
	}
}
