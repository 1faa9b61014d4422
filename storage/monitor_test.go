package storage

import (
	"testing"
)

func TestCommandMonitorRollover(t *testing.T) {
	m := newCommandMonitor()
	for _, cmd := range []Command{GetMeta{}, FindSegments{}, SetSegment{}, GetConnections{}, TouchMeta{}} {
		m.tally(cmd)
	}
	if got := m.rates(); got.ReadsPerSec != 0 || got.WritesPerSec != 0 {
		t.Errorf("expected no rates before a full second, got %+v", got)
	}
	m.rollover()
	if got := m.rates(); got.ReadsPerSec != 3 || got.WritesPerSec != 2 {
		t.Errorf("expected 3 reads and 2 writes per second, got %+v", got)
	}
	m.rollover()
	if got := m.rates(); got.ReadsPerSec != 0 || got.WritesPerSec != 0 {
		t.Errorf("expected rates to reset, got %+v", got)
	}
}

func TestNoteCommandNeverBlocks(t *testing.T) {
	for i := 0; i < 2*MonitorBuffer; i++ {
		NoteCommand(GetMeta{})
	}
	Rates()
}
