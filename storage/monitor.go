/*
	This file implements a monitor of store commands.  Engines report every executed
	command and the monitor keeps the read and write rates over the last second.
*/

package storage

import (
	"sync"
	"time"
)

// MonitorBuffer is the number of commands that can be reported before reports are
// dropped.
const MonitorBuffer = 10000

// CommandRates are the commands executed by all stores in the last full second.
type CommandRates struct {
	ReadsPerSec  int
	WritesPerSec int
}

type commandMonitor struct {
	done chan Command

	access sync.Mutex
	last   CommandRates

	// Current tallies up to a second.
	reads  int
	writes int
}

var monitor = newCommandMonitor()

func init() {
	go monitor.run(time.Tick(1 * time.Second))
}

func newCommandMonitor() *commandMonitor {
	return &commandMonitor{done: make(chan Command, MonitorBuffer)}
}

// NoteCommand records a command executed by an engine.  It never blocks.
func NoteCommand(cmd Command) {
	select {
	case monitor.done <- cmd:
	default:
	}
}

// Rates returns the command rates of the last full second.
func Rates() CommandRates {
	return monitor.rates()
}

func (m *commandMonitor) run(secondTick <-chan time.Time) {
	for {
		select {
		case cmd := <-m.done:
			m.tally(cmd)
		case <-secondTick:
			m.rollover()
		}
	}
}

func (m *commandMonitor) tally(cmd Command) {
	if cmd.Mutates() {
		m.writes++
	} else {
		m.reads++
	}
}

func (m *commandMonitor) rollover() {
	m.access.Lock()
	m.last = CommandRates{ReadsPerSec: m.reads, WritesPerSec: m.writes}
	m.access.Unlock()
	m.reads, m.writes = 0, 0
}

func (m *commandMonitor) rates() CommandRates {
	m.access.Lock()
	defer m.access.Unlock()
	return m.last
}
