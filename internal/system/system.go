// Package system tracks the daemon-wide variables reported as system variables.
package system

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"firestige.xyz/ntpctl/internal/core"
)

// Leap indicator values.
const (
	LeapNone      uint8 = 0
	LeapAddSec    uint8 = 1
	LeapDelSec    uint8 = 2
	LeapNotInSync uint8 = 3
)

// StratumUnspec marks an unsynchronized stratum.
const StratumUnspec = 16

// Version is reported as the version system variable.
var Version = "ntpctl 1.0.0"

// State is the clock discipline view of the system. Times are seconds and
// frequencies are dimensionless unless noted.
type State struct {
	Leap        uint8
	Stratum     uint8
	Precision   int8
	RootDelay   float64
	RootDisp    float64
	RefID       uint32
	RefTime     core.Timestamp
	Poll        uint8
	MinPoll     uint8
	SysPeer     uint16 // association id, 0 when none
	Offset      float64
	Frequency   float64
	Jitter      float64
	ClockJitter float64
	Wander      float64

	TAI               int
	LeapTime          uint32 // NTP seconds, 0 when unknown
	LeapExpire        uint32
	LeapSmearInterval uint32
	LeapSmearOffset   float64

	BcastDelay      float64
	AuthDelay       float64
	Fuzz            float64
	WanderThreshold float64
}

// Counters are the packet statistics of the ss_* variables.
type Counters struct {
	Received   atomic.Uint64
	NewVersion atomic.Uint64
	OldVersion atomic.Uint64
	BadLength  atomic.Uint64
	BadAuth    atomic.Uint64
	Declined   atomic.Uint64
	Restricted atomic.Uint64
	Limited    atomic.Uint64
	KoDSent    atomic.Uint64
	Processed  atomic.Uint64
}

// IOCounters are the receive path statistics of the io* variables.
type IOCounters struct {
	TotalRBuf   atomic.Uint64
	FreeRBuf    atomic.Uint64
	UsedRBuf    atomic.Uint64
	LowWater    atomic.Uint64
	Dropped     atomic.Uint64
	Ignored     atomic.Uint64
	Received    atomic.Uint64
	Sent        atomic.Uint64
	SendFailed  atomic.Uint64
	Wakeups     atomic.Uint64
	GoodWakeups atomic.Uint64
}

// TimerCounters are the poll timer statistics.
type TimerCounters struct {
	Overruns atomic.Uint64
	Xmts     atomic.Uint64
}

// Snapshot is a consistent copy of everything the system variables report.
type Snapshot struct {
	State
	Processor string
	System    string
	Version   string

	Uptime        uint32
	StatsAge      uint32
	IOStatsAge    uint32
	TimerStatsAge uint32
	Received      uint64
	NewVersion    uint64
	OldVersion    uint64
	BadLength     uint64
	BadAuth       uint64
	Declined      uint64
	Restricted    uint64
	Limited       uint64
	KoDSent       uint64
	Processed     uint64
	TotalRBuf     uint64
	FreeRBuf      uint64
	UsedRBuf      uint64
	RBufLowWater  uint64
	IODropped     uint64
	IOIgnored     uint64
	IOReceived    uint64
	IOSent        uint64
	IOSendFailed  uint64
	IOWakeups     uint64
	IOGoodWakeups uint64
	TimerOverruns uint64
	TimerXmts     uint64
}

// Tracker owns the system state and counters. It is also the daemon clock:
// uptime is counted from its creation.
type Tracker struct {
	Sys   Counters
	IO    IOCounters
	Timer TimerCounters

	now     func() time.Time
	started time.Time

	mu         sync.RWMutex
	state      State
	statReset  time.Time
	ioReset    time.Time
	timerReset time.Time

	processor string
	system    string
}

// NewTracker returns an unsynchronized system. A nil clock uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	start := now()
	t := &Tracker{
		now:        now,
		started:    start,
		statReset:  start,
		ioReset:    start,
		timerReset: start,
		state: State{
			Leap:      LeapNotInSync,
			Stratum:   StratumUnspec,
			Precision: -20,
			RefID:     0x494e4954, // "INIT"
			Poll:      6,
			MinPoll:   6,
			Fuzz:      1e-9,
		},
	}
	t.processor, t.system = uname()
	return t
}

func uname() (processor, system string) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "unknown", "unknown"
	}
	str := func(b []byte) string {
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		return string(b)
	}
	return str(u.Machine[:]), fmt.Sprintf("%s/%s", str(u.Sysname[:]), str(u.Release[:]))
}

// Now returns the current time as an NTP timestamp.
func (t *Tracker) Now() core.Timestamp {
	return core.TimestampFromTime(t.now())
}

// Uptime returns whole seconds since the tracker was created.
func (t *Tracker) Uptime() uint32 {
	return uint32(t.now().Sub(t.started) / time.Second)
}

func (t *Tracker) since(at time.Time) uint32 {
	return uint32(t.now().Sub(at) / time.Second)
}

// State returns the current clock state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Update applies fn to the clock state under the write lock.
func (t *Tracker) Update(fn func(*State)) {
	t.mu.Lock()
	fn(&t.state)
	t.mu.Unlock()
}

// SetLeap changes the leap indicator.
func (t *Tracker) SetLeap(leap uint8) {
	t.Update(func(s *State) { s.Leap = leap & 0x3 })
}

// CountRestricted counts a request refused by an access restriction.
func (t *Tracker) CountRestricted() {
	t.Sys.Restricted.Inc()
}

// ResetStats zeroes the ss_* counters.
func (t *Tracker) ResetStats() {
	t.Sys.Received.Store(0)
	t.Sys.NewVersion.Store(0)
	t.Sys.OldVersion.Store(0)
	t.Sys.BadLength.Store(0)
	t.Sys.BadAuth.Store(0)
	t.Sys.Declined.Store(0)
	t.Sys.Restricted.Store(0)
	t.Sys.Limited.Store(0)
	t.Sys.KoDSent.Store(0)
	t.Sys.Processed.Store(0)
	t.mu.Lock()
	t.statReset = t.now()
	t.mu.Unlock()
}

// ResetIOStats zeroes the io counters but not the buffer gauges.
func (t *Tracker) ResetIOStats() {
	t.IO.Dropped.Store(0)
	t.IO.Ignored.Store(0)
	t.IO.Received.Store(0)
	t.IO.Sent.Store(0)
	t.IO.SendFailed.Store(0)
	t.IO.Wakeups.Store(0)
	t.IO.GoodWakeups.Store(0)
	t.mu.Lock()
	t.ioReset = t.now()
	t.mu.Unlock()
}

// ResetTimerStats zeroes the timer counters.
func (t *Tracker) ResetTimerStats() {
	t.Timer.Overruns.Store(0)
	t.Timer.Xmts.Store(0)
	t.mu.Lock()
	t.timerReset = t.now()
	t.mu.Unlock()
}

// Snapshot copies state and counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := Snapshot{
		State:         t.state,
		StatsAge:      t.since(t.statReset),
		IOStatsAge:    t.since(t.ioReset),
		TimerStatsAge: t.since(t.timerReset),
	}
	t.mu.RUnlock()

	s.Processor = t.processor
	s.System = t.system
	s.Version = Version
	s.Uptime = t.Uptime()
	s.Received = t.Sys.Received.Load()
	s.NewVersion = t.Sys.NewVersion.Load()
	s.OldVersion = t.Sys.OldVersion.Load()
	s.BadLength = t.Sys.BadLength.Load()
	s.BadAuth = t.Sys.BadAuth.Load()
	s.Declined = t.Sys.Declined.Load()
	s.Restricted = t.Sys.Restricted.Load()
	s.Limited = t.Sys.Limited.Load()
	s.KoDSent = t.Sys.KoDSent.Load()
	s.Processed = t.Sys.Processed.Load()
	s.TotalRBuf = t.IO.TotalRBuf.Load()
	s.FreeRBuf = t.IO.FreeRBuf.Load()
	s.UsedRBuf = t.IO.UsedRBuf.Load()
	s.RBufLowWater = t.IO.LowWater.Load()
	s.IODropped = t.IO.Dropped.Load()
	s.IOIgnored = t.IO.Ignored.Load()
	s.IOReceived = t.IO.Received.Load()
	s.IOSent = t.IO.Sent.Load()
	s.IOSendFailed = t.IO.SendFailed.Load()
	s.IOWakeups = t.IO.Wakeups.Load()
	s.IOGoodWakeups = t.IO.GoodWakeups.Load()
	s.TimerOverruns = t.Timer.Overruns.Load()
	s.TimerXmts = t.Timer.Xmts.Load()
	return s
}
