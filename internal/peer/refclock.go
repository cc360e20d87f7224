package peer

import (
	"fmt"

	"firestige.xyz/ntpctl/internal/core"
)

// Reference clock driver types with a simulated driver.
const (
	RefclockLocal uint8 = 1
)

type driverInfo struct {
	desc    string
	stratum int32
	refid   string
}

var drivers = map[uint8]driverInfo{
	RefclockLocal: {desc: "Undisciplined local clock", stratum: 5, refid: "LOCL"},
	20:            {desc: "NMEA GPS Clock", stratum: 0, refid: "GPS"},
	22:            {desc: "PPS Clock Discipline", stratum: 0, refid: "PPS"},
	28:            {desc: "SHM/Shared memory interface", stratum: 0, refid: "SHM"},
	46:            {desc: "GPSD JSON client clock", stratum: 0, refid: "GPSD"},
}

func refidFromString(s string) uint32 {
	var b [4]byte
	copy(b[:], s)
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func newClockStatus(typ uint8, stratum int) *ClockStatus {
	d, ok := drivers[typ]
	if !ok {
		d = driverInfo{desc: fmt.Sprintf("Reference clock type %d", typ), refid: "REFC"}
	}
	cs := &ClockStatus{
		Type:      typ,
		Desc:      d.desc,
		FudgeVal1: d.stratum,
		FudgeVal2: refidFromString(d.refid),
		HaveFlags: HaveVal2,
	}
	if stratum > 0 {
		cs.FudgeVal1 = int32(stratum)
		cs.HaveFlags |= HaveVal1
	}
	if typ == RefclockLocal {
		cs.KV = []KV{{Text: "sim_mode=free", Default: true}}
	} else {
		cs.KV = []KV{{Text: "driver_present=0", Default: true}}
	}
	return cs
}

// pollClock advances the clock status of a refclock association by one poll
// and returns the event code to report, or 0.
func pollClock(p *Peer, now core.Timestamp) int {
	cs := p.Clock
	cs.Polls++
	prev := cs.CurrentStatus

	if cs.Type == RefclockLocal {
		cs.CurrentStatus = ClockOkay
		cs.Timecode = now.Time().Format("2006-01-02 15:04:05")
		p.Reach = p.Reach<<1 | 1
		p.Stratum = uint8(cs.FudgeVal1)
		p.RefID = cs.FudgeVal2
		p.RefTime = now
		p.Rec = now
		p.Leap = 0
		p.Offset, p.Delay, p.Jitter, p.Disp = 0, 0, 0, 0
	} else {
		cs.NoReply++
		cs.CurrentStatus = ClockNoReply
		p.Reach <<= 1
	}

	if cs.CurrentStatus != prev {
		cs.LastEvent = cs.CurrentStatus
		return core.PeerEventClock
	}
	return 0
}
