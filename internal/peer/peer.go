// Package peer holds the association table, reference clock status and the
// poller that keeps reachability and offsets current.
package peer

import (
	"net/netip"

	"firestige.xyz/ntpctl/internal/core"
)

// NTP association modes.
const (
	ModeUnspec    uint8 = 0
	ModeActive    uint8 = 1
	ModePassive   uint8 = 2
	ModeClient    uint8 = 3
	ModeServer    uint8 = 4
	ModeBroadcast uint8 = 5
	ModeControl   uint8 = 6
)

// Selection codes reported in the low bits of the peer status.
const (
	SelReject   uint8 = 0
	SelSane     uint8 = 1
	SelCorrect  uint8 = 2
	SelCand     uint8 = 3
	SelSyncCand uint8 = 4
	SelBackup   uint8 = 5
	SelSysPeer  uint8 = 6
	SelPPSPeer  uint8 = 7
)

// Peer status bits above the selection code.
const (
	StatusConfig     uint8 = 0x80
	StatusAuthEnable uint8 = 0x40
	StatusAuthentic  uint8 = 0x20
	StatusReach      uint8 = 0x10
	StatusBcast      uint8 = 0x08
)

// FilterSize is the depth of the clock filter.
const FilterSize = 8

// MaxKey is the largest key id rendered in decimal.
const MaxKey = 65535

// Peer is one association. Table hands out copies; mutate through Table.Modify.
type Peer struct {
	AssocID  uint16
	SrcAddr  netip.AddrPort
	DstAddr  netip.AddrPort
	Hostname string

	Configured bool
	Authentic  bool
	Broadcast  bool
	Prefer     bool
	NTS        bool
	KeyID      uint32
	MinPoll    uint8
	MaxPoll    uint8

	Leap      uint8
	HMode     uint8
	PMode     uint8
	Stratum   uint8
	PPoll     uint8
	HPoll     uint8
	Precision int8
	RootDelay float64
	RootDisp  float64
	RefID     uint32
	RefTime   core.Timestamp
	Org       core.Timestamp
	Rec       core.Timestamp
	Xleave    float64
	Bias      float64
	Reach     uint8
	Unreach   uint32
	Flash     uint16
	TTL       int
	NextDate  uint32 // uptime seconds of the next poll

	Delay  float64
	Offset float64
	Jitter float64
	Disp   float64

	FilterDelay  [FilterSize]float64
	FilterOffset [FilterSize]float64
	FilterDisp   [FilterSize]float64
	FilterNext   int

	Received uint64
	Sent     uint64
	In       float64 // r21 headway estimate, ms
	Out      float64 // r34 headway estimate, ms
	Headway  int

	TimeReceived  uint32
	TimeReachable uint32
	BadAuth       uint64
	BogusOrg      uint64
	OldPkt        uint64
	SelDisp       uint64
	SelBroken     uint64

	Select    uint8
	NumEvents uint8
	LastEvent uint8

	Clock *ClockStatus // reference clocks only
}

// IsRefclock reports whether the association is a reference clock.
func (p *Peer) IsRefclock() bool {
	return core.IsRefclockAddr(p.SrcAddr.Addr())
}

// StatusBits returns the high byte of the status word.
func (p *Peer) StatusBits() uint8 {
	s := p.Select & 0x7
	if p.Configured {
		s |= StatusConfig
	}
	if p.KeyID != 0 {
		s |= StatusAuthEnable
	}
	if p.Authentic {
		s |= StatusAuthentic
	}
	if p.Reach != 0 {
		s |= StatusReach
	}
	if p.Broadcast {
		s |= StatusBcast
	}
	return s
}

// Status returns the 16-bit peer status word.
func (p *Peer) Status() uint16 {
	return StatusWord(p.StatusBits(), p.NumEvents, p.LastEvent)
}

// StatusWord packs status bits, an event count and the last event code.
func StatusWord(bits, count, event uint8) uint16 {
	return uint16(bits)<<8&0xff00 | uint16(count)<<4&0xf0 | uint16(event)&0xf
}

func (p *Peer) clone() Peer {
	c := *p
	if p.Clock != nil {
		cs := p.Clock.Clone()
		c.Clock = &cs
	}
	return c
}

// Clock fudge presence flags.
const (
	HaveTime1 uint8 = 0x1
	HaveTime2 uint8 = 0x2
	HaveVal1  uint8 = 0x4
	HaveVal2  uint8 = 0x8
)

// Clock status codes.
const (
	ClockOkay uint8 = iota
	ClockNoReply
	ClockBadFormat
	ClockFault
	ClockPropagation
	ClockBadDate
	ClockBadTime
)

// KV is a driver-specific clock variable in name=value form.
type KV struct {
	Text    string
	Default bool
}

// ClockStatus is the reference clock view of an association.
type ClockStatus struct {
	Type          uint8
	Desc          string
	Timecode      string
	Polls         uint32
	NoReply       uint32
	BadFormat     uint32
	BadData       uint32
	FudgeTime1    float64
	FudgeTime2    float64
	FudgeVal1     int32  // stratum
	FudgeVal2     uint32 // refid
	HaveFlags     uint8
	Flags         uint8
	CurrentStatus uint8
	LastEvent     uint8
	KV            []KV
}

// Status returns the clock status word.
func (c *ClockStatus) Status() uint16 {
	return StatusWord(0, c.LastEvent, c.CurrentStatus)
}

// Clone returns a deep copy.
func (c *ClockStatus) Clone() ClockStatus {
	cs := *c
	cs.KV = append([]KV(nil), c.KV...)
	return cs
}
