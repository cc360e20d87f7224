package control

import (
	"net/netip"
	"sync"

	"firestige.xyz/ntpctl/internal/metrics"
)

// DefaultMaxTraps is the size of the trap table when none is configured.
const DefaultMaxTraps = 8

// TrapPort is the default port of configured trap receivers.
const TrapPort = 18447

// TrapTime is how long an unconfigured trap lives without being refreshed.
const TrapTime = 3600

// Trap flags.
const (
	TrapInUse      uint8 = 0x1
	TrapNonPrio    uint8 = 0x2
	TrapConfigured uint8 = 0x4
)

// TrapType says who is asking for a trap.
type TrapType int

const (
	TrapTypeConfig  TrapType = iota // set from configuration
	TrapTypePrio                    // set by a control client
	TrapTypeNonPrio                 // set by a client under the lptrap restriction
)

func (t TrapType) rank() int {
	switch t {
	case TrapTypeConfig:
		return 2
	case TrapTypePrio:
		return 1
	default:
		return 0
	}
}

type trap struct {
	addr     netip.AddrPort
	local    netip.AddrPort
	flags    uint8
	version  uint8
	sequence uint16
	setTime  uint32
	origTime uint32
	resets   uint32
}

func (t *trap) inUse() bool      { return t.flags&TrapInUse != 0 }
func (t *trap) configured() bool { return t.flags&TrapConfigured != 0 }

func (t *trap) rank() int {
	switch {
	case t.configured():
		return 2
	case t.flags&TrapNonPrio != 0:
		return 0
	default:
		return 1
	}
}

// TrapInfo describes one registered trap receiver.
type TrapInfo struct {
	Addr       netip.AddrPort `json:"addr"`
	Local      netip.AddrPort `json:"local"`
	Version    uint8          `json:"version"`
	Sequence   uint16         `json:"sequence"`
	SetTime    uint32         `json:"set_time"`
	OrigTime   uint32         `json:"orig_time"`
	Resets     uint32         `json:"resets"`
	Configured bool           `json:"configured"`
	NonPrio    bool           `json:"non_prio"`
}

// trapTable is a fixed number of trap slots.
type trapTable struct {
	mu    sync.Mutex
	slots []trap
}

func newTrapTable(n int) *trapTable {
	return &trapTable{slots: make([]trap, n)}
}

func (tt *trapTable) findLocked(addr, local netip.AddrPort) *trap {
	for i := range tt.slots {
		t := &tt.slots[i]
		if t.inUse() && t.addr == addr && t.local == local {
			return t
		}
	}
	return nil
}

func (tt *trapTable) countLocked() int {
	n := 0
	for i := range tt.slots {
		if tt.slots[i].inUse() {
			n++
		}
	}
	return n
}

func kindFlags(kind TrapType) uint8 {
	switch kind {
	case TrapTypeConfig:
		return TrapInUse | TrapConfigured
	case TrapTypeNonPrio:
		return TrapInUse | TrapNonPrio
	default:
		return TrapInUse
	}
}

// set refreshes the trap for (addr, local) or allocates a slot for it. It
// reports false only when every slot is held by a trap the request may not
// displace.
func (tt *trapTable) set(addr, local netip.AddrPort, kind TrapType, version uint8, now uint32) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	defer func() { metrics.TrapsActive.Set(float64(tt.countLocked())) }()

	if t := tt.findLocked(addr, local); t != nil {
		if kind != TrapTypeConfig && t.configured() {
			return true
		}
		t.flags = kindFlags(kind)
		t.setTime = now
		t.resets++
		return true
	}

	var use *trap
	for i := range tt.slots {
		t := &tt.slots[i]
		if t.inUse() && !t.configured() && t.setTime+TrapTime <= now {
			t.flags = 0
		}
		if !t.inUse() {
			if use == nil || use.inUse() {
				use = t
			}
			continue
		}
		if t.configured() || t.rank() > kind.rank() {
			continue
		}
		switch {
		case use == nil:
			use = t
		case !use.inUse():
		case t.rank() < use.rank():
			use = t
		case t.rank() == use.rank() && t.origTime < use.origTime:
			use = t
		}
	}
	if use == nil {
		return false
	}

	*use = trap{
		addr:     addr,
		local:    local,
		flags:    kindFlags(kind),
		version:  version,
		sequence: 1,
		setTime:  now,
		origTime: now,
	}
	return true
}

// clear removes the trap for (addr, local). A configured trap can only be
// removed by configuration.
func (tt *trapTable) clear(addr, local netip.AddrPort, kind TrapType) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	t := tt.findLocked(addr, local)
	if t == nil || (t.configured() && kind != TrapTypeConfig) {
		return false
	}
	t.flags = 0
	metrics.TrapsActive.Set(float64(tt.countLocked()))
	return true
}

// broadcast calls fn for every trap in use.
func (tt *trapTable) broadcast(fn func(*trap)) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	for i := range tt.slots {
		if tt.slots[i].inUse() {
			fn(&tt.slots[i])
		}
	}
}

func (tt *trapTable) any() bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.countLocked() > 0
}

func (tt *trapTable) list() []TrapInfo {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	var out []TrapInfo
	for _, t := range tt.slots {
		if !t.inUse() {
			continue
		}
		out = append(out, TrapInfo{
			Addr:       t.addr,
			Local:      t.local,
			Version:    t.version,
			Sequence:   t.sequence,
			SetTime:    t.setTime,
			OrigTime:   t.origTime,
			Resets:     t.resets,
			Configured: t.configured(),
			NonPrio:    t.flags&TrapNonPrio != 0,
		})
	}
	return out
}

// SetTrap registers a trap receiver. It reports false when the table is full.
func (e *Engine) SetTrap(addr, local netip.AddrPort, kind TrapType, version uint8) bool {
	return e.traps.set(addr, local, kind, version, e.clock.Uptime())
}

// ClearTrap removes a trap receiver.
func (e *Engine) ClearTrap(addr, local netip.AddrPort, kind TrapType) bool {
	return e.traps.clear(addr, local, kind)
}

// Traps lists the registered trap receivers.
func (e *Engine) Traps() []TrapInfo {
	return e.traps.list()
}
