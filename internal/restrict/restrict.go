// Package restrict implements the address restriction list consulted for every
// inbound packet and reported by the addr_restrictions listing.
package restrict

import (
	"fmt"
	"net/netip"
	"sync"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/core"
)

// NTPPort is the well-known port the ntpport match flag tests against.
const NTPPort = 123

// Entry is one restriction.
type Entry struct {
	Addr   netip.Addr
	Mask   netip.Addr
	Flags  uint16 // access flags
	MFlags uint16 // match flags
	Hits   uint64
}

// Bits returns the prefix length of the mask.
func (e Entry) Bits() int {
	b := e.Mask.AsSlice()
	n := 0
	for _, o := range b {
		for i := 7; i >= 0; i-- {
			if o&(1<<i) == 0 {
				return n
			}
			n++
		}
	}
	return n
}

func (e Entry) contains(a netip.Addr) bool {
	if a.Is4() != e.Addr.Is4() {
		return false
	}
	ab, eb, mb := a.AsSlice(), e.Addr.AsSlice(), e.Mask.AsSlice()
	for i := range ab {
		if ab[i]&mb[i] != eb[i]&mb[i] {
			return false
		}
	}
	return true
}

// FlagString renders match and access flags the way the listing does.
func (e Entry) FlagString() string {
	m, a := core.MatchString(e.MFlags), core.AccessString(e.Flags)
	if m == "" {
		return a
	}
	return m + " " + a
}

// List holds the IPv4 and IPv6 restriction entries. The zero-length default
// entries 0.0.0.0/0 and ::/0 are always present.
type List struct {
	mu sync.Mutex
	v4 []*Entry
	v6 []*Entry
}

// New returns a list holding only permissive default entries.
func New() *List {
	l := &List{}
	l.reset()
	return l
}

func (l *List) reset() {
	l.v4 = []*Entry{{Addr: netip.IPv4Unspecified(), Mask: netip.IPv4Unspecified()}}
	l.v6 = []*Entry{{Addr: netip.IPv6Unspecified(), Mask: netip.IPv6Unspecified()}}
}

// Load replaces the list with the configured entries.
func (l *List) Load(cfgs []config.RestrictConfig) error {
	fresh := New()
	for i, c := range cfgs {
		flags, mflags, err := core.ParseRestrictFlags(c.Flags)
		if err != nil {
			return fmt.Errorf("restrict[%d]: %w", i, err)
		}
		if c.Address == "default" {
			fresh.v4[0].Flags, fresh.v4[0].MFlags = flags, mflags
			fresh.v6[0].Flags, fresh.v6[0].MFlags = flags, mflags
			continue
		}
		addr, mask, err := ParsePrefix(c.Address, c.Mask)
		if err != nil {
			return fmt.Errorf("restrict[%d]: %w", i, err)
		}
		fresh.add(addr, mask, flags, mflags)
	}

	l.mu.Lock()
	l.v4, l.v6 = fresh.v4, fresh.v6
	l.mu.Unlock()
	return nil
}

// ParsePrefix parses an address and an optional mask. A missing mask selects
// the single host.
func ParsePrefix(address, mask string) (netip.Addr, netip.Addr, error) {
	a, err := netip.ParseAddr(address)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("invalid address %q: %w", address, err)
	}
	a = a.Unmap()
	if mask == "" {
		b := make([]byte, a.BitLen()/8)
		for i := range b {
			b[i] = 0xff
		}
		m, _ := netip.AddrFromSlice(b)
		return a, m, nil
	}
	m, err := netip.ParseAddr(mask)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("invalid mask %q: %w", mask, err)
	}
	m = m.Unmap()
	if m.Is4() != a.Is4() {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("mask %q does not match address family of %q", mask, address)
	}
	return a, m, nil
}

// Add inserts or updates an entry.
func (l *List) Add(addr, mask netip.Addr, flags, mflags uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.add(addr.Unmap(), mask.Unmap(), flags, mflags)
}

func (l *List) add(addr, mask netip.Addr, flags, mflags uint16) {
	list := &l.v6
	if addr.Is4() {
		list = &l.v4
	}
	for _, e := range *list {
		if e.Addr == addr && e.Mask == mask {
			e.Flags, e.MFlags = flags, mflags
			return
		}
	}
	*list = append(*list, &Entry{Addr: addr, Mask: mask, Flags: flags, MFlags: mflags})
}

// Remove deletes the entry for addr/mask. Default entries are reset instead.
func (l *List) Remove(addr, mask netip.Addr) bool {
	addr, mask = addr.Unmap(), mask.Unmap()

	l.mu.Lock()
	defer l.mu.Unlock()
	list := &l.v6
	if addr.Is4() {
		list = &l.v4
	}
	for i, e := range *list {
		if e.Addr != addr || e.Mask != mask {
			continue
		}
		if i == 0 {
			e.Flags, e.MFlags = 0, 0
			return true
		}
		*list = append((*list)[:i], (*list)[i+1:]...)
		return true
	}
	return false
}

// Match returns the access flags of the most specific entry covering src and
// counts a hit on it.
func (l *List) Match(src netip.AddrPort) uint16 {
	a := src.Addr().Unmap()

	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.v6
	if a.Is4() {
		list = l.v4
	}
	best := list[0]
	bestBits := -1
	for _, e := range list {
		if !e.contains(a) {
			continue
		}
		if e.MFlags&core.ResMNTPOnly != 0 && src.Port() != NTPPort {
			continue
		}
		if b := e.Bits(); b >= bestBits {
			best, bestBits = e, b
		}
	}
	best.Hits++
	return best.Flags
}

// Entries returns copies of the IPv4 and IPv6 entries in list order.
func (l *List) Entries() (v4, v6 []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.v4 {
		v4 = append(v4, *e)
	}
	for _, e := range l.v6 {
		v6 = append(v6, *e)
	}
	return v4, v6
}
