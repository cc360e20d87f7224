package peer

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/core"
)

// NTPPort is the default association port.
const NTPPort = 123

// Table is the association table.
type Table struct {
	mu     sync.RWMutex
	peers  map[uint16]*Peer
	nextID uint16
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{peers: make(map[uint16]*Peer), nextID: 1}
}

// Resolver turns a configured host name into addresses. A nil Resolver
// means net.DefaultResolver.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// FromConfig builds an unpolled association from its configuration.
func FromConfig(ctx context.Context, r Resolver, c config.PeerConfig) (Peer, error) {
	if r == nil {
		r = net.DefaultResolver
	}
	p := Peer{
		Hostname:   c.Address,
		Configured: true,
		Prefer:     c.Prefer,
		NTS:        c.NTS,
		KeyID:      c.Key,
		MinPoll:    uint8(c.MinPoll),
		MaxPoll:    uint8(c.MaxPoll),
		HPoll:      uint8(c.MinPoll),
		PPoll:      uint8(c.MinPoll),
		HMode:      ModeClient,
		Leap:       3,
		Stratum:    16,
		Precision:  -20,
		RefID:      0x494e4954, // INIT
	}
	if c.Mode == "peer" {
		p.HMode = ModeActive
	}

	host, port := c.Address, uint16(NTPPort)
	if h, ps, err := net.SplitHostPort(c.Address); err == nil {
		n, err := strconv.ParseUint(ps, 10, 16)
		if err != nil {
			return Peer{}, fmt.Errorf("invalid port in %q: %w", c.Address, err)
		}
		host, port = h, uint16(n)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		addrs, lerr := r.LookupNetIP(ctx, "ip", host)
		if lerr != nil {
			return Peer{}, fmt.Errorf("resolve %q: %w", host, lerr)
		}
		if len(addrs) == 0 {
			return Peer{}, fmt.Errorf("resolve %q: no addresses", host)
		}
		addr = addrs[0]
	} else {
		p.Hostname = ""
	}
	p.SrcAddr = netip.AddrPortFrom(addr.Unmap(), port)

	if p.IsRefclock() {
		p.Clock = newClockStatus(core.RefclockType(addr), c.Stratum)
		p.HMode = ModeClient
		p.Stratum = uint8(p.Clock.FudgeVal1)
		p.RefID = p.Clock.FudgeVal2
	}
	return p, nil
}

// Load replaces the configured associations. Associations not created from
// configuration are kept.
func (t *Table) Load(ctx context.Context, r Resolver, cfgs []config.PeerConfig) error {
	fresh := make([]Peer, 0, len(cfgs))
	for i, c := range cfgs {
		p, err := FromConfig(ctx, r, c)
		if err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
		fresh = append(fresh, p)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	keep := make(map[netip.AddrPort]bool, len(fresh))
	for _, p := range fresh {
		keep[p.SrcAddr] = true
	}
	for id, p := range t.peers {
		if p.Configured && !keep[p.SrcAddr] {
			delete(t.peers, id)
		}
	}
	for _, p := range fresh {
		if t.findLocked(p.SrcAddr) != nil {
			continue
		}
		t.addLocked(p)
	}
	return nil
}

func (t *Table) findLocked(addr netip.AddrPort) *Peer {
	for _, p := range t.peers {
		if p.SrcAddr == addr {
			return p
		}
	}
	return nil
}

func (t *Table) addLocked(p Peer) uint16 {
	for {
		id := t.nextID
		t.nextID++
		if t.nextID == 0 {
			t.nextID = 1
		}
		if _, used := t.peers[id]; !used {
			p.AssocID = id
			t.peers[id] = &p
			return id
		}
	}
}

// Add inserts an association and returns its id.
func (t *Table) Add(p Peer) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.findLocked(p.SrcAddr) != nil {
		return 0, fmt.Errorf("%s: %w", core.AddrPortString(p.SrcAddr), core.ErrPeerExists)
	}
	return t.addLocked(p), nil
}

// Remove deletes an association by id.
func (t *Table) Remove(id uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return false
	}
	delete(t.peers, id)
	return true
}

// FindByAddr returns the association whose source address is addr.
func (t *Table) FindByAddr(addr netip.Addr) (Peer, bool) {
	addr = addr.Unmap()
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		if p.SrcAddr.Addr() == addr {
			return p.clone(), true
		}
	}
	return Peer{}, false
}

// Lookup returns a copy of the association.
func (t *Table) Lookup(id uint16) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return Peer{}, false
	}
	return p.clone(), true
}

// List returns copies of all associations ordered by id.
func (t *Table) List() []Peer {
	t.mu.RLock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.clone())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AssocID < out[j].AssocID })
	return out
}

// Len returns the number of associations.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// SysPeer returns the association currently selected as system peer.
func (t *Table) SysPeer() (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		if p.Select == SelSysPeer || p.Select == SelPPSPeer {
			return p.clone(), true
		}
	}
	return Peer{}, false
}

// Modify applies fn to the association under the write lock.
func (t *Table) Modify(id uint16, fn func(*Peer)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return false
	}
	fn(p)
	return true
}
