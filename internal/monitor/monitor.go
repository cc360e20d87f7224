// Package monitor keeps the most-recently-used list of traffic sources.
//
// The list is ordered newest first. An entry only ever moves to the head on
// new traffic or leaves from the tail on eviction, so a reader that loses its
// place can find an entry again by address and trust its older neighbours.
package monitor

import (
	"net/netip"
	"sync"

	"github.com/tevino/abool"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/metrics"
)

// EntrySize approximates the memory held by one entry, for mru_mem.
const EntrySize = 96

// Entry is a copy of one MRU row.
type Entry struct {
	Addr     netip.AddrPort
	Local    netip.AddrPort
	First    core.Timestamp
	Last     core.Timestamp
	Count    uint32
	Mode     uint8
	Version  uint8
	Restrict uint16
}

// VNMode packs version and mode the way the mv column reports them.
func (e Entry) VNMode() uint8 {
	return e.Version<<3 | e.Mode&0x7
}

type node struct {
	Entry
	newer, older *node
}

// Stats summarizes the list for the mru_* system variables.
type Stats struct {
	Enabled  bool
	Entries  int
	Deepest  int
	MinDepth int
	MaxDepth int
	MaxAge   int
	Evicted  uint64
}

// List is the MRU list. All methods are safe for concurrent use.
type List struct {
	enabled *abool.AtomicBool

	mu       sync.Mutex
	byAddr   map[netip.AddrPort]*node
	head     *node // newest
	tail     *node // oldest
	deepest  int
	minDepth int
	maxDepth int
	maxAge   uint32
	evicted  uint64
}

// New builds a list from the monitor configuration.
func New(cfg config.MonitorConfig) *List {
	l := &List{
		enabled: abool.New(),
		byAddr:  make(map[netip.AddrPort]*node),
	}
	l.Configure(cfg)
	return l
}

// Configure applies new limits. Existing entries are kept.
func (l *List) Configure(cfg config.MonitorConfig) {
	l.mu.Lock()
	l.minDepth = cfg.MinDepth
	l.maxDepth = cfg.MaxDepth
	l.maxAge = uint32(cfg.MaxAge)
	l.mu.Unlock()
	l.enabled.SetTo(cfg.Enabled)
}

// Enabled reports whether Record keeps entries.
func (l *List) Enabled() bool {
	return l.enabled.IsSet()
}

// Record notes one packet from src and moves its entry to the head.
func (l *List) Record(src, local netip.AddrPort, mode, version uint8, restrict uint16, now core.Timestamp) {
	if !l.enabled.IsSet() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if n, ok := l.byAddr[src]; ok {
		n.Last = now
		n.Count++
		n.Local = local
		n.Mode = mode
		n.Version = version
		n.Restrict = restrict
		l.unlink(n)
		l.pushHead(n)
		return
	}

	l.evictLocked(now)

	n := &node{Entry: Entry{
		Addr:     src,
		Local:    local,
		First:    now,
		Last:     now,
		Count:    1,
		Mode:     mode,
		Version:  version,
		Restrict: restrict,
	}}
	l.byAddr[src] = n
	l.pushHead(n)
	if len(l.byAddr) > l.deepest {
		l.deepest = len(l.byAddr)
	}
	metrics.MonitorEntries.Set(float64(len(l.byAddr)))
}

func (l *List) evictLocked(now core.Timestamp) {
	if l.tail == nil {
		return
	}
	n := len(l.byAddr)
	if n >= l.minDepth && now.Sub(l.tail.Last).Seconds > l.maxAge {
		l.removeLocked(l.tail)
		return
	}
	if l.maxDepth > 0 && n >= l.maxDepth {
		l.removeLocked(l.tail)
	}
}

func (l *List) removeLocked(n *node) {
	l.unlink(n)
	delete(l.byAddr, n.Addr)
	l.evicted++
}

func (l *List) unlink(n *node) {
	if n.newer != nil {
		n.newer.older = n.older
	} else {
		l.head = n.older
	}
	if n.older != nil {
		n.older.newer = n.newer
	} else {
		l.tail = n.newer
	}
	n.newer, n.older = nil, nil
}

func (l *List) pushHead(n *node) {
	n.older = l.head
	if l.head != nil {
		l.head.newer = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
}

// Lookup returns the entry for addr.
func (l *List) Lookup(addr netip.AddrPort) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.byAddr[addr]
	if !ok {
		return Entry{}, false
	}
	return n.Entry, true
}

// Oldest returns the tail entry.
func (l *List) Oldest() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tail == nil {
		return Entry{}, false
	}
	return l.tail.Entry, true
}

// Step says where a walk stands after Next.
type Step int

const (
	StepNext Step = iota // a newer entry follows
	StepHead             // cur is the head; the walk is complete
	StepLost             // cur was seen again or evicted since it was read
)

// Next returns the entry one step closer to the head than cur, an entry
// previously read from the list. The position check and the step happen
// under one lock, so traffic arriving between two calls shows up as
// StepLost instead of a premature StepHead.
func (l *List) Next(cur Entry) (Entry, Step) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.byAddr[cur.Addr]
	if !ok || n.Last != cur.Last || n.Count != cur.Count {
		return Entry{}, StepLost
	}
	if n.newer == nil {
		return Entry{}, StepHead
	}
	return n.newer.Entry, StepNext
}

// Len returns the number of entries.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byAddr)
}

// Stats returns a snapshot of the list counters.
func (l *List) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Enabled:  l.enabled.IsSet(),
		Entries:  len(l.byAddr),
		Deepest:  l.deepest,
		MinDepth: l.minDepth,
		MaxDepth: l.maxDepth,
		MaxAge:   int(l.maxAge),
		Evicted:  l.evicted,
	}
}

// Entries returns all rows, newest first.
func (l *List) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.byAddr))
	for n := l.head; n != nil; n = n.older {
		out = append(out, n.Entry)
	}
	return out
}
