package control

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/monitor"
)

const (
	mruRowLimit   = 256 // largest limit= honoured without frags=
	mruFragsLimit = 128 // largest frags= accepted
	mruLandmarks  = 16  // last.N/addr.N pairs a client may send
)

// mruParams is the parameter table of a mrulist request.
var mruParams = func() []Var {
	vars := []Var{
		{0, RO, "nonce"},
		{1, RO, "frags"},
		{2, RO, "limit"},
		{3, RO, "mincount"},
		{4, RO, "resall"},
		{5, RO, "resany"},
		{6, RO, "maxlstint"},
		{7, RO, "laddr"},
	}
	for i := 0; i < mruLandmarks; i++ {
		vars = append(vars,
			Var{uint16(8 + 2*i), RO, "last." + strconv.Itoa(i)},
			Var{uint16(9 + 2*i), RO, "addr." + strconv.Itoa(i)},
		)
	}
	return vars
}()

// mruQuery is a decoded mrulist request.
type mruQuery struct {
	nonce     string
	hasNonce  bool
	frags     uint16
	limit     uint32
	mincount  int
	resall    uint16
	resany    uint16
	maxlstint uint32
	laddr     netip.Addr // local address filter; invalid when absent
	last      [mruLandmarks]core.Timestamp
	addr      [mruLandmarks]netip.AddrPort
	priors    int
}

// parseAddrPort accepts an address with or without a port; a bare address
// gets the NTP port.
func parseAddrPort(s string) (netip.AddrPort, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
	}
	a, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(a.Unmap(), 123), true
}

// localEndpoint returns the address of the local socket bound to a.
func (e *Engine) localEndpoint(a netip.Addr) (netip.Addr, bool) {
	if e.endpoints == nil {
		return netip.Addr{}, false
	}
	for _, ep := range e.endpoints.Endpoints() {
		if ep.Addr.Addr().Unmap() == a {
			return a, true
		}
	}
	return netip.Addr{}, false
}

// parseMRUQuery decodes the request parameters. Parsing stops at the first
// name that is not a known parameter.
func (e *Engine) parseMRUQuery(rq *request) (*mruQuery, bool) {
	q := &mruQuery{}
	for {
		v, val, st := rq.getItem(mruParams)
		if st == itemBad {
			return nil, false
		}
		if st != itemFound {
			break
		}
		switch v.Name {
		case "nonce":
			q.nonce, q.hasNonce = val, true
		case "frags":
			q.frags, _ = cast.ToUint16E(val)
		case "limit":
			q.limit, _ = cast.ToUint32E(val)
		case "mincount":
			n, err := cast.ToIntE(val)
			if err != nil || n < 0 {
				n = 0
			}
			q.mincount = n
		case "resall":
			q.resall, _ = cast.ToUint16E(val)
		case "resany":
			q.resany, _ = cast.ToUint16E(val)
		case "maxlstint":
			q.maxlstint, _ = cast.ToUint32E(val)
		case "laddr":
			if ap, ok := parseAddrPort(val); ok {
				q.laddr, _ = e.localEndpoint(ap.Addr())
			}
		default:
			i := int(v.Code-8) / 2
			if v.Code%2 == 0 {
				ts, err := core.ParseTimestamp(val)
				if err != nil {
					continue
				}
				q.last[i] = ts
				if q.addr[i].IsValid() && i == q.priors {
					q.priors++
				}
			} else if ap, ok := parseAddrPort(val); ok {
				q.addr[i] = ap
				if !q.last[i].IsZero() && i == q.priors {
					q.priors++
				}
			}
		}
	}
	return q, true
}

// randomTag writes a throwaway xyz.N=value pair so clients cannot rely on
// the set of tags in an entry.
func (r *response) randomTag(idx int) {
	noise := r.eng.rand.Uint32()
	var b [3]byte
	for i := range b {
		b[i] = 'a' + byte(noise%26)
		noise >>= 5
	}
	r.putUint(fmt.Sprintf("%s.%d", b[:], idx), uint64(noise))
}

// fieldOrder returns a random permutation of n fields, drawing bits of noise
// per pick and probing forward past fields already chosen.
func (e *Engine) fieldOrder(n int, bits uint) []int {
	sent := make([]bool, n)
	order := make([]int, 0, n)
	var noise uint32
	var have uint
	mask := uint32(1)<<bits - 1
	for len(order) < n {
		if have < bits {
			noise = e.rand.Uint32()
			have = 31
		}
		which := int(noise&mask) % n
		noise >>= bits
		have -= bits
		for sent[which] {
			which = (which + 1) % n
		}
		sent[which] = true
		order = append(order, which)
	}
	return order
}

func (r *response) putMRUEntry(m *monitor.Entry, idx int) {
	for _, which := range r.eng.fieldOrder(6, 3) {
		switch which {
		case 0:
			r.putUnqStr(fmt.Sprintf("addr.%d", idx), core.AddrPortString(m.Addr))
		case 1:
			r.putTS(fmt.Sprintf("last.%d", idx), m.Last)
		case 2:
			r.putTS(fmt.Sprintf("first.%d", idx), m.First)
		case 3:
			r.putInt(fmt.Sprintf("ct.%d", idx), int64(m.Count))
		case 4:
			r.putUint(fmt.Sprintf("mv.%d", idx), uint64(m.VNMode()))
		case 5:
			r.putHex(fmt.Sprintf("rs.%d", idx), uint64(m.Restrict))
		}
	}
}

func (q *mruQuery) skip(m *monitor.Entry, now core.Timestamp) bool {
	switch {
	case int64(m.Count) < int64(q.mincount):
		return true
	case q.resall != 0 && q.resall != q.resall&m.Restrict:
		return true
	case q.resany != 0 && q.resany&m.Restrict == 0:
		return true
	case q.maxlstint > 0 && now.Seconds-m.Last.Seconds > q.maxlstint:
		return true
	case q.laddr.IsValid() && m.Local.Addr().Unmap() != q.laddr:
		return true
	}
	return false
}

// readMRUList pages through the MRU list. A client resumes a walk by naming
// entries it already holds; the first one still present with an unchanged
// last-seen time anchors the next page, and the walk continues toward the
// newest entry.
func (e *Engine) readMRUList(rq *request) {
	r := rq.resp
	if rq.restrict&core.ResNoMRUList != 0 {
		r.fail(ErrPermission)
		e.logger.Infof("mrulist from %s rejected due to nomrulist restriction", rq.src.Addr())
		e.sys.CountRestricted()
		return
	}

	q, ok := e.parseMRUQuery(rq)
	if !ok {
		return
	}
	if !q.hasNonce || !e.ValidNonce(q.nonce, rq.src) {
		rq.drop = DropBadNonce
		return
	}

	if (q.frags == 0 && !(q.limit > 0 && q.limit <= mruRowLimit)) || q.frags > mruFragsLimit {
		r.fail(ErrBadValue)
		return
	}
	if q.frags != 0 && q.limit == 0 {
		q.limit = ^uint32(0)
	} else if q.limit != 0 && q.frags == 0 {
		q.frags = mruFragsLimit
	}
	if e.mru == nil {
		r.fail(ErrBadValue)
		return
	}

	var (
		mon   monitor.Entry
		found bool
	)
	for i := 0; i < q.priors; i++ {
		if m, ok := e.mru.Lookup(q.addr[i]); ok && m.Last == q.last[i] {
			mon, found = m, true
			break
		}
	}
	if q.priors > 0 {
		if !found {
			r.fail(ErrUnknownVar)
			return
		}
		r.putTS("last.older", mon.Last)
		r.putUnqStr("addr.older", core.AddrPortString(mon.Addr))
	} else {
		mon, found = e.mru.Oldest()
	}
	step := monitor.StepNext
	switch {
	case !found:
		step = monitor.StepHead
	case q.priors > 0 && q.limit > 1:
		mon, step = e.mru.Next(mon)
	}

	now := e.clock.Now()
	r.putUnqStr("nonce", e.Nonce(rq.src, rq.recv))
	var (
		count uint32
		prior monitor.Entry
		sent  bool
	)
	for step == monitor.StepNext && r.frags < int(q.frags) && count < q.limit && !r.done {
		if !q.skip(&mon, now) {
			r.putMRUEntry(&mon, int(count))
			if count == 0 {
				r.randomTag(0)
			}
			count++
			prior, sent = mon, true
		}
		mon, step = e.mru.Next(mon)
	}

	// A lost cursor ends the page without now=, so the client resumes from
	// the rows it holds instead of taking the walk as complete.
	switch step {
	case monitor.StepLost:
		e.logger.WithField("src", rq.src.String()).Debug("mru walk lost its place, ending page early")
	case monitor.StepHead:
		if count > 1 {
			r.randomTag(int(count) - 1)
		}
		r.putTS("now", now)
		if sent {
			r.putTS("last.newest", prior.Last)
		}
	}
	r.flush(false)
}
