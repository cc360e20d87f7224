package control

import (
	"fmt"
	"sort"

	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/restrict"
)

// readOrdlist serves the ordered lists: local interface statistics for an
// empty request or "ifstats", the restriction list for "addr_restrictions".
func (e *Engine) readOrdlist(rq *request) {
	switch string(rq.data) {
	case "", "ifstats":
		e.readIfStats(rq)
	case "addr_restrictions":
		e.readAddrRestrictions(rq)
	default:
		rq.resp.fail(ErrUnknownVar)
	}
}

func (e *Engine) readIfStats(rq *request) {
	r := rq.resp
	var eps []core.Endpoint
	if e.endpoints != nil {
		eps = e.endpoints.Endpoints()
	}
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Index < eps[j].Index })
	uptime := e.clock.Uptime()
	for i := range eps {
		r.putIfStats(&eps[i], uptime)
	}
	r.flush(false)
}

func (r *response) putIfStats(ep *core.Endpoint, uptime uint32) {
	n := ep.Index
	for _, which := range r.eng.fieldOrder(12, 4) {
		switch which {
		case 0:
			r.putUnqStr(fmt.Sprintf("addr.%d", n), core.AddrPortString(ep.Addr))
		case 1:
			bcast := ""
			if ep.Flags&core.EndpointBroadcast != 0 {
				bcast = core.AddrPortString(ep.Broadcast)
			}
			r.putUnqStr(fmt.Sprintf("bcast.%d", n), bcast)
		case 2:
			r.putInt(fmt.Sprintf("en.%d", n), int64(boolUint(!ep.Ignored)))
		case 3:
			r.putStr(fmt.Sprintf("name.%d", n), ep.Name)
		case 4:
			r.putHex(fmt.Sprintf("flags.%d", n), uint64(ep.Flags))
		case 5:
			r.putInt(fmt.Sprintf("tl.%d", n), int64(ep.TTL))
		case 6:
			r.putInt(fmt.Sprintf("mc.%d", n), int64(ep.Multicasts))
		case 7:
			r.putInt(fmt.Sprintf("rx.%d", n), int64(ep.Received))
		case 8:
			r.putInt(fmt.Sprintf("tx.%d", n), int64(ep.Sent))
		case 9:
			r.putInt(fmt.Sprintf("txerr.%d", n), int64(ep.SendFailed))
		case 10:
			r.putUint(fmt.Sprintf("pc.%d", n), ep.PeerCount)
		case 11:
			r.putUint(fmt.Sprintf("up.%d", n), uint64(uptime-ep.Started))
		}
	}
	r.randomTag(n)
}

func (e *Engine) readAddrRestrictions(rq *request) {
	r := rq.resp
	if e.restricts != nil {
		v4, v6 := e.restricts.Entries()
		idx := 0
		for _, list := range [][]restrict.Entry{v4, v6} {
			for i := range list {
				r.putRestrictEntry(&list[i], idx)
				idx++
			}
		}
	}
	r.flush(false)
}

func (r *response) putRestrictEntry(re *restrict.Entry, idx int) {
	for _, which := range r.eng.fieldOrder(4, 2) {
		switch which {
		case 0:
			r.putUnqStr(fmt.Sprintf("addr.%d", idx), core.AddrString(re.Addr))
		case 1:
			r.putUnqStr(fmt.Sprintf("mask.%d", idx), core.AddrString(re.Mask))
		case 2:
			r.putUint(fmt.Sprintf("hits.%d", idx), re.Hits)
		case 3:
			r.putUnqStr(fmt.Sprintf("flags.%d", idx), re.FlagString())
		}
	}
	r.randomTag(idx)
}
