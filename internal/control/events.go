package control

import (
	"fmt"
	"net/netip"

	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/metrics"
	"firestige.xyz/ntpctl/internal/peer"
)

// maxRepeatEvents caps how many times in a row the same event is reported.
const maxRepeatEvents = 15

// ReportEvent logs a system event (assocID 0) or an association event,
// records it as a protostats line and sends it to every trap receiver.
func (e *Engine) ReportEvent(code int, assocID uint16, str string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		line   string
		p      peer.Peer
		isPeer = assocID != 0 && code&core.PeerEvent != 0
	)
	if !isPeer {
		if e.sysLastEvent != uint8(code) {
			e.sysNumEvents = 0
		}
		if e.sysNumEvents >= maxRepeatEvents {
			return
		}
		e.sysLastEvent = uint8(code)
		e.sysNumEvents++
		line = fmt.Sprintf("0.0.0.0 %04x %02x %s", e.sysStatus(), code, core.EventName(code))
		metrics.EventsReportedTotal.WithLabelValues("sys").Inc()
	} else {
		errLast := uint8(code) &^ core.PeerEvent
		suppressed := false
		ok := e.peers.Modify(assocID, func(pp *peer.Peer) {
			if pp.LastEvent == errLast {
				pp.NumEvents = 0
			}
			if pp.NumEvents >= maxRepeatEvents {
				suppressed = true
				return
			}
			pp.LastEvent = errLast
			pp.NumEvents++
		})
		if !ok || suppressed {
			return
		}
		p, _ = e.peers.Lookup(assocID)
		line = fmt.Sprintf("%s %04x %02x %s", peerSource(&p), p.Status(), code, core.EventName(code))
		metrics.EventsReportedTotal.WithLabelValues("peer").Inc()
	}
	if str != "" {
		line += " " + str
	}

	e.logger.Info(line)
	if e.recorder != nil {
		e.recorder.RecordProtoStats(line)
	}

	if !e.traps.any() {
		return
	}

	h := Header{REMOp: OpAsyncMsg}
	if !isPeer {
		h.Status = e.sysStatus()
	} else {
		h.AssocID = p.AssocID
		h.Status = p.Status()
	}
	r := e.newResponse(h, netip.AddrPort{}, netip.AddrPort{})
	r.async = true

	if !isPeer {
		view := e.sysView()
		for c := uint16(1); c <= CSVarList; c++ {
			r.putSys(c, view)
		}
	} else {
		uptime := e.clock.Uptime()
		for c := uint16(1); c <= CPMaxCode; c++ {
			r.putPeer(c, &p, uptime, e.cfg.TTL)
		}
		if code == core.PeerEventClock && p.Clock != nil {
			cs := p.Clock
			r.putHex("refclockstatus", uint64(cs.Status()))
			for c := uint16(1); c <= CCMaxCode; c++ {
				r.putClock(c, cs, false)
			}
			for _, kv := range cs.KV {
				if kv.Default {
					r.putText(kv.Text)
				}
			}
		}
	}
	r.flush(false)
}
