package control

import (
	"net/netip"
	"strings"

	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/peer"
)

func boolUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// varList renders tag="a,b,c" from the non-padding entries of a table and
// any extra names.
func varList(tag string, vars []Var, extra []string) string {
	var b strings.Builder
	b.WriteString(tag)
	b.WriteString(`="`)
	first := true
	add := func(name string) {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(name)
	}
	for _, v := range vars {
		if v.Flags&Padding == 0 {
			add(v.Name)
		}
	}
	for _, name := range extra {
		add(name)
	}
	b.WriteByte('"')
	return b.String()
}

// putPeer writes one variable of an association.
func (r *response) putPeer(code uint16, p *peer.Peer, uptime uint32, ttl []int) {
	if int(code) >= len(peerVars) {
		return
	}
	tag := peerVars[code].Name
	switch code {
	case CPConfig:
		r.putUint(tag, boolUint(p.Configured))
	case CPAuthEnable:
		r.putUint(tag, boolUint(p.KeyID != 0))
	case CPAuthentic:
		r.putUint(tag, boolUint(p.Authentic))
	case CPSrcAdr:
		r.putAdr(tag, 0, p.SrcAddr.Addr())
	case CPSrcPort:
		r.putUint(tag, uint64(p.SrcAddr.Port()))
	case CPSrcHost:
		if p.Hostname != "" {
			r.putStr(tag, p.Hostname)
		}
	case CPDstAdr:
		r.putAdr(tag, 0, p.DstAddr.Addr())
	case CPDstPort:
		r.putUint(tag, uint64(p.DstAddr.Port()))
	case CPIn:
		if p.In > 0 {
			r.putDbl(tag, p.In/1e3)
		}
	case CPOut:
		if p.Out > 0 {
			r.putDbl(tag, p.Out/1e3)
		}
	case CPRate:
		r.putUint(tag, uint64(p.Headway))
	case CPLeap:
		r.putUint(tag, uint64(p.Leap))
	case CPHMode:
		r.putUint(tag, uint64(p.HMode))
	case CPStratum:
		r.putUint(tag, uint64(p.Stratum))
	case CPPPoll:
		r.putUint(tag, uint64(p.PPoll))
	case CPHPoll:
		r.putUint(tag, uint64(p.HPoll))
	case CPPrecision:
		r.putInt(tag, int64(p.Precision))
	case CPRootDelay:
		r.putDbl(tag, p.RootDelay*1e3)
	case CPRootDispersion:
		r.putDbl(tag, p.RootDisp*1e3)
	case CPRefID:
		switch {
		case p.IsRefclock():
			r.putRefID(tag, p.RefID)
		case p.Stratum > 1 && p.Stratum < 16:
			r.putAdr(tag, p.RefID, netip.Addr{})
		default:
			r.putRefID(tag, p.RefID)
		}
	case CPRefTime:
		r.putTS(tag, p.RefTime)
	case CPOrg:
		r.putTS(tag, p.Org)
	case CPRec:
		r.putTS(tag, p.Rec)
	case CPXmt:
		if p.Xleave != 0 {
			r.putDbl(tag, p.Xleave*1e3)
		}
	case CPBias:
		if p.Bias != 0 {
			r.putDbl(tag, p.Bias*1e3)
		}
	case CPReach:
		r.putHex(tag, uint64(p.Reach))
	case CPFlash:
		r.putHex(tag, uint64(p.Flash))
	case CPTTL:
		if p.IsRefclock() {
			r.putUint(tag, uint64(p.TTL))
		} else if p.TTL > 0 && p.TTL < len(ttl) {
			r.putInt(tag, int64(ttl[p.TTL]))
		}
	case CPUnreach:
		r.putUint(tag, uint64(p.Unreach))
	case CPTimer:
		r.putUint(tag, uint64(p.NextDate-uptime))
	case CPDelay:
		r.putDbl(tag, p.Delay*1e3)
	case CPOffset:
		r.putDbl(tag, p.Offset*1e3)
	case CPJitter:
		r.putDbl(tag, p.Jitter*1e3)
	case CPDispersion:
		r.putDbl(tag, p.Disp*1e3)
	case CPKeyID:
		if p.KeyID > peer.MaxKey {
			r.putHex(tag, uint64(p.KeyID))
		} else {
			r.putUint(tag, uint64(p.KeyID))
		}
	case CPFiltDelay:
		r.putArray(tag, p.FilterDelay, p.FilterNext)
	case CPFiltOffset:
		r.putArray(tag, p.FilterOffset, p.FilterNext)
	case CPFiltError:
		r.putArray(tag, p.FilterDisp, p.FilterNext)
	case CPPMode:
		r.putUint(tag, uint64(p.PMode))
	case CPReceived:
		r.putUint(tag, p.Received)
	case CPSent:
		r.putUint(tag, p.Sent)
	case CPVarList:
		r.putText(varList(tag, peerVars, nil))
	case CPTimeRec:
		r.putUint(tag, uint64(uptime-p.TimeReceived))
	case CPTimeReach:
		r.putUint(tag, uint64(uptime-p.TimeReachable))
	case CPBadAuth:
		r.putUint(tag, p.BadAuth)
	case CPBogusOrg:
		r.putUint(tag, p.BogusOrg)
	case CPOldPkt:
		r.putUint(tag, p.OldPkt)
	case CPSelDisp:
		r.putUint(tag, p.SelDisp)
	case CPSelBroken:
		r.putUint(tag, p.SelBroken)
	case CPCandidate:
		r.putUint(tag, uint64(p.Select))
	}
}

// peerSource renders the association the way event lines name it.
func peerSource(p *peer.Peer) string {
	return core.PeerAddrString(p.SrcAddr)
}
