package control

import (
	"math"
	"net/netip"
	"strings"

	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/keys"
	"firestige.xyz/ntpctl/internal/monitor"
	"firestige.xyz/ntpctl/internal/peer"
	"firestige.xyz/ntpctl/internal/system"
)

// sysView is everything the system variables report, gathered once per
// response.
type sysView struct {
	snap    system.Snapshot
	sysPeer peer.Peer
	hasPeer bool
	mru     monitor.Stats
	auth    keys.Stats
	now     core.Timestamp
	uptime  uint32
	ext     []ExtVar
}

func (e *Engine) sysView() *sysView {
	v := &sysView{
		snap:   e.sys.Snapshot(),
		now:    e.clock.Now(),
		uptime: e.clock.Uptime(),
		ext:    e.ext.snapshot(),
	}
	v.sysPeer, v.hasPeer = e.peers.SysPeer()
	if e.mru != nil {
		v.mru = e.mru.Stats()
	}
	if e.keys != nil {
		v.auth = e.keys.Stats()
	}
	return v
}

// roundKB converts a number of MRU entries to kilobytes, rounding to nearest.
func roundKB(entries int) uint64 {
	return uint64(math.Floor(float64(entries)*monitor.EntrySize/1024 + 0.5))
}

// sysVarList is the quoted, comma separated list of every system variable
// name followed by the names of the extension variables.
func sysVarList(ext []ExtVar) string {
	var b strings.Builder
	b.WriteString(`sys_var_list="`)
	first := true
	for _, v := range sysVars {
		if v.Flags&Padding != 0 {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(v.Name)
	}
	for _, v := range ext {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(v.Name())
	}
	b.WriteByte('"')
	return b.String()
}

// putSys writes one system variable.
func (r *response) putSys(code uint16, v *sysView) {
	if int(code) >= len(sysVars) {
		return
	}
	tag := sysVars[code].Name
	s := &v.snap
	switch code {
	case CSLeap:
		r.putUint(tag, uint64(s.Leap))
	case CSStratum:
		r.putUint(tag, uint64(s.Stratum))
	case CSPrecision:
		r.putInt(tag, int64(s.Precision))
	case CSRootDelay:
		r.putDbl(tag, s.RootDelay*1e3)
	case CSRootDispersion:
		r.putDbl(tag, s.RootDisp*1e3)
	case CSRefID:
		if s.Stratum > 1 && s.Stratum < system.StratumUnspec {
			r.putAdr(tag, s.RefID, netip.Addr{})
		} else {
			r.putRefID(tag, s.RefID)
		}
	case CSRefTime:
		r.putTS(tag, s.RefTime)
	case CSPoll:
		r.putUint(tag, uint64(s.Poll))
	case CSPeerID:
		if v.hasPeer {
			r.putUint(tag, uint64(v.sysPeer.AssocID))
		} else {
			r.putUint(tag, 0)
		}
	case CSPeerAdr:
		ss := "0.0.0.0:0"
		if v.hasPeer && v.sysPeer.DstAddr.IsValid() {
			ss = core.AddrPortString(v.sysPeer.SrcAddr)
		}
		r.putUnqStr(tag, ss)
	case CSPeerMode:
		if v.hasPeer {
			r.putUint(tag, uint64(v.sysPeer.HMode))
		} else {
			r.putUint(tag, uint64(peer.ModeUnspec))
		}
	case CSOffset:
		r.putDbl6(tag, s.Offset*1e3)
	case CSDrift:
		r.putDbl(tag, s.Frequency*1e6)
	case CSJitter:
		r.putDbl6(tag, s.Jitter*1e3)
	case CSError:
		r.putDbl(tag, s.ClockJitter*1e3)
	case CSClock:
		r.putTS(tag, v.now)
	case CSProcessor:
		r.putStr(tag, s.Processor)
	case CSSystem:
		r.putStr(tag, s.System)
	case CSVersion:
		r.putStr(tag, s.Version)
	case CSStabil:
		r.putDbl(tag, s.Wander*1e6)
	case CSVarList:
		r.putText(sysVarList(v.ext))
	case CSTAI:
		if s.TAI > 0 {
			r.putUint(tag, uint64(s.TAI))
		}
	case CSLeapTab:
		if s.LeapTime > 0 {
			r.putFS(tag, s.LeapTime)
		}
	case CSLeapEnd:
		if s.LeapExpire > 0 {
			r.putFS(tag, s.LeapExpire)
		}
	case CSLeapSmearIntv:
		if s.LeapSmearInterval > 0 {
			r.putUint(tag, uint64(s.LeapSmearInterval))
		}
	case CSLeapSmearOffs:
		if s.LeapSmearInterval > 0 {
			r.putDbl(tag, s.LeapSmearOffset*1e3)
		}
	case CSRate:
		r.putUint(tag, uint64(s.MinPoll))
	case CSMRUEnabled:
		var on uint64
		if v.mru.Enabled {
			on = 1
		}
		r.putHex(tag, on)
	case CSMRUDepth:
		r.putUint(tag, uint64(v.mru.Entries))
	case CSMRUMem:
		r.putUint(tag, roundKB(v.mru.Entries))
	case CSMRUDeepest:
		r.putUint(tag, uint64(v.mru.Deepest))
	case CSMRUMinDepth:
		r.putUint(tag, uint64(v.mru.MinDepth))
	case CSMRUMaxAge:
		r.putInt(tag, int64(v.mru.MaxAge))
	case CSMRUMaxDepth:
		r.putUint(tag, uint64(v.mru.MaxDepth))
	case CSMRUMaxMem:
		r.putUint(tag, roundKB(v.mru.MaxDepth))
	case CSSSUptime:
		r.putUint(tag, uint64(v.uptime))
	case CSSSReset:
		r.putUint(tag, uint64(s.StatsAge))
	case CSSSReceived:
		r.putUint(tag, s.Received)
	case CSSSThisVer:
		r.putUint(tag, s.NewVersion)
	case CSSSOldVer:
		r.putUint(tag, s.OldVersion)
	case CSSSBadFormat:
		r.putUint(tag, s.BadLength)
	case CSSSBadAuth:
		r.putUint(tag, s.BadAuth)
	case CSSSDeclined:
		r.putUint(tag, s.Declined)
	case CSSSRestricted:
		r.putUint(tag, s.Restricted)
	case CSSSLimited:
		r.putUint(tag, s.Limited)
	case CSSSKoDSent:
		r.putUint(tag, s.KoDSent)
	case CSSSProcessed:
		r.putUint(tag, s.Processed)
	case CSBcastDelay:
		r.putDbl(tag, s.BcastDelay*1e3)
	case CSAuthDelay:
		r.putDbl(tag, s.AuthDelay*1e3)
	case CSAuthKeys:
		r.putUint(tag, uint64(v.auth.Keys))
	case CSAuthFreeK:
		r.putUint(tag, uint64(v.auth.FreeKeys))
	case CSAuthKLookups:
		r.putUint(tag, v.auth.Lookups)
	case CSAuthKNotFound:
		r.putUint(tag, v.auth.NotFound)
	case CSAuthKUncached:
		r.putUint(tag, v.auth.Uncached)
	case CSAuthKExpired:
		r.putUint(tag, v.auth.Expired)
	case CSAuthEncrypts:
		r.putUint(tag, v.auth.Encryptions)
	case CSAuthDecrypts:
		r.putUint(tag, v.auth.Decryptions)
	case CSAuthReset:
		var age uint64
		if !v.auth.ResetAt.IsZero() {
			age = uint64(v.now.Time().Sub(v.auth.ResetAt).Seconds())
		}
		r.putUint(tag, age)
	case CSIOStatsReset:
		r.putUint(tag, uint64(s.IOStatsAge))
	case CSTotalRBuf:
		r.putUint(tag, s.TotalRBuf)
	case CSFreeRBuf:
		r.putUint(tag, s.FreeRBuf)
	case CSUsedRBuf:
		r.putUint(tag, s.UsedRBuf)
	case CSRBufLowater:
		r.putUint(tag, s.RBufLowWater)
	case CSIODropped:
		r.putUint(tag, s.IODropped)
	case CSIOIgnored:
		r.putUint(tag, s.IOIgnored)
	case CSIOReceived:
		r.putUint(tag, s.IOReceived)
	case CSIOSent:
		r.putUint(tag, s.IOSent)
	case CSIOSendFailed:
		r.putUint(tag, s.IOSendFailed)
	case CSIOWakeups:
		r.putUint(tag, s.IOWakeups)
	case CSIOGoodWakeups:
		r.putUint(tag, s.IOGoodWakeups)
	case CSTimerStatsReset:
		r.putUint(tag, uint64(s.TimerStatsAge))
	case CSTimerOverruns:
		r.putUint(tag, s.TimerOverruns)
	case CSTimerXmts:
		r.putUint(tag, s.TimerXmts)
	case CSFuzz:
		r.putDbl(tag, s.Fuzz*1e3)
	case CSWanderThresh:
		r.putDbl(tag, s.WanderThreshold*1e6)
	default:
		// No kernel discipline: every k* variable reads zero.
		if code >= CSKOffset && code <= CSKPPSStbExc {
			r.putInt(tag, 0)
		}
	}
}
