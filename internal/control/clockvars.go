package control

import (
	"net/netip"
	"strings"

	"firestige.xyz/ntpctl/internal/peer"
)

func kvName(text string) string {
	name, _, _ := strings.Cut(text, "=")
	return name
}

// kvTable returns the driver variables in the form getItem matches against.
func kvTable(kv []peer.KV) []Var {
	t := make([]Var, len(kv))
	for i, v := range kv {
		flags := RO
		if v.Default {
			flags |= Def
		}
		t[i] = Var{Code: uint16(i), Flags: flags, Name: v.Text}
	}
	return t
}

// putClock writes one reference clock variable. Optional values are left
// out unless mustPut is set.
func (r *response) putClock(code uint16, cs *peer.ClockStatus, mustPut bool) {
	if int(code) >= len(clockVars) {
		return
	}
	tag := clockVars[code].Name
	switch code {
	case CCType:
		if mustPut || cs.Desc == "" {
			r.putUint(tag, uint64(cs.Type))
		}
	case CCTimecode:
		r.putStr(tag, cs.Timecode)
	case CCPoll:
		r.putUint(tag, uint64(cs.Polls))
	case CCNoReply:
		r.putUint(tag, uint64(cs.NoReply))
	case CCBadFormat:
		r.putUint(tag, uint64(cs.BadFormat))
	case CCBadData:
		r.putUint(tag, uint64(cs.BadData))
	case CCFudgeTime1:
		if mustPut || cs.HaveFlags&peer.HaveTime1 != 0 {
			r.putDbl(tag, cs.FudgeTime1*1e3)
		}
	case CCFudgeTime2:
		if mustPut || cs.HaveFlags&peer.HaveTime2 != 0 {
			r.putDbl(tag, cs.FudgeTime2*1e3)
		}
	case CCFudgeVal1:
		if mustPut || cs.HaveFlags&peer.HaveVal1 != 0 {
			r.putInt(tag, int64(cs.FudgeVal1))
		}
	case CCFudgeVal2:
		if mustPut || cs.HaveFlags&peer.HaveVal2 != 0 {
			if cs.FudgeVal1 > 1 {
				r.putAdr(tag, cs.FudgeVal2, netip.Addr{})
			} else {
				r.putRefID(tag, cs.FudgeVal2)
			}
		}
	case CCFlags:
		r.putUint(tag, uint64(cs.Flags))
	case CCDevice:
		if cs.Desc != "" {
			r.putStr(tag, cs.Desc)
		} else if mustPut {
			r.putStr(tag, "")
		}
	case CCVarList:
		names := make([]string, 0, len(cs.KV))
		for _, kv := range cs.KV {
			names = append(names, kvName(kv.Text))
		}
		r.putText(varList(tag, clockVars, names))
	}
}
