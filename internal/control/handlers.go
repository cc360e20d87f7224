package control

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lestrrat-go/strftime"

	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/peer"
	"firestige.xyz/ntpctl/internal/system"
)

// maxConfigLen is the longest runtime configuration request accepted.
const maxConfigLen = 1024 - 2

// peerStatus returns the status word of an association and, for an
// authenticated request, clears its event counter afterwards.
func (e *Engine) peerStatus(rq *request, p *peer.Peer) uint16 {
	st := p.Status()
	if rq.authOK {
		e.peers.Modify(p.AssocID, func(pp *peer.Peer) { pp.NumEvents = 0 })
	}
	return st
}

func (e *Engine) controlUnspec(rq *request) {
	if rq.h.AssocID != 0 {
		p, ok := e.peers.Lookup(rq.h.AssocID)
		if !ok {
			rq.resp.fail(ErrBadAssoc)
			return
		}
		rq.resp.hdr.Status = p.Status()
	} else {
		rq.resp.hdr.Status = e.sysStatus()
	}
	rq.resp.flush(false)
}

func (e *Engine) readStatus(rq *request) {
	r := rq.resp
	if rq.h.AssocID != 0 {
		p, ok := e.peers.Lookup(rq.h.AssocID)
		if !ok {
			r.fail(ErrBadAssoc)
			return
		}
		r.hdr.Status = e.peerStatus(rq, &p)
		uptime := e.clock.Uptime()
		for _, code := range defPeerVars {
			r.putPeer(code, &p, uptime, e.cfg.TTL)
		}
		r.flush(false)
		return
	}

	r.hdr.Status = e.sysStatus()
	const perChunk = MaxDataLen / 2
	buf := make([]byte, 0, MaxDataLen)
	n := 0
	for _, p := range e.peers.List() {
		buf = binary.BigEndian.AppendUint16(buf, p.AssocID)
		buf = binary.BigEndian.AppendUint16(buf, p.Status())
		n += 2
		if n+1 >= perChunk {
			r.putData(buf, true)
			buf, n = buf[:0], 0
		}
	}
	if n > 0 {
		r.putData(buf, true)
	}
	r.flush(false)
}

func (e *Engine) readVariables(rq *request) {
	if rq.h.AssocID != 0 {
		e.readPeerVars(rq)
	} else {
		e.readSysVars(rq)
	}
}

func (e *Engine) readPeerVars(rq *request) {
	r := rq.resp
	p, ok := e.peers.Lookup(rq.h.AssocID)
	if !ok {
		r.fail(ErrBadAssoc)
		return
	}
	r.hdr.Status = e.peerStatus(rq, &p)

	var wants [CPMaxCode + 1]bool
	got := false
	for {
		v, _, st := rq.getItem(peerVars)
		if st == itemEnd {
			break
		}
		if st == itemBad {
			return
		}
		if st == itemUnknown {
			r.fail(ErrUnknownVar)
			return
		}
		wants[v.Code] = true
		got = true
	}

	uptime := e.clock.Uptime()
	if got {
		for code := uint16(1); code <= CPMaxCode; code++ {
			if wants[code] {
				r.putPeer(code, &p, uptime, e.cfg.TTL)
			}
		}
	} else {
		for _, code := range defPeerVars {
			r.putPeer(code, &p, uptime, e.cfg.TTL)
		}
	}
	r.flush(false)
}

func (e *Engine) readSysVars(rq *request) {
	r := rq.resp
	r.hdr.Status = e.sysStatus()
	if rq.authOK {
		e.sysNumEvents = 0
	}

	ext, extTable := e.ext.table()
	var wants [CSMaxCode + 1]bool
	wantExt := make([]bool, len(ext))
	got := false
	for {
		v, _, st := rq.getItem(sysVars)
		if st == itemEnd {
			break
		}
		if st == itemBad {
			return
		}
		if st == itemFound {
			wants[v.Code] = true
			got = true
			continue
		}
		v, _, st = rq.getItem(extTable)
		switch st {
		case itemBad:
			return
		case itemEnd:
			r.fail(ErrBadValue)
			return
		case itemUnknown:
			r.fail(ErrUnknownVar)
			return
		}
		wantExt[v.Code] = true
		got = true
	}

	view := e.sysView()
	if got {
		for code := uint16(1); code <= CSMaxCode; code++ {
			if wants[code] {
				r.putSys(code, view)
			}
		}
		for i, x := range ext {
			if wantExt[i] {
				r.putText(x.Text)
			}
		}
	} else {
		for _, code := range defSysVars {
			r.putSys(code, view)
		}
		for _, x := range ext {
			if x.Flags&Def != 0 {
				r.putText(x.Text)
			}
		}
	}
	r.flush(false)
}

// writeVariables sets the leap indicator or user-defined system variables.
func (e *Engine) writeVariables(rq *request) {
	r := rq.resp
	if rq.h.AssocID != 0 {
		r.fail(ErrPermission)
		return
	}
	r.hdr.Status = e.sysStatus()

	_, extTable := e.ext.table()
	for {
		v, value, st := rq.getItem(sysVars)
		if st == itemBad {
			return
		}
		if st == itemEnd {
			break
		}
		isExt := false
		if st == itemUnknown {
			v, value, st = rq.getItem(extTable)
			if st == itemBad {
				return
			}
			if st == itemEnd {
				break
			}
			if st == itemUnknown {
				r.fail(ErrUnknownVar)
				return
			}
			isExt = true
		}
		if v.Flags&CanWrite == 0 {
			r.fail(ErrPermission)
			return
		}
		if isExt {
			e.ext.set(varName(*v)+"="+value, v.Flags)
			continue
		}
		val, err := strconv.ParseInt(value, 10, 64)
		if value == "" || err != nil {
			r.fail(ErrBadFmt)
			return
		}
		if val&^int64(system.LeapNotInSync) != 0 {
			r.fail(ErrBadValue)
			return
		}
		e.sys.SetLeap(uint8(val))
		e.logger.Infof("leap indicator set to %d by %s", val, rq.src)
	}
	r.flush(false)
}

// printableLen returns the length of the leading run of printable octets.
func printableLen(b []byte) int {
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			return i
		}
	}
	return len(b)
}

// configure hands a runtime configuration request to the configurator and
// replies with its verdict.
func (e *Engine) configure(rq *request) {
	r := rq.resp
	if rq.h.AssocID != 0 {
		r.fail(ErrBadValue)
		return
	}
	if rq.restrict&core.ResNoModify != 0 {
		r.putText("runtime configuration prohibited by restrict ... nomodify")
		r.flush(false)
		e.logger.Infof("runtime config from %s rejected due to nomodify restriction", rq.src.Addr())
		e.sys.CountRestricted()
		return
	}

	n := printableLen(rq.data)
	if n > maxConfigLen {
		r.putText("runtime configuration failed: request too long")
		r.flush(false)
		e.logger.Infof("runtime config from %s rejected: request too long", rq.src.Addr())
		return
	}
	if n != len(rq.data) {
		r.putText("runtime configuration failed: request contains an unprintable character")
		r.flush(false)
		e.logger.Infof("runtime config from %s rejected: request contains an unprintable character: %x",
			rq.src.Addr(), rq.data[n])
		return
	}

	text := string(rq.data)
	e.logger.Infof("%s config: %s", rq.src.Addr(), text)
	if e.conf == nil {
		r.putText("runtime configuration failed: not supported")
		r.flush(false)
		return
	}
	nerr, msg := e.conf.ApplyRemote(rq.src, text+"\n")
	if nerr == 0 {
		msg = "Config Succeeded"
	}
	r.putText(msg)
	r.flush(false)
	if nerr > 0 {
		e.logger.Infof("%d error in %s config", nerr, rq.src.Addr())
	}
}

// saveConfig writes the running configuration into the save directory under
// a name taken from the request, expanded with strftime.
func (e *Engine) saveConfig(rq *request) {
	r := rq.resp
	if rq.restrict&core.ResNoModify != 0 {
		r.putText("saveconfig prohibited by restrict ... nomodify")
		r.flush(false)
		e.logger.Infof("saveconfig from %s rejected due to nomodify restriction", rq.src.Addr())
		e.sys.CountRestricted()
		return
	}
	if e.cfg.SaveConfigDir == "" || e.conf == nil {
		r.putText("saveconfig prohibited, no saveconfigdir configured")
		r.flush(false)
		e.logger.Infof("saveconfig from %s rejected, no saveconfigdir", rq.src.Addr())
		return
	}
	if len(rq.data) == 0 {
		return
	}

	pattern := string(rq.data)
	if i := strings.IndexByte(pattern, 0); i >= 0 {
		pattern = pattern[:i]
	}
	name, err := strftime.Format(pattern, e.clock.Now().Time().UTC())
	if err != nil || name == "" {
		name = pattern
	}
	if strings.ContainsAny(name, `/\`) {
		r.putText("saveconfig does not allow directory in filename")
		r.flush(false)
		e.logger.Infof("saveconfig with path from %s rejected", rq.src.Addr())
		return
	}

	full := filepath.Join(e.cfg.SaveConfigDir, name)
	if err := e.dumpConfig(full, name); err != nil {
		r.putText("Unable to save configuration to file " + name)
		e.logger.WithError(err).Errorf("saveconfig %s from %s failed", name, rq.src.Addr())
	} else {
		r.putText("Configuration saved to " + name)
		e.logger.Infof("Configuration saved to %s (requested by %s)", full, rq.src.Addr())
		e.ext.set("savedconfig="+name, RO)
	}
	r.flush(false)
}

func (e *Engine) dumpConfig(path, name string) error {
	f, err := e.cfg.Fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := e.conf.Dump(f, name); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// clockPeer picks the reference clock a readclock request is about.
func (e *Engine) clockPeer(assoc uint16) (peer.Peer, bool) {
	if assoc != 0 {
		p, ok := e.peers.Lookup(assoc)
		if !ok || !p.IsRefclock() || p.Clock == nil {
			return peer.Peer{}, false
		}
		return p, true
	}
	if sp, ok := e.peers.SysPeer(); ok && sp.IsRefclock() && sp.Clock != nil {
		return sp, true
	}
	for _, p := range e.peers.List() {
		if p.IsRefclock() && p.Clock != nil {
			return p, true
		}
	}
	return peer.Peer{}, false
}

func (e *Engine) readClockStatus(rq *request) {
	r := rq.resp
	p, ok := e.clockPeer(rq.h.AssocID)
	if !ok {
		r.fail(ErrBadAssoc)
		return
	}
	cs := p.Clock
	r.hdr.Status = cs.Status()

	kv := kvTable(cs.KV)
	var wants [CCMaxCode + 1]bool
	wantKV := make([]bool, len(kv))
	got := false
	for {
		v, _, st := rq.getItem(clockVars)
		if st == itemEnd {
			break
		}
		if st == itemBad {
			return
		}
		if st == itemFound {
			wants[v.Code] = true
			got = true
			continue
		}
		v, _, st = rq.getItem(kv)
		switch st {
		case itemBad:
			return
		case itemEnd:
			r.fail(ErrBadValue)
			return
		case itemUnknown:
			r.fail(ErrUnknownVar)
			return
		}
		wantKV[v.Code] = true
		got = true
	}

	if got {
		for code := uint16(1); code <= CCMaxCode; code++ {
			if wants[code] {
				r.putClock(code, cs, true)
			}
		}
		for i, x := range cs.KV {
			if wantKV[i] {
				r.putText(x.Text)
			}
		}
	} else {
		for _, code := range defClockVars {
			r.putClock(code, cs, false)
		}
		for _, x := range cs.KV {
			if x.Default {
				r.putText(x.Text)
			}
		}
	}
	r.flush(false)
}

// writeClockStatus is not supported.
func (e *Engine) writeClockStatus(rq *request) {
	rq.resp.fail(ErrPermission)
}

func trapKind(restrict uint16) TrapType {
	if restrict&core.ResLPTrap != 0 {
		return TrapTypeNonPrio
	}
	return TrapTypePrio
}

func (e *Engine) setTrap(rq *request) {
	if rq.restrict&core.ResNoTrap != 0 {
		rq.resp.fail(ErrPermission)
		return
	}
	if !e.traps.set(rq.src, rq.local, trapKind(rq.restrict), rq.h.Version(), e.clock.Uptime()) {
		rq.resp.fail(ErrNoResource)
		return
	}
	e.logger.Debugf("trap set for %s", rq.src)
	rq.resp.flush(false)
}

func (e *Engine) unsetTrap(rq *request) {
	if !e.traps.clear(rq.src, rq.local, trapKind(rq.restrict)) {
		rq.resp.fail(ErrBadAssoc)
		return
	}
	rq.resp.flush(false)
}
