package control

import (
	"context"
	"encoding/binary"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/peer"
)

func testPeer(addr string) peer.Peer {
	return peer.Peer{
		SrcAddr:    netip.AddrPortFrom(netip.MustParseAddr(addr), 123),
		DstAddr:    serverAddr,
		Configured: true,
		HMode:      peer.ModeClient,
		PMode:      peer.ModeServer,
		Stratum:    2,
		Precision:  -23,
		Reach:      0xff,
		Select:     peer.SelCand,
	}
}

func refclockPeer(t *testing.T) peer.Peer {
	t.Helper()
	p, err := peer.FromConfig(context.Background(), nil, config.PeerConfig{Address: "127.127.1.0"})
	require.NoError(t, err)
	return p
}

func signed(op uint8, assoc uint16, data string) []byte {
	return signRequest(buildRequest(op, assoc, 1, data), testKeyID, testSecret)
}

func TestReadStatusSystem(t *testing.T) {
	h := newHarness(t)
	id1, err := h.peers.Add(testPeer("192.0.2.50"))
	require.NoError(t, err)
	id2, err := h.peers.Add(testPeer("192.0.2.51"))
	require.NoError(t, err)

	res, sent := h.do(buildRequest(OpReadStat, 0, 1, ""))
	require.Equal(t, ResultReply, res.Outcome)
	f := decodeFragments(t, sent)[0]
	assert.Equal(t, uint16(0xc000), f.hdr.Status)

	body := []byte(payload(t, sent))
	require.Len(t, body, 8)
	p1, _ := h.peers.Lookup(id1)
	p2, _ := h.peers.Lookup(id2)
	assert.Equal(t, id1, binary.BigEndian.Uint16(body[0:]))
	assert.Equal(t, p1.Status(), binary.BigEndian.Uint16(body[2:]))
	assert.Equal(t, id2, binary.BigEndian.Uint16(body[4:]))
	assert.Equal(t, p2.Status(), binary.BigEndian.Uint16(body[6:]))
}

func TestReadStatusIsIdempotent(t *testing.T) {
	h := newHarness(t)
	for _, a := range []string{"192.0.2.50", "192.0.2.51", "192.0.2.52"} {
		_, err := h.peers.Add(testPeer(a))
		require.NoError(t, err)
	}

	_, first := h.do(buildRequest(OpReadStat, 0, 1, ""))
	_, second := h.do(buildRequest(OpReadStat, 0, 1, ""))
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].b, second[0].b)
}

func TestReadStatusManyPeers(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 300; i++ {
		a := netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)})
		p := testPeer("192.0.2.1")
		p.SrcAddr = netip.AddrPortFrom(a, 123)
		_, err := h.peers.Add(p)
		require.NoError(t, err)
	}
	res, sent := h.do(buildRequest(OpReadStat, 0, 1, ""))
	require.Equal(t, ResultReply, res.Outcome)
	assert.Greater(t, len(sent), 1)
	assert.Len(t, payload(t, sent), 300*4)
}

func TestReadStatusPeer(t *testing.T) {
	h := newHarness(t)
	id, err := h.peers.Add(testPeer("192.0.2.50"))
	require.NoError(t, err)
	h.peers.Modify(id, func(p *peer.Peer) {
		p.NumEvents = 3
		p.LastEvent = 5
	})

	_, sent := h.do(buildRequest(OpReadStat, id, 1, ""))
	f := decodeFragments(t, sent)[0]
	assert.Equal(t, uint16(0x35), f.hdr.Status&0xff)
	_, vals := tokens(payload(t, sent))
	assert.Equal(t, "192.0.2.50", vals["srcadr"])
	assert.Equal(t, "2", vals["stratum"])

	p, _ := h.peers.Lookup(id)
	assert.Equal(t, uint8(3), p.NumEvents, "unauthenticated reads keep the event count")

	_, sent = h.do(signed(OpReadStat, id, ""))
	f = decodeFragments(t, sent)[0]
	assert.Equal(t, uint16(0x35), f.hdr.Status&0xff)
	p, _ = h.peers.Lookup(id)
	assert.Zero(t, p.NumEvents)

	_, sent = h.do(buildRequest(OpReadStat, 999, 1, ""))
	assert.Equal(t, uint8(ErrBadAssoc), errorCode(t, sent))
}

func TestReadSysVars(t *testing.T) {
	h := newHarness(t)

	t.Run("named in code order", func(t *testing.T) {
		_, sent := h.do(buildRequest(OpReadVar, 0, 1, "precision, stratum"))
		assert.Equal(t, "stratum=16, precision=-20\r\n", payload(t, sent))
	})

	t.Run("defaults", func(t *testing.T) {
		_, sent := h.do(buildRequest(OpReadVar, 0, 1, ""))
		order, vals := tokens(payload(t, sent))
		assert.Equal(t, "version", order[0])
		assert.Equal(t, "3", vals["leap"])
		assert.Equal(t, "INIT", vals["refid"])
		assert.NotContains(t, vals, "sys_var_list")
	})

	t.Run("unknown", func(t *testing.T) {
		_, sent := h.do(buildRequest(OpReadVar, 0, 1, "stratum, nosuch"))
		assert.Equal(t, uint8(ErrUnknownVar), errorCode(t, sent))
	})

	t.Run("extension variables", func(t *testing.T) {
		h.eng.SetSysVar("foo=bar", RO)
		h.eng.SetSysVar("site=lab", RO|Def)

		_, sent := h.do(buildRequest(OpReadVar, 0, 1, ""))
		_, vals := tokens(payload(t, sent))
		assert.NotContains(t, vals, "foo")
		assert.Equal(t, "lab", vals["site"])

		_, sent = h.do(buildRequest(OpReadVar, 0, 1, "stratum,foo"))
		assert.Equal(t, "stratum=16, foo=bar\r\n", payload(t, sent))

		_, sent = h.do(buildRequest(OpReadVar, 0, 1, "sys_var_list"))
		_, vals = tokens(payload(t, sent))
		names := strings.Split(vals["sys_var_list"], ",")
		assert.Contains(t, names, "leap")
		assert.Contains(t, names, "mru_depth")
		assert.Equal(t, []string{"foo", "site"}, names[len(names)-2:])
	})

	t.Run("overlong value", func(t *testing.T) {
		before := h.eng.Stats().BadPackets
		_, sent := h.do(buildRequest(OpReadVar, 0, 1, "stratum="+strings.Repeat("A", 200)))
		assert.Equal(t, uint8(ErrBadFmt), errorCode(t, sent))
		assert.Equal(t, before+1, h.eng.Stats().BadPackets)
	})
}

func TestReadSysVarsResetsEventCounterWhenAuthenticated(t *testing.T) {
	h := newHarness(t)
	h.eng.ReportEvent(core.EventRestart, 0, "")
	h.eng.ReportEvent(core.EventRestart, 0, "")

	_, sent := h.do(buildRequest(OpReadVar, 0, 1, "stratum"))
	assert.Equal(t, uint16(0x20), decodeFragments(t, sent)[0].hdr.Status&0xf0)

	_, sent = h.do(signed(OpReadVar, 0, "stratum"))
	assert.Equal(t, uint16(0x20), decodeFragments(t, sent)[0].hdr.Status&0xf0)

	_, sent = h.do(buildRequest(OpReadVar, 0, 1, "stratum"))
	assert.Zero(t, decodeFragments(t, sent)[0].hdr.Status&0xf0)
}

func TestReadPeerVars(t *testing.T) {
	h := newHarness(t)
	id, err := h.peers.Add(testPeer("192.0.2.50"))
	require.NoError(t, err)

	_, sent := h.do(buildRequest(OpReadVar, id, 1, "stratum, srcadr"))
	assert.Equal(t, "srcadr=192.0.2.50, stratum=2\r\n", payload(t, sent))

	_, sent = h.do(buildRequest(OpReadVar, id, 1, ""))
	order, vals := tokens(payload(t, sent))
	assert.Equal(t, "srcadr", order[0])
	assert.Equal(t, "123", vals["srcport"])
	assert.Equal(t, "0xff", vals["reach"])
	assert.Contains(t, vals, "filtdelay")

	_, sent = h.do(buildRequest(OpReadVar, id, 1, "nosuch"))
	assert.Equal(t, uint8(ErrUnknownVar), errorCode(t, sent))

	_, sent = h.do(buildRequest(OpReadVar, id+1, 1, ""))
	assert.Equal(t, uint8(ErrBadAssoc), errorCode(t, sent))
}

func TestWriteVariables(t *testing.T) {
	tests := []struct {
		name  string
		assoc uint16
		data  string
		code  uint8 // 0 for success
		leap  uint8
	}{
		{"set leap", 0, "leap=1", 0, 1},
		{"set leap with spaces", 0, "leap = 2 ", 0, 2},
		{"out of range", 0, "leap=4", ErrBadValue, 3},
		{"not a number", 0, "leap=x", ErrBadFmt, 3},
		{"no value", 0, "leap", ErrBadFmt, 3},
		{"read only", 0, "stratum=1", ErrPermission, 3},
		{"unknown", 0, "bogus=1", ErrUnknownVar, 3},
		{"association", 3, "leap=1", ErrPermission, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res, sent := h.do(signed(OpWriteVar, tt.assoc, tt.data))
			if tt.code == 0 {
				assert.Equal(t, ResultReply, res.Outcome)
			} else {
				assert.Equal(t, tt.code, errorCode(t, sent))
			}
			assert.Equal(t, tt.leap, h.sys.State().Leap)
		})
	}
}

func TestWriteExtensionVariable(t *testing.T) {
	h := newHarness(t)
	h.eng.SetSysVar("mode=a", RW)
	h.eng.SetSysVar("fixed=1", RO)

	res, _ := h.do(signed(OpWriteVar, 0, "mode=b"))
	require.Equal(t, ResultReply, res.Outcome)
	v, ok := h.eng.SysVar("mode")
	require.True(t, ok)
	assert.Equal(t, "b", v)

	_, sent := h.do(signed(OpWriteVar, 0, "fixed=2"))
	assert.Equal(t, uint8(ErrPermission), errorCode(t, sent))
	v, _ = h.eng.SysVar("fixed")
	assert.Equal(t, "1", v)
}

func TestConfigure(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := newHarness(t)
		res, sent := h.do(signed(OpConfigure, 0, "server 192.0.2.9"))
		require.Equal(t, ResultReply, res.Outcome)
		assert.Equal(t, "Config Succeeded\r\n", payload(t, sent))
		assert.Equal(t, []string{"server 192.0.2.9\n"}, h.conf.applied)
	})

	t.Run("errors", func(t *testing.T) {
		h := newHarness(t)
		h.conf.errors, h.conf.msg = 1, "line 1 column 1 syntax error"
		_, sent := h.do(signed(OpConfigure, 0, "bogus"))
		assert.Equal(t, "line 1 column 1 syntax error\r\n", payload(t, sent))
	})

	t.Run("nomodify", func(t *testing.T) {
		h := newHarness(t)
		_, sent := h.doRestricted(signed(OpConfigure, 0, "server 192.0.2.9"), core.ResNoModify)
		assert.Equal(t, "runtime configuration prohibited by restrict ... nomodify\r\n", payload(t, sent))
		assert.Empty(t, h.conf.applied)
		assert.Equal(t, uint64(1), h.sys.Snapshot().Restricted)
	})

	t.Run("unprintable", func(t *testing.T) {
		h := newHarness(t)
		_, sent := h.do(signed(OpConfigure, 0, "server\x01192.0.2.9"))
		assert.Equal(t, "runtime configuration failed: request contains an unprintable character\r\n", payload(t, sent))
		assert.Empty(t, h.conf.applied)
	})

	t.Run("too long", func(t *testing.T) {
		h := newHarness(t)
		_, sent := h.do(signed(OpConfigure, 0, strings.Repeat("a", 1100)))
		assert.Equal(t, "runtime configuration failed: request too long\r\n", payload(t, sent))
	})

	t.Run("association", func(t *testing.T) {
		h := newHarness(t)
		_, sent := h.do(signed(OpConfigure, 1, "server 192.0.2.9"))
		assert.Equal(t, uint8(ErrBadValue), errorCode(t, sent))
	})

	t.Run("unsupported", func(t *testing.T) {
		h := newHarness(t)
		h.eng.conf = nil
		_, sent := h.do(signed(OpConfigure, 0, "server 192.0.2.9"))
		assert.Equal(t, "runtime configuration failed: not supported\r\n", payload(t, sent))
	})

	t.Run("unauthenticated", func(t *testing.T) {
		h := newHarness(t)
		_, sent := h.do(buildRequest(OpConfigure, 0, 1, "server 192.0.2.9"))
		assert.Equal(t, uint8(ErrPermission), errorCode(t, sent))
	})
}

func TestSaveConfig(t *testing.T) {
	t.Run("saved", func(t *testing.T) {
		h := newHarness(t)
		_, sent := h.do(signed(OpSaveConfig, 0, "ntp.conf"))
		assert.Equal(t, "Configuration saved to ntp.conf\r\n", payload(t, sent))

		b, err := afero.ReadFile(h.fs, "/var/lib/ntp/ntp.conf")
		require.NoError(t, err)
		assert.Equal(t, h.conf.dump, string(b))
		v, ok := h.eng.SysVar("savedconfig")
		require.True(t, ok)
		assert.Equal(t, "ntp.conf", v)
	})

	t.Run("strftime name", func(t *testing.T) {
		h := newHarness(t)
		h.clock.advance(400 * 24 * time.Hour)
		_, sent := h.do(signed(OpSaveConfig, 0, "ntp-%Y%m%d.conf"))
		assert.Equal(t, "Configuration saved to ntp-20250405.conf\r\n", payload(t, sent))

		_, err := h.fs.Stat("/var/lib/ntp/ntp-20250405.conf")
		assert.NoError(t, err)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		h := newHarness(t)
		res, sent := h.do(buildRequest(OpSaveConfig, 0, 1, "ntp.conf"))
		assert.Equal(t, ResultError, res.Outcome)
		assert.Equal(t, uint8(ErrPermission), errorCode(t, sent))

		infos, err := afero.ReadDir(h.fs, "/var/lib/ntp")
		require.NoError(t, err)
		assert.Empty(t, infos)
		_, ok := h.eng.SysVar("savedconfig")
		assert.False(t, ok)
	})

	t.Run("directory in name", func(t *testing.T) {
		h := newHarness(t)
		_, sent := h.do(signed(OpSaveConfig, 0, "../etc/ntp.conf"))
		assert.Equal(t, "saveconfig does not allow directory in filename\r\n", payload(t, sent))
	})

	t.Run("no directory configured", func(t *testing.T) {
		h := newHarness(t, func(c *EngineConfig) { c.SaveConfigDir = "" })
		_, sent := h.do(signed(OpSaveConfig, 0, "ntp.conf"))
		assert.Equal(t, "saveconfig prohibited, no saveconfigdir configured\r\n", payload(t, sent))
	})

	t.Run("nomodify", func(t *testing.T) {
		h := newHarness(t)
		_, sent := h.doRestricted(signed(OpSaveConfig, 0, "ntp.conf"), core.ResNoModify)
		assert.Equal(t, "saveconfig prohibited by restrict ... nomodify\r\n", payload(t, sent))
	})

	t.Run("dump fails", func(t *testing.T) {
		h := newHarness(t)
		h.conf.dumpErr = errors.New("boom")
		_, sent := h.do(signed(OpSaveConfig, 0, "ntp.conf"))
		assert.Equal(t, "Unable to save configuration to file ntp.conf\r\n", payload(t, sent))
		_, ok := h.eng.SysVar("savedconfig")
		assert.False(t, ok)
	})

	t.Run("empty name", func(t *testing.T) {
		h := newHarness(t)
		res, sent := h.do(signed(OpSaveConfig, 0, ""))
		assert.Equal(t, ResultNone, res.Outcome)
		assert.Empty(t, sent)
	})
}

func TestReadClockStatus(t *testing.T) {
	h := newHarness(t)
	_, sent := h.do(buildRequest(OpReadClock, 0, 1, ""))
	assert.Equal(t, uint8(ErrBadAssoc), errorCode(t, sent))

	nid, err := h.peers.Add(testPeer("192.0.2.50"))
	require.NoError(t, err)
	id, err := h.peers.Add(refclockPeer(t))
	require.NoError(t, err)

	_, sent = h.do(buildRequest(OpReadClock, 0, 1, ""))
	order, vals := tokens(payload(t, sent))
	assert.Equal(t, "device", order[0])
	assert.Equal(t, "Undisciplined local clock", vals["device"])
	assert.Equal(t, "free", vals["sim_mode"])
	assert.Equal(t, "0", vals["poll"])
	assert.NotContains(t, vals, "type")

	_, sent = h.do(buildRequest(OpReadClock, id, 1, "sim_mode, poll, type"))
	assert.Equal(t, "type=1, poll=0, sim_mode=free\r\n", payload(t, sent))

	_, sent = h.do(buildRequest(OpReadClock, id, 1, "clock_var_list"))
	_, vals = tokens(payload(t, sent))
	assert.Contains(t, strings.Split(vals["clock_var_list"], ","), "sim_mode")

	_, sent = h.do(buildRequest(OpReadClock, id, 1, "nosuch"))
	assert.Equal(t, uint8(ErrUnknownVar), errorCode(t, sent))

	_, sent = h.do(buildRequest(OpReadClock, nid, 1, ""))
	assert.Equal(t, uint8(ErrBadAssoc), errorCode(t, sent))

	_, sent = h.do(buildRequest(OpWriteClock, id, 1, "poll=1"))
	assert.Equal(t, uint8(ErrPermission), errorCode(t, sent))
}

func TestSetAndUnsetTrap(t *testing.T) {
	h := newHarness(t)

	_, sent := h.do(buildRequest(OpUnsetTrap, 0, 1, ""))
	assert.Equal(t, uint8(ErrBadAssoc), errorCode(t, sent))

	res, sent := h.do(buildRequest(OpSetTrap, 0, 1, ""))
	require.Equal(t, ResultReply, res.Outcome)
	assert.Empty(t, payload(t, sent))

	traps := h.eng.Traps()
	require.Len(t, traps, 1)
	assert.Equal(t, clientAddr, traps[0].Addr)
	assert.Equal(t, serverAddr, traps[0].Local)
	assert.Equal(t, uint16(1), traps[0].Sequence)
	assert.False(t, traps[0].NonPrio)

	res, _ = h.do(buildRequest(OpUnsetTrap, 0, 1, ""))
	require.Equal(t, ResultReply, res.Outcome)
	assert.Empty(t, h.eng.Traps())

	_, sent = h.doRestricted(buildRequest(OpSetTrap, 0, 1, ""), core.ResNoTrap)
	assert.Equal(t, uint8(ErrPermission), errorCode(t, sent))
	assert.Empty(t, h.eng.Traps())

	res, _ = h.doRestricted(buildRequest(OpSetTrap, 0, 1, ""), core.ResLPTrap)
	require.Equal(t, ResultReply, res.Outcome)
	traps = h.eng.Traps()
	require.Len(t, traps, 1)
	assert.True(t, traps[0].NonPrio)
}

func TestUnsetConfiguredTrap(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.eng.SetTrap(clientAddr, serverAddr, TrapTypeConfig, Version))

	_, sent := h.do(buildRequest(OpUnsetTrap, 0, 1, ""))
	assert.Equal(t, uint8(ErrBadAssoc), errorCode(t, sent))
	assert.Len(t, h.eng.Traps(), 1)

	assert.True(t, h.eng.ClearTrap(clientAddr, serverAddr, TrapTypeConfig))
	assert.Empty(t, h.eng.Traps())
}

func TestReadOrdlistIfStats(t *testing.T) {
	h := newHarness(t)

	_, sent := h.do(buildRequest(OpReadOrdlistA, 0, 1, ""))
	assert.Equal(t, uint8(ErrPermission), errorCode(t, sent))

	for _, data := range []string{"", "ifstats"} {
		res, sent := h.do(signed(OpReadOrdlistA, 0, data))
		require.Equal(t, ResultReply, res.Outcome)
		order, vals := tokens(payload(t, sent))
		assert.Len(t, order, 2*13)

		assert.Equal(t, core.AddrPortString(h.endpoints[0].Addr), vals["addr.0"])
		assert.Equal(t, "lo", vals["name.0"])
		assert.Equal(t, "1", vals["en.0"])
		assert.Equal(t, "0x1", vals["flags.0"])
		assert.Equal(t, core.AddrPortString(h.endpoints[1].Broadcast), vals["bcast.1"])
		assert.Equal(t, "12", vals["rx.1"])
		assert.Equal(t, "9", vals["tx.1"])
		assert.Equal(t, "0", vals["up.1"])
	}
}

func TestReadOrdlistRestrictions(t *testing.T) {
	h := newHarness(t)
	h.restricts.Add(netip.MustParseAddr("192.0.2.0"), netip.MustParseAddr("255.255.255.0"),
		core.ResNoQuery|core.ResNoModify, 0)

	res, sent := h.do(signed(OpReadOrdlistA, 0, "addr_restrictions"))
	require.Equal(t, ResultReply, res.Outcome)
	order, vals := tokens(payload(t, sent))
	assert.Len(t, order, 3*5)

	idx := ""
	for tag, v := range vals {
		if strings.HasPrefix(tag, "addr.") && v == "192.0.2.0" {
			idx = strings.TrimPrefix(tag, "addr.")
		}
	}
	require.NotEmpty(t, idx)
	assert.Equal(t, "255.255.255.0", vals["mask."+idx])
	assert.Equal(t, "0", vals["hits."+idx])
	assert.Equal(t, "noquery nomodify", vals["flags."+idx])
	assert.Equal(t, "::", vals["addr.2"])

	_, sent = h.do(signed(OpReadOrdlistA, 0, "bogus"))
	assert.Equal(t, uint8(ErrUnknownVar), errorCode(t, sent))
}
