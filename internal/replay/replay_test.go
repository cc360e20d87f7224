package replay

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/control"
)

var (
	client = netip.MustParseAddrPort("198.51.100.7:40000")
	server = netip.MustParseAddrPort("192.0.2.1:123")
)

func request(t *testing.T, version, op uint8, seq uint16, data string) []byte {
	t.Helper()
	b, err := control.EncodeFragment(control.Header{
		LIVNMode: control.PackLIVNMode(0, version, control.ModeControl),
		REMOp:    op,
		Sequence: seq,
	}, []byte(data), false, 0, nil)
	require.NoError(t, err)
	return b
}

func offline(t *testing.T, out *Writer) (*Offline, *Capture) {
	t.Helper()
	capt := NewCapture(out)
	off, err := NewOffline(context.Background(), &config.GlobalConfig{
		Server:  config.ServerConfig{Authenticate: true, ControlKey: 1},
		Monitor: config.MonitorConfig{Enabled: true, MaxDepth: 16, MaxAge: 3600},
		SetVar:  []config.SetVarConfig{{Name: "site", Value: "lab", Default: true}},
	}, capt)
	require.NoError(t, err)
	return off, capt
}

func TestReplayRawCapture(t *testing.T) {
	var in bytes.Buffer
	w, err := NewWriter(&in)
	require.NoError(t, err)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, w.WriteUDP(client, server, request(t, 4, control.OpReadVar, 1, ""), ts))
	require.NoError(t, w.WriteUDP(client, server, request(t, 2, control.OpReadStat, 2, ""), ts))
	// a mode 3 client request is not a control message
	ntp := make([]byte, 48)
	ntp[0] = control.PackLIVNMode(0, 4, 3)
	require.NoError(t, w.WriteUDP(client, server, ntp, ts))
	require.NoError(t, w.WriteUDP(client, netip.MustParseAddrPort("192.0.2.1:53"), []byte("dns"), ts))
	require.NoError(t, w.WriteUDP(client, server, request(t, 0, control.OpReadVar, 3, ""), ts))
	require.NoError(t, w.WriteUDP(client, server, request(t, 4, control.OpConfigure, 4, "setvar a = 1"), ts))

	var out bytes.Buffer
	ow, err := NewWriter(&out)
	require.NoError(t, err)
	off, capt := offline(t, ow)

	st, err := New(off.Engine, Options{}).Replay(context.Background(), &in)
	require.NoError(t, err)
	assert.Equal(t, 6, st.Packets)
	assert.Equal(t, 2, st.Skipped)
	assert.Equal(t, 4, st.Requests)
	assert.Equal(t, 2, st.Replies)
	assert.Equal(t, 1, st.Errors)
	assert.Equal(t, 1, st.Dropped)
	assert.Equal(t, 1, st.ByError["permission"])
	assert.Equal(t, 2, st.ByOp["readvar"])

	replies := capt.Replies()
	require.Len(t, replies, 3)
	for _, r := range replies {
		assert.Equal(t, client, r.Dst)
		assert.Equal(t, server, r.Local)
	}
	assert.Contains(t, string(replies[0].Data[control.HeaderLen:]), `site=lab`)

	// the replies were written as a capture of their own
	rd, err := pcapgo.NewReader(&out)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, rd.LinkType())
	n := 0
	for {
		data, _, err := rd.ReadPacketData()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		require.True(t, ok)
		assert.Equal(t, layers.UDPPort(40000), udp.DstPort)
		n++
	}
	assert.Equal(t, 3, n)
}

func TestReplayEthernetCapture(t *testing.T) {
	var in bytes.Buffer
	pw := pcapgo.NewWriter(&in)
	require.NoError(t, pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet))

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	frame, err := serializeUDP(client, server, request(t, 4, control.OpReadStat, 9, ""), eth)
	require.NoError(t, err)
	require.NoError(t, pw.WritePacket(gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(frame), Length: len(frame)}, frame))

	off, capt := offline(t, nil)
	st, err := New(off.Engine, Options{}).Replay(context.Background(), &in)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Requests)
	assert.Equal(t, 1, st.Replies)
	assert.Len(t, capt.Replies(), 1)
}

func TestReplayPcapngIPv6(t *testing.T) {
	var in bytes.Buffer
	nw, err := pcapgo.NewNgWriter(&in, layers.LinkTypeRaw)
	require.NoError(t, err)
	src := netip.MustParseAddrPort("[2001:db8::7]:40001")
	dst := netip.MustParseAddrPort("[2001:db8::1]:123")
	b, err := serializeUDP(src, dst, request(t, 4, control.OpReadVar, 1, "version"), nil...)
	require.NoError(t, err)
	require.NoError(t, nw.WritePacket(gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(b), Length: len(b), InterfaceIndex: 0}, b))
	require.NoError(t, nw.Flush())

	off, capt := offline(t, nil)
	st, err := New(off.Engine, Options{}).Replay(context.Background(), &in)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Replies)
	replies := capt.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, src, replies[0].Dst)
}

type denyAll struct{}

func (denyAll) Match(netip.AddrPort) uint16 { return 0xffff }

func TestReplayOptions(t *testing.T) {
	var in bytes.Buffer
	w, err := NewWriter(&in)
	require.NoError(t, err)
	alt := netip.MustParseAddrPort("192.0.2.1:1123")
	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteUDP(client, alt, request(t, 4, control.OpReadStat, uint16(i+1), ""), time.Now()))
	}
	raw := in.Bytes()

	off, _ := offline(t, nil)
	st, err := New(off.Engine, Options{}).Replay(context.Background(), bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 0, st.Requests)
	assert.Equal(t, 3, st.Skipped)

	st, err = New(off.Engine, Options{Port: 1123, Limit: 2}).Replay(context.Background(), bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Requests)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New(off.Engine, Options{Port: 1123}).Replay(ctx, bytes.NewReader(raw))
	assert.ErrorIs(t, err, context.Canceled)

	st, err = New(off.Engine, Options{Port: 1123, Restrict: denyAll{}}).Replay(context.Background(), bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Zero(t, st.Requests)
	assert.Equal(t, 3, st.Restricted)

	st, err = New(off.Engine, Options{Port: 1123, Restrict: off.Restrict, MRU: off.MRU}).Replay(context.Background(), bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 3, st.Replies)
	e, ok := off.MRU.Lookup(client)
	require.True(t, ok)
	assert.Equal(t, 3, int(e.Count))
}

func TestReplayBadInput(t *testing.T) {
	off, _ := offline(t, nil)
	_, err := New(off.Engine, Options{}).Replay(context.Background(), bytes.NewReader([]byte("not a capture")))
	assert.Error(t, err)
	_, err = New(off.Engine, Options{}).ReplayFile(context.Background(), "/nonexistent/capture.pcap")
	assert.Error(t, err)
}
