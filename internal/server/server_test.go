package server

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/control"
	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/monitor"
	"firestige.xyz/ntpctl/internal/restrict"
	"firestige.xyz/ntpctl/internal/system"
)

type echoHandler struct {
	srv *Server

	mu   sync.Mutex
	pkts []control.Packet
	got  chan struct{}
}

func (h *echoHandler) ProcessControl(pkt control.Packet) control.Result {
	h.mu.Lock()
	h.pkts = append(h.pkts, control.Packet{
		Data:     append([]byte(nil), pkt.Data...),
		Src:      pkt.Src,
		Local:    pkt.Local,
		Restrict: pkt.Restrict,
	})
	h.mu.Unlock()
	if h.srv != nil {
		_ = h.srv.Send(pkt.Src, pkt.Local, []byte("pong"))
	}
	if h.got != nil {
		h.got <- struct{}{}
	}
	return control.Result{Outcome: control.ResultReply, Fragments: 1}
}

func (h *echoHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pkts)
}

func newTestServer(t *testing.T) (*Server, *system.Tracker, *restrict.List, *monitor.List) {
	t.Helper()
	sys := system.NewTracker(nil)
	rl := restrict.New()
	mru := monitor.New(config.MonitorConfig{Enabled: true, MaxDepth: 16})
	return New(sys, rl, mru), sys, rl, mru
}

func controlDatagram() []byte {
	b := make([]byte, control.HeaderLen)
	b[0] = control.PackLIVNMode(0, 4, control.ModeControl)
	b[1] = control.OpReadStat
	return b
}

func TestServeRoundTrip(t *testing.T) {
	srv, sys, _, mru := newTestServer(t)
	require.NoError(t, srv.Listen([]string{"127.0.0.1:0"}))
	h := &echoHandler{srv: srv, got: make(chan struct{}, 1)}
	srv.Serve(h)
	defer srv.Stop()

	eps := srv.Endpoints()
	require.Len(t, eps, 1)
	server := eps[0].Addr
	require.NotZero(t, server.Port())

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.WriteToUDPAddrPort(controlDatagram(), server)
	require.NoError(t, err)

	select {
	case <-h.got:
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not dispatched")
	}

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, from, err := client.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
	assert.Equal(t, server.Port(), from.Port())

	clientAddr := client.LocalAddr().(*net.UDPAddr).AddrPort()
	h.mu.Lock()
	pkt := h.pkts[0]
	h.mu.Unlock()
	assert.Equal(t, netip.AddrPortFrom(clientAddr.Addr().Unmap(), clientAddr.Port()), pkt.Src)
	assert.Equal(t, server, pkt.Local)

	e, ok := mru.Lookup(pkt.Src)
	require.True(t, ok)
	assert.Equal(t, uint32(1), e.Count)
	assert.Equal(t, uint8(control.ModeControl), e.Mode)

	assert.Equal(t, uint64(1), sys.Sys.Processed.Load())
	assert.Equal(t, uint64(1), sys.IO.Sent.Load())

	eps = srv.Endpoints()
	assert.Equal(t, uint64(1), eps[0].Received)
	assert.Equal(t, uint64(1), eps[0].Sent)
	assert.NotZero(t, eps[0].Flags&core.EndpointUp)
	assert.Zero(t, eps[0].Flags&core.EndpointWildcard)
}

func TestDispatchRestrictions(t *testing.T) {
	src := netip.MustParseAddrPort("192.0.2.7:5000")
	local := netip.MustParseAddrPort("192.0.2.1:123")

	t.Run("ignore drops before the MRU", func(t *testing.T) {
		srv, sys, rl, mru := newTestServer(t)
		rl.Add(netip.MustParseAddr("192.0.2.7"), netip.MustParseAddr("255.255.255.255"), core.ResIgnore, 0)
		h := &echoHandler{}
		srv.handler = h

		srv.dispatch(controlDatagram(), src, local)
		assert.Zero(t, h.count())
		assert.Zero(t, mru.Len())
		assert.Equal(t, uint64(1), sys.Sys.Restricted.Load())
	})

	t.Run("noquery is recorded but not answered", func(t *testing.T) {
		srv, sys, rl, mru := newTestServer(t)
		rl.Add(netip.MustParseAddr("192.0.2.0"), netip.MustParseAddr("255.255.255.0"), core.ResNoQuery, 0)
		h := &echoHandler{}
		srv.handler = h

		srv.dispatch(controlDatagram(), src, local)
		assert.Zero(t, h.count())
		assert.Equal(t, 1, mru.Len())
		assert.Equal(t, uint64(1), sys.Sys.Restricted.Load())
	})

	t.Run("flags reach the engine", func(t *testing.T) {
		srv, _, rl, _ := newTestServer(t)
		rl.Add(netip.MustParseAddr("192.0.2.7"), netip.MustParseAddr("255.255.255.255"), core.ResNoModify|core.ResNoTrap, 0)
		h := &echoHandler{}
		srv.handler = h

		srv.dispatch(controlDatagram(), src, local)
		require.Equal(t, 1, h.count())
		assert.Equal(t, core.ResNoModify|core.ResNoTrap, h.pkts[0].Restrict)
	})
}

func TestDispatchOtherModes(t *testing.T) {
	srv, sys, _, mru := newTestServer(t)
	h := &echoHandler{}
	srv.handler = h

	client := make([]byte, 48)
	client[0] = control.PackLIVNMode(0, 3, 3)
	srv.dispatch(client, netip.MustParseAddrPort("198.51.100.1:123"), netip.MustParseAddrPort("192.0.2.1:123"))
	srv.dispatch(nil, netip.MustParseAddrPort("198.51.100.1:123"), netip.MustParseAddrPort("192.0.2.1:123"))

	assert.Zero(t, h.count())
	assert.Equal(t, 1, mru.Len())
	assert.Equal(t, uint64(2), sys.Sys.Received.Load())
	assert.Equal(t, uint64(1), sys.Sys.OldVersion.Load())
	assert.Equal(t, uint64(1), sys.Sys.BadLength.Load())
	assert.Equal(t, uint64(1), sys.IO.Ignored.Load())
}

func TestSendWithoutSocket(t *testing.T) {
	srv, sys, _, _ := newTestServer(t)
	err := srv.Send(netip.MustParseAddrPort("192.0.2.7:5000"), netip.MustParseAddrPort("192.0.2.1:123"), []byte("x"))
	assert.ErrorIs(t, err, core.ErrServerError)
	assert.Equal(t, uint64(1), sys.IO.SendFailed.Load())
}

func TestListenRejectsBadAddress(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	assert.Error(t, srv.Listen([]string{"127.0.0.1:0", "not-an-address"}))
	srv.Stop()
}
