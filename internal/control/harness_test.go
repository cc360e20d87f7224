package control

import (
	"crypto/md5"
	"encoding/binary"
	"io"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/keys"
	"firestige.xyz/ntpctl/internal/monitor"
	"firestige.xyz/ntpctl/internal/peer"
	"firestige.xyz/ntpctl/internal/restrict"
	"firestige.xyz/ntpctl/internal/system"
)

const (
	testKeyID  = 7
	testSecret = "s3cret"
)

var (
	clientAddr = netip.MustParseAddrPort("192.0.2.10:40000")
	serverAddr = netip.MustParseAddrPort("192.0.2.1:123")
)

type sentPacket struct {
	dst   netip.AddrPort
	local netip.AddrPort
	b     []byte
}

type captureSender struct {
	mu   sync.Mutex
	pkts []sentPacket
}

func (c *captureSender) Send(dst, local netip.AddrPort, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pkts = append(c.pkts, sentPacket{dst: dst, local: local, b: append([]byte(nil), b...)})
	return nil
}

func (c *captureSender) take() []sentPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pkts
	c.pkts = nil
	return p
}

// lcgRand is a deterministic noise source.
type lcgRand struct{ v uint32 }

func (r *lcgRand) Uint32() uint32 {
	r.v = r.v*1664525 + 1013904223
	return r.v
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeConf struct {
	errors  int
	msg     string
	applied []string
	dump    string
	dumpErr error
}

func (f *fakeConf) ApplyRemote(_ netip.AddrPort, text string) (int, string) {
	f.applied = append(f.applied, text)
	return f.errors, f.msg
}

func (f *fakeConf) Dump(w io.Writer, _ string) error {
	if f.dumpErr != nil {
		return f.dumpErr
	}
	_, err := io.WriteString(w, f.dump)
	return err
}

type fakeEndpoints []core.Endpoint

func (f fakeEndpoints) Endpoints() []core.Endpoint { return append([]core.Endpoint(nil), f...) }

type fakeRecorder struct{ lines []string }

func (f *fakeRecorder) RecordProtoStats(line string) { f.lines = append(f.lines, line) }

type harness struct {
	t         *testing.T
	eng       *Engine
	sender    *captureSender
	peers     *peer.Table
	sys       *system.Tracker
	mru       *monitor.List
	keys      *keys.Store
	conf      *fakeConf
	restricts *restrict.List
	endpoints fakeEndpoints
	recorder  *fakeRecorder
	fs        afero.Fs
	clock     *testClock
}

func newHarness(t *testing.T, opts ...func(*EngineConfig)) *harness {
	t.Helper()
	clk := &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		t:         t,
		sender:    &captureSender{},
		peers:     peer.NewTable(),
		sys:       system.NewTracker(clk.now),
		mru:       monitor.New(config.MonitorConfig{Enabled: true, MaxDepth: 1000, MinDepth: 100, MaxAge: 3600}),
		keys:      keys.NewStore(),
		conf:      &fakeConf{dump: "server 192.0.2.5\n"},
		restricts: restrict.New(),
		recorder:  &fakeRecorder{},
		fs:        afero.NewMemMapFs(),
		clock:     clk,
		endpoints: fakeEndpoints{
			{Index: 0, Name: "lo", Addr: netip.MustParseAddrPort("127.0.0.1:123"), Flags: core.EndpointUp, TTL: 0},
			{Index: 1, Name: "eth0", Addr: serverAddr, Broadcast: netip.MustParseAddrPort("192.0.2.255:123"),
				Flags: core.EndpointUp | core.EndpointBroadcast, Received: 12, Sent: 9},
		},
	}
	require.NoError(t, h.keys.Add(testKeyID, keys.TypeMD5, testSecret, true))
	require.NoError(t, h.fs.MkdirAll("/var/lib/ntp", 0o755))

	cfg := EngineConfig{
		Authenticate:  true,
		ControlKey:    testKeyID,
		SaveConfigDir: "/var/lib/ntp",
		Fs:            h.fs,
		TTL:           []int{0, 32, 64},
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.eng = NewEngine(cfg, Deps{
		Sender:        h.sender,
		KeyStore:      h.keys,
		PeerTable:     h.peers,
		SystemSource:  h.sys,
		MRUList:       h.mru,
		Restrictions:  h.restricts,
		Endpoints:     h.endpoints,
		Configurator:  h.conf,
		StatsRecorder: h.recorder,
		Rand:          &lcgRand{v: 42},
		Clock:         h.sys,
	})
	return h
}

// buildRequest returns an unauthenticated version 4 request.
func buildRequest(op uint8, assoc, seq uint16, data string) []byte {
	hdr := Header{
		LIVNMode: PackLIVNMode(0, Version, ModeControl),
		REMOp:    op,
		Sequence: seq,
		AssocID:  assoc,
		Count:    uint16(len(data)),
	}
	n := (HeaderLen + len(data) + 3) &^ 3
	b := make([]byte, n)
	hdr.MarshalTo(b)
	copy(b[HeaderLen:], data)
	return b
}

// signRequest pads a request to eight octets and appends an MD5 MAC.
func signRequest(b []byte, keyID uint32, secret string) []byte {
	n := (len(b) + 7) &^ 7
	out := make([]byte, n, n+20)
	copy(out, b)
	sum := md5.Sum(append([]byte(secret), out...))
	out = binary.BigEndian.AppendUint32(out, keyID)
	return append(out, sum[:]...)
}

func (h *harness) packet(b []byte, restrictFlags uint16) Packet {
	return Packet{
		Data:     b,
		Src:      clientAddr,
		Local:    serverAddr,
		RecvTime: h.sys.Now(),
		Restrict: restrictFlags,
	}
}

// do runs one request and returns the outcome and the packets sent for it.
func (h *harness) do(b []byte) (Result, []sentPacket) {
	return h.doRestricted(b, 0)
}

func (h *harness) doRestricted(b []byte, flags uint16) (Result, []sentPacket) {
	h.sender.take()
	res := h.eng.ProcessControl(h.packet(b, flags))
	return res, h.sender.take()
}

type fragment struct {
	hdr  Header
	data []byte
	raw  []byte
}

func decodeFragments(t *testing.T, pkts []sentPacket) []fragment {
	t.Helper()
	out := make([]fragment, 0, len(pkts))
	for _, p := range pkts {
		hdr, err := UnmarshalHeader(p.b)
		require.NoError(t, err)
		require.LessOrEqual(t, HeaderLen+int(hdr.Count), len(p.b))
		out = append(out, fragment{hdr: hdr, data: p.b[HeaderLen : HeaderLen+int(hdr.Count)], raw: p.b})
	}
	return out
}

// payload reassembles the data of a reply in offset order.
func payload(t *testing.T, pkts []sentPacket) string {
	t.Helper()
	frags := decodeFragments(t, pkts)
	sort.Slice(frags, func(i, j int) bool { return frags[i].hdr.Offset < frags[j].hdr.Offset })
	var sb strings.Builder
	for _, f := range frags {
		require.Equal(t, sb.Len(), int(f.hdr.Offset), "fragments must be contiguous")
		sb.Write(f.data)
	}
	return sb.String()
}

// tokens splits a text reply into tag=value pairs in order. Commas inside
// quotes do not split.
func tokens(s string) ([]string, map[string]string) {
	var (
		order []string
		vals  = map[string]string{}
		cur   strings.Builder
		quote bool
	)
	emit := func() {
		tok := strings.TrimSpace(cur.String())
		cur.Reset()
		if tok == "" {
			return
		}
		tag, val, _ := strings.Cut(tok, "=")
		order = append(order, tag)
		vals[tag] = strings.Trim(val, `"`)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			quote = !quote
			cur.WriteByte(c)
		case c == ',' && !quote:
			emit()
		default:
			cur.WriteByte(c)
		}
	}
	emit()
	return order, vals
}

func errorCode(t *testing.T, pkts []sentPacket) uint8 {
	t.Helper()
	require.Len(t, pkts, 1)
	f := decodeFragments(t, pkts)[0]
	require.True(t, f.hdr.IsError(), "expected an error reply")
	return f.hdr.ErrorCode()
}
