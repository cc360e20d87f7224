package replay

import (
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/ntpctl/internal/core"
)

// snapLen is large enough for any mode-6 datagram.
const snapLen = 65535

// Writer writes UDP datagrams to a raw-IP pcap stream.
type Writer struct {
	mu sync.Mutex
	w  *pcapgo.Writer
}

// NewWriter writes the pcap file header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{w: pw}, nil
}

// WriteUDP appends one datagram from src to dst captured at ts.
func (w *Writer) WriteUDP(src, dst netip.AddrPort, payload []byte, ts time.Time) error {
	b, err := serializeUDP(src, dst, payload)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(b),
		Length:        len(b),
	}, b)
}

// serializeUDP builds an IPv4 or IPv6 packet carrying a UDP datagram.
func serializeUDP(src, dst netip.AddrPort, payload []byte, extra ...gopacket.SerializableLayer) ([]byte, error) {
	if src.Addr().Is4() != dst.Addr().Is4() {
		return nil, fmt.Errorf("address families differ: %s -> %s", src, dst)
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dst.Port())}
	var ip gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	if src.Addr().Is4() {
		ip4 := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src.Addr().AsSlice(),
			DstIP:    dst.Addr().AsSlice(),
		}
		ip, ipLayer = ip4, ip4
	} else {
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      src.Addr().AsSlice(),
			DstIP:      dst.Addr().AsSlice(),
		}
		ip, ipLayer = ip6, ip6
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	ls := make([]gopacket.SerializableLayer, 0, len(extra)+3)
	ls = append(ls, extra...)
	ls = append(ls, ipLayer, udp, gopacket.Payload(payload))
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("failed to serialize %s -> %s: %w", src, dst, err)
	}
	return buf.Bytes(), nil
}

// Reply is one datagram the engine sent during a replay.
type Reply struct {
	Dst   netip.AddrPort
	Local netip.AddrPort
	Data  []byte
}

// Capture is an engine Sender that keeps every reply and optionally writes
// it to a pcap stream.
type Capture struct {
	mu      sync.Mutex
	replies []Reply
	out     *Writer
	now     func() time.Time
}

// NewCapture returns a Capture. out may be nil.
func NewCapture(out *Writer) *Capture {
	return &Capture{out: out, now: time.Now}
}

// Send records b. Replies without a known local address are written from
// the unspecified address of the destination's family.
func (c *Capture) Send(dst, local netip.AddrPort, b []byte) error {
	c.mu.Lock()
	c.replies = append(c.replies, Reply{Dst: dst, Local: local, Data: append([]byte(nil), b...)})
	c.mu.Unlock()
	if c.out == nil {
		return nil
	}
	if !local.IsValid() {
		unspec := netip.IPv4Unspecified()
		if !dst.Addr().Is4() {
			unspec = netip.IPv6Unspecified()
		}
		local = netip.AddrPortFrom(unspec, 123)
	}
	return c.out.WriteUDP(local, dst, b, c.now())
}

// Replies returns the replies sent so far.
func (c *Capture) Replies() []Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Reply(nil), c.replies...)
}

// captureTime converts the capture timestamp, treating a zero time as now.
func captureTime(ci gopacket.CaptureInfo) core.Timestamp {
	if ci.Timestamp.IsZero() {
		return core.TimestampFromTime(time.Now())
	}
	return core.TimestampFromTime(ci.Timestamp)
}
