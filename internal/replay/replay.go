// Package replay feeds mode-6 requests from a packet capture through a
// control engine, for regression checks and offline analysis of captured
// ntpq traffic.
package replay

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/ntpctl/internal/control"
	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/log"
)

// pcapng section header block type
const ngMagic = 0x0A0D0D0A

// Handler processes one mode-6 datagram. *control.Engine implements it.
type Handler interface {
	ProcessControl(pkt control.Packet) control.Result
}

// Matcher looks up the restriction flags of a source address.
type Matcher interface {
	Match(src netip.AddrPort) uint16
}

// Recorder notes traffic in an MRU list.
type Recorder interface {
	Record(src, local netip.AddrPort, mode, version uint8, restrict uint16, now core.Timestamp)
}

// Options tune a replay.
type Options struct {
	Port     uint16   // server port; 123 when zero
	Restrict Matcher  // nil applies no restrictions
	MRU      Recorder // optional; sees every request that is not ignored
	Limit    int      // stop after this many control requests; 0 = all
}

// Stats summarize a replay.
type Stats struct {
	Packets     int            `json:"packets"`
	Undecodable int            `json:"undecodable"`
	Skipped     int            `json:"skipped"` // not a mode-6 request to the server port
	Restricted  int            `json:"restricted"`
	Requests    int            `json:"requests"`
	Replies     int            `json:"replies"`
	Errors      int            `json:"errors"`
	Dropped     int            `json:"dropped"`
	ByOp        map[string]int `json:"by_op"`
	ByError     map[string]int `json:"by_error"`
	ByDrop      map[string]int `json:"by_drop"`
}

func newStats() Stats {
	return Stats{
		ByOp:    make(map[string]int),
		ByError: make(map[string]int),
		ByDrop:  make(map[string]int),
	}
}

// packetReader is implemented by pcapgo.Reader and pcapgo.NgReader.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Replayer decodes captured frames and hands control requests to a Handler.
// It is not safe for concurrent use.
type Replayer struct {
	h      Handler
	opts   Options
	logger log.Logger

	eth     layers.Ethernet
	sll     layers.LinuxSLL
	lo      layers.Loopback
	ip4     layers.IPv4
	ip6     layers.IPv6
	udp     layers.UDP
	payload gopacket.Payload
	decoded []gopacket.LayerType
}

// New returns a Replayer delivering to h.
func New(h Handler, opts Options) *Replayer {
	if opts.Port == 0 {
		opts.Port = 123
	}
	return &Replayer{
		h:       h,
		opts:    opts,
		logger:  log.GetLogger().WithField("module", "replay"),
		decoded: make([]gopacket.LayerType, 0, 8),
	}
}

// ReplayFile replays a pcap or pcapng file.
func (r *Replayer) ReplayFile(ctx context.Context, path string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return newStats(), fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	defer f.Close()
	return r.Replay(ctx, f)
}

// Replay reads a pcap or pcapng stream to the end.
func (r *Replayer) Replay(ctx context.Context, src io.Reader) (Stats, error) {
	st := newStats()
	br := bufio.NewReader(src)
	head, err := br.Peek(4)
	if err != nil {
		return st, fmt.Errorf("failed to read capture header: %w", err)
	}

	var pr packetReader
	if binary.LittleEndian.Uint32(head) == ngMagic {
		pr, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		pr, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return st, fmt.Errorf("failed to open capture: %w", err)
	}

	parsers, err := r.parsers(pr.LinkType())
	if err != nil {
		return st, err
	}
	r.logger.WithField("link_type", pr.LinkType().String()).Debug("replaying capture")

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if r.opts.Limit > 0 && st.Requests >= r.opts.Limit {
			return st, nil
		}
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("failed to read packet %d: %w", st.Packets+1, err)
		}
		st.Packets++
		r.handleFrame(&st, parsers, data, ci)
	}
}

// parsers returns the decoders for a link type. Raw IP captures need one
// parser per IP version.
func (r *Replayer) parsers(lt layers.LinkType) ([2]*gopacket.DecodingLayerParser, error) {
	mk := func(first gopacket.LayerType) *gopacket.DecodingLayerParser {
		p := gopacket.NewDecodingLayerParser(first, &r.eth, &r.sll, &r.lo, &r.ip4, &r.ip6, &r.udp, &r.payload)
		p.IgnoreUnsupported = true
		return p
	}
	switch lt {
	case layers.LinkTypeEthernet:
		return [2]*gopacket.DecodingLayerParser{mk(layers.LayerTypeEthernet)}, nil
	case layers.LinkTypeLinuxSLL:
		return [2]*gopacket.DecodingLayerParser{mk(layers.LayerTypeLinuxSLL)}, nil
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		return [2]*gopacket.DecodingLayerParser{mk(layers.LayerTypeLoopback)}, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return [2]*gopacket.DecodingLayerParser{mk(layers.LayerTypeIPv4), mk(layers.LayerTypeIPv6)}, nil
	default:
		return [2]*gopacket.DecodingLayerParser{}, fmt.Errorf("unsupported link type %s", lt)
	}
}

func (r *Replayer) handleFrame(st *Stats, parsers [2]*gopacket.DecodingLayerParser, data []byte, ci gopacket.CaptureInfo) {
	p := parsers[0]
	if parsers[1] != nil && len(data) > 0 && data[0]>>4 == 6 {
		p = parsers[1]
	}
	if err := p.DecodeLayers(data, &r.decoded); err != nil {
		st.Undecodable++
		r.logger.WithError(err).Tracef("packet %d not decodable", st.Packets)
		return
	}

	var (
		src, dst netip.Addr
		haveIP   bool
		haveUDP  bool
	)
	for _, lt := range r.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			if r.ip4.Flags&layers.IPv4MoreFragments != 0 || r.ip4.FragOffset != 0 {
				// fragments are not reassembled
				st.Skipped++
				return
			}
			src, _ = netip.AddrFromSlice(r.ip4.SrcIP.To4())
			dst, _ = netip.AddrFromSlice(r.ip4.DstIP.To4())
			haveIP = true
		case layers.LayerTypeIPv6:
			src, _ = netip.AddrFromSlice(r.ip6.SrcIP)
			dst, _ = netip.AddrFromSlice(r.ip6.DstIP)
			haveIP = true
		case layers.LayerTypeUDP:
			haveUDP = true
		}
	}
	if !haveIP || !haveUDP || uint16(r.udp.DstPort) != r.opts.Port {
		st.Skipped++
		return
	}
	body := r.udp.Payload
	if len(body) < 2 || body[0]&0x7 != control.ModeControl || body[1]&control.FlagResponse != 0 {
		st.Skipped++
		return
	}

	pkt := control.Packet{
		Data:     append([]byte(nil), body...),
		Src:      netip.AddrPortFrom(src.Unmap(), uint16(r.udp.SrcPort)),
		Local:    netip.AddrPortFrom(dst.Unmap(), uint16(r.udp.DstPort)),
		RecvTime: captureTime(ci),
	}
	// same admission as the live server
	if r.opts.Restrict != nil {
		pkt.Restrict = r.opts.Restrict.Match(pkt.Src)
	}
	if pkt.Restrict&core.ResIgnore != 0 {
		st.Restricted++
		return
	}
	if r.opts.MRU != nil {
		r.opts.MRU.Record(pkt.Src, pkt.Local, control.ModeControl, body[0]>>3&0x7, pkt.Restrict, pkt.RecvTime)
	}
	if pkt.Restrict&core.ResNoQuery != 0 {
		st.Restricted++
		return
	}

	st.Requests++
	st.ByOp[control.OpName(body[1]&control.OpMask)]++
	res := r.h.ProcessControl(pkt)
	switch res.Outcome {
	case control.ResultReply:
		st.Replies++
	case control.ResultError:
		st.Errors++
		st.ByError[control.ErrName(res.ErrCode)]++
	case control.ResultDropped:
		st.Dropped++
		st.ByDrop[res.Drop.String()]++
	}
}
