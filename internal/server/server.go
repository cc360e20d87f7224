// Package server owns the UDP sockets of the daemon. Every datagram is
// counted, checked against the restriction list and recorded in the MRU list;
// mode-6 datagrams are then handed to the control engine.
package server

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/tevino/abool"
	"go.uber.org/atomic"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"firestige.xyz/ntpctl/internal/control"
	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/log"
	"firestige.xyz/ntpctl/internal/metrics"
	"firestige.xyz/ntpctl/internal/system"
)

const maxDatagram = 2048

// Handler processes one mode-6 datagram.
type Handler interface {
	ProcessControl(pkt control.Packet) control.Result
}

// Matcher returns the access flags for a source address.
type Matcher interface {
	Match(src netip.AddrPort) uint16
}

// Recorder notes a packet in the MRU list.
type Recorder interface {
	Record(src, local netip.AddrPort, mode, version uint8, restrict uint16, now core.Timestamp)
}

// socket is one bound UDP listener.
type socket struct {
	index   int
	name    string
	addr    netip.AddrPort
	bcast   netip.AddrPort
	conn    net.PacketConn
	p4      *ipv4.PacketConn
	p6      *ipv6.PacketConn
	started uint32

	received   atomic.Uint64
	sent       atomic.Uint64
	sendFailed atomic.Uint64
}

func (s *socket) wildcard() bool {
	return s.addr.Addr().IsUnspecified()
}

func (s *socket) is6() bool {
	return s.p6 != nil
}

// Server reads datagrams from every listen address.
type Server struct {
	sys      *system.Tracker
	restrict Matcher
	mru      Recorder

	mu      sync.RWMutex
	socks   []*socket
	handler Handler

	wg      conc.WaitGroup
	running *abool.AtomicBool
	logger  log.Logger
}

// New returns a server that is not yet listening.
func New(sys *system.Tracker, restrict Matcher, mru Recorder) *Server {
	return &Server{
		sys:      sys,
		restrict: restrict,
		mru:      mru,
		running:  abool.New(),
		logger:   log.GetLogger().WithField("module", "server"),
	}
}

// Listen binds every address. On failure the sockets opened so far are closed.
func (s *Server) Listen(addrs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range addrs {
		ap, err := netip.ParseAddrPort(a)
		if err != nil {
			s.closeLocked()
			return fmt.Errorf("invalid listen address %q: %w", a, err)
		}
		sock, err := s.open(ap, len(s.socks))
		if err != nil {
			s.closeLocked()
			return err
		}
		s.socks = append(s.socks, sock)
		s.logger.WithField("addr", sock.addr.String()).Info("listening")
	}
	return nil
}

func (s *Server) open(ap netip.AddrPort, index int) (*socket, error) {
	network := "udp4"
	if ap.Addr().Is6() && !ap.Addr().Is4In6() {
		network = "udp6"
	}
	conn, err := net.ListenPacket(network, ap.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", ap, err)
	}
	bound := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	sock := &socket{
		index:   index,
		addr:    netip.AddrPortFrom(bound.Addr().Unmap(), bound.Port()),
		conn:    conn,
		started: s.sys.Uptime(),
	}

	if network == "udp4" {
		sock.p4 = ipv4.NewPacketConn(conn)
		if err := sock.p4.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
			s.logger.WithError(err).Debug("destination address control messages unavailable")
		}
	} else {
		sock.p6 = ipv6.NewPacketConn(conn)
		if err := sock.p6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true); err != nil {
			s.logger.WithError(err).Debug("destination address control messages unavailable")
		}
	}
	sock.name, sock.bcast = describe(sock.addr)
	return sock, nil
}

// describe finds the interface that owns addr and its IPv4 broadcast address.
func describe(ap netip.AddrPort) (string, netip.AddrPort) {
	if ap.Addr().IsUnspecified() {
		if ap.Addr().Is4() {
			return "v4wildcard", netip.AddrPort{}
		}
		return "v6wildcard", netip.AddrPort{}
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", netip.AddrPort{}
	}
	for _, ifi := range ifaces {
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipn.IP)
			if !ok || ip.Unmap() != ap.Addr() {
				continue
			}
			if ifi.Flags&net.FlagBroadcast == 0 || !ap.Addr().Is4() {
				return ifi.Name, netip.AddrPort{}
			}
			b := ap.Addr().As4()
			m := ipn.Mask
			if len(m) == net.IPv6len {
				m = m[12:]
			}
			for i := range b {
				b[i] |= ^m[i]
			}
			return ifi.Name, netip.AddrPortFrom(netip.AddrFrom4(b), ap.Port())
		}
	}
	return "", netip.AddrPort{}
}

// Serve starts one receive goroutine per socket and returns immediately.
func (s *Server) Serve(h Handler) {
	s.mu.Lock()
	s.handler = h
	socks := append([]*socket(nil), s.socks...)
	s.mu.Unlock()

	s.running.Set()
	for _, sock := range socks {
		sock := sock
		s.wg.Go(func() { s.readLoop(sock) })
	}
}

// Stop closes every socket and waits for the receive goroutines.
func (s *Server) Stop() {
	wasRunning := s.running.SetToIf(true, false)
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
	if wasRunning {
		s.wg.Wait()
		s.logger.Info("server stopped")
	}
}

func (s *Server) closeLocked() {
	for _, sock := range s.socks {
		sock.conn.Close()
	}
}

func (s *Server) readLoop(sock *socket) {
	buf := make([]byte, maxDatagram)
	for {
		n, src, dst, err := s.read(sock, buf)
		if err != nil {
			if !s.running.IsSet() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.WithError(err).Warn("read failed")
			continue
		}
		if !src.IsValid() {
			continue
		}
		if !dst.Addr().IsValid() {
			dst = sock.addr
		}
		sock.received.Inc()
		s.dispatch(buf[:n], src, dst)
	}
}

func (s *Server) read(sock *socket, buf []byte) (int, netip.AddrPort, netip.AddrPort, error) {
	var (
		n    int
		from net.Addr
		dst  net.IP
		err  error
	)
	if sock.p4 != nil {
		var cm *ipv4.ControlMessage
		n, cm, from, err = sock.p4.ReadFrom(buf)
		if cm != nil {
			dst = cm.Dst
		}
	} else {
		var cm *ipv6.ControlMessage
		n, cm, from, err = sock.p6.ReadFrom(buf)
		if cm != nil {
			dst = cm.Dst
		}
	}
	if err != nil {
		return 0, netip.AddrPort{}, netip.AddrPort{}, err
	}
	var src netip.AddrPort
	if ua, ok := from.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		src = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	var local netip.AddrPort
	if a, ok := netip.AddrFromSlice(dst); ok {
		local = netip.AddrPortFrom(a.Unmap(), sock.addr.Port())
	}
	return n, src, local, nil
}

// dispatch applies the receive path to one datagram.
func (s *Server) dispatch(b []byte, src, local netip.AddrPort) {
	s.sys.Sys.Received.Inc()
	s.sys.IO.Received.Inc()
	if len(b) == 0 {
		s.sys.Sys.BadLength.Inc()
		return
	}
	mode := b[0] & 0x7
	version := (b[0] >> 3) & 0x7
	modeLabel := strconv.Itoa(int(mode))
	switch {
	case version == 4:
		s.sys.Sys.NewVersion.Inc()
	case version >= 1 && version < 4:
		s.sys.Sys.OldVersion.Inc()
	}

	flags := s.restrict.Match(src)
	if flags&core.ResIgnore != 0 {
		s.sys.CountRestricted()
		s.sys.IO.Dropped.Inc()
		metrics.ServerPacketsTotal.WithLabelValues(modeLabel, "ignored").Inc()
		return
	}

	now := s.sys.Now()
	s.mru.Record(src, local, mode, version, flags, now)

	if mode != control.ModeControl {
		s.sys.IO.Ignored.Inc()
		metrics.ServerPacketsTotal.WithLabelValues(modeLabel, "unhandled").Inc()
		return
	}
	if flags&core.ResNoQuery != 0 {
		s.sys.CountRestricted()
		metrics.ServerPacketsTotal.WithLabelValues(modeLabel, "restricted").Inc()
		return
	}

	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		return
	}
	res := h.ProcessControl(control.Packet{
		Data:     b,
		Src:      src,
		Local:    local,
		RecvTime: now,
		Restrict: flags,
	})
	s.sys.Sys.Processed.Inc()
	metrics.ServerPacketsTotal.WithLabelValues(modeLabel, res.Outcome.String()).Inc()
}

// Send writes b to dst from the socket bound to local. A wildcard socket of
// the same family and port serves any local address.
func (s *Server) Send(dst, local netip.AddrPort, b []byte) error {
	sock := s.pick(dst, local)
	if sock == nil {
		s.sys.IO.SendFailed.Inc()
		return fmt.Errorf("no socket for %s: %w", local, core.ErrServerError)
	}

	ua := net.UDPAddrFromAddrPort(dst)
	var err error
	switch {
	case sock.p4 != nil && sock.wildcard() && local.Addr().Is4():
		_, err = sock.p4.WriteTo(b, &ipv4.ControlMessage{Src: local.Addr().AsSlice()}, ua)
	case sock.p6 != nil && sock.wildcard() && local.Addr().Is6():
		_, err = sock.p6.WriteTo(b, &ipv6.ControlMessage{Src: local.Addr().AsSlice()}, ua)
	default:
		_, err = sock.conn.WriteTo(b, ua)
	}
	if err != nil {
		sock.sendFailed.Inc()
		s.sys.IO.SendFailed.Inc()
		return fmt.Errorf("send to %s: %w", dst, err)
	}
	sock.sent.Inc()
	s.sys.IO.Sent.Inc()
	return nil
}

func (s *Server) pick(dst, local netip.AddrPort) *socket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want6 := dst.Addr().Is6() && !dst.Addr().Is4In6()
	var fallback *socket
	for _, sock := range s.socks {
		if sock.is6() != want6 {
			continue
		}
		if sock.addr == local {
			return sock
		}
		if sock.wildcard() && (!local.IsValid() || sock.addr.Port() == local.Port()) {
			fallback = sock
		} else if fallback == nil {
			fallback = sock
		}
	}
	return fallback
}

// Endpoints reports the sockets for the ifstats list.
func (s *Server) Endpoints() []core.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.Endpoint, 0, len(s.socks))
	for _, sock := range s.socks {
		ep := core.Endpoint{
			Index:      sock.index,
			Name:       sock.name,
			Addr:       sock.addr,
			Broadcast:  sock.bcast,
			Flags:      core.EndpointUp,
			Received:   sock.received.Load(),
			Sent:       sock.sent.Load(),
			SendFailed: sock.sendFailed.Load(),
			Started:    sock.started,
		}
		if sock.wildcard() {
			ep.Flags |= core.EndpointWildcard
		}
		if sock.bcast.IsValid() {
			ep.Flags |= core.EndpointBroadcast
		}
		if sock.is6() {
			ep.Flags |= core.EndpointIPv6
			ep.TTL, _ = sock.p6.HopLimit()
		} else {
			ep.TTL, _ = sock.p4.TTL()
		}
		out = append(out, ep)
	}
	return out
}
