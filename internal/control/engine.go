package control

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/spf13/afero"

	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/keys"
	"firestige.xyz/ntpctl/internal/log"
	"firestige.xyz/ntpctl/internal/metrics"
	"firestige.xyz/ntpctl/internal/monitor"
	"firestige.xyz/ntpctl/internal/peer"
	"firestige.xyz/ntpctl/internal/restrict"
	"firestige.xyz/ntpctl/internal/system"
)

// Sender writes one datagram from the local address to dst.
type Sender interface {
	Send(dst, local netip.AddrPort, b []byte) error
}

// KeyStore authenticates requests and signs replies.
type KeyStore interface {
	Trusted(id uint32) bool
	Verify(id uint32, msg, digest []byte) bool
	Sign(id uint32, msg []byte) ([]byte, error)
	Stats() keys.Stats
}

// PeerTable is the association table.
type PeerTable interface {
	Lookup(id uint16) (peer.Peer, bool)
	List() []peer.Peer
	SysPeer() (peer.Peer, bool)
	Modify(id uint16, fn func(*peer.Peer)) bool
}

// SystemSource supplies the system variables.
type SystemSource interface {
	State() system.State
	Snapshot() system.Snapshot
	SetLeap(leap uint8)
	CountRestricted()
}

// Clock gives the current NTP time and the daemon uptime in seconds.
type Clock interface {
	Now() core.Timestamp
	Uptime() uint32
}

// MRUList is a read view of the monitor list.
type MRUList interface {
	Lookup(addr netip.AddrPort) (monitor.Entry, bool)
	Oldest() (monitor.Entry, bool)
	Next(cur monitor.Entry) (monitor.Entry, monitor.Step)
	Stats() monitor.Stats
}

// Restrictions lists the access control entries.
type Restrictions interface {
	Entries() (v4, v6 []restrict.Entry)
}

// Endpoints lists the local sockets.
type Endpoints interface {
	Endpoints() []core.Endpoint
}

// Configurator applies runtime configuration and writes the running
// configuration out.
type Configurator interface {
	ApplyRemote(src netip.AddrPort, text string) (errors int, msg string)
	Dump(w io.Writer, name string) error
}

// StatsRecorder receives protostats lines.
type StatsRecorder interface {
	RecordProtoStats(line string)
}

// Rand is the source of field-order noise.
type Rand interface {
	Uint32() uint32
}

// EngineConfig holds the engine settings.
type EngineConfig struct {
	Authenticate  bool
	ControlKey    uint32
	SaveConfigDir string
	Fs            afero.Fs // where saveconfig writes; the OS file system when nil
	TTL           []int
	MaxTraps      int
}

// Deps are the collaborators of the engine. Configurator, StatsRecorder,
// Restrictions and Endpoints may be nil.
type Deps struct {
	Sender        Sender
	KeyStore      KeyStore
	PeerTable     PeerTable
	SystemSource  SystemSource
	MRUList       MRUList
	Restrictions  Restrictions
	Endpoints     Endpoints
	Configurator  Configurator
	StatsRecorder StatsRecorder
	Rand          Rand
	Clock         Clock
}

// Packet is one received mode-6 datagram.
type Packet struct {
	Data     []byte
	Src      netip.AddrPort
	Local    netip.AddrPort
	RecvTime core.Timestamp
	Restrict uint16 // access flags matched for Src
}

// Outcome is the terminal state of a request.
type Outcome int

const (
	ResultNone    Outcome = iota // handled without a reply
	ResultReply                  // one or more data fragments were sent
	ResultError                  // an error reply was sent
	ResultDropped                // ignored without a reply
)

func (o Outcome) String() string {
	switch o {
	case ResultReply:
		return "reply"
	case ResultError:
		return "error"
	case ResultDropped:
		return "dropped"
	default:
		return "none"
	}
}

// DropReason explains a ResultDropped outcome.
type DropReason int

const (
	DropNone DropReason = iota
	DropTooShort
	DropNotRequest
	DropBadOffset
	DropBadVersion
	DropBadNonce
)

func (d DropReason) String() string {
	switch d {
	case DropTooShort:
		return "too_short"
	case DropNotRequest:
		return "not_request"
	case DropBadOffset:
		return "bad_offset"
	case DropBadVersion:
		return "bad_version"
	case DropBadNonce:
		return "bad_nonce"
	default:
		return "none"
	}
}

// Result reports how ProcessControl finished.
type Result struct {
	Outcome   Outcome
	Drop      DropReason
	ErrCode   uint8
	Fragments int
}

type handler struct {
	auth bool
	fn   func(*Engine, *request)
}

// Opcodes are matched against the whole r_m_e_op octet, so a request with
// the reserved bit set is an unknown opcode.
var handlers = map[uint8]handler{
	OpUnspec:       {false, (*Engine).controlUnspec},
	OpReadStat:     {false, (*Engine).readStatus},
	OpReadVar:      {false, (*Engine).readVariables},
	OpWriteVar:     {true, (*Engine).writeVariables},
	OpReadClock:    {false, (*Engine).readClockStatus},
	OpWriteClock:   {false, (*Engine).writeClockStatus},
	OpSetTrap:      {false, (*Engine).setTrap},
	OpConfigure:    {true, (*Engine).configure},
	OpSaveConfig:   {true, (*Engine).saveConfig},
	OpReadMRU:      {false, (*Engine).readMRUList},
	OpReadOrdlistA: {true, (*Engine).readOrdlist},
	OpReqNonce:     {false, (*Engine).reqNonce},
	OpUnsetTrap:    {false, (*Engine).unsetTrap},
}

// request is the parsed view of one inbound datagram.
type request struct {
	eng      *Engine
	h        Header
	data     []byte // count octets of request data
	pos      int
	src      netip.AddrPort
	local    netip.AddrPort
	recv     core.Timestamp
	restrict uint16
	authOK   bool
	resp     *response
	drop     DropReason
}

// Engine is the mode-6 control engine. ProcessControl and ReportEvent are
// serialized by one mutex; traps, extension variables and the nonce salt
// carry their own locks so configuration can call back into the engine.
type Engine struct {
	cfg EngineConfig

	sender    Sender
	keys      KeyStore
	peers     PeerTable
	sys       SystemSource
	clock     Clock
	mru       MRUList
	restricts Restrictions
	endpoints Endpoints
	conf      Configurator
	recorder  StatsRecorder
	rand      Rand

	mu           sync.Mutex
	sysNumEvents uint8
	sysLastEvent uint8

	traps *trapTable
	ext   extVars
	salt  nonceSalt
	stats counters

	throttle *log.Throttle
	logger   log.Logger
}

// NewEngine builds an engine. A nil Rand is replaced by a time-seeded source.
func NewEngine(cfg EngineConfig, deps Deps) *Engine {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.MaxTraps <= 0 {
		cfg.MaxTraps = DefaultMaxTraps
	}
	r := deps.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	e := &Engine{
		cfg:       cfg,
		sender:    deps.Sender,
		keys:      deps.KeyStore,
		peers:     deps.PeerTable,
		sys:       deps.SystemSource,
		clock:     deps.Clock,
		mru:       deps.MRUList,
		restricts: deps.Restrictions,
		endpoints: deps.Endpoints,
		conf:      deps.Configurator,
		recorder:  deps.StatsRecorder,
		rand:      r,
		traps:     newTrapTable(cfg.MaxTraps),
		throttle:  log.NewThrottle(300 * time.Second),
		logger:    log.GetLogger().WithField("module", "control"),
	}
	e.stats.resetAt.Store(e.clock.Uptime())
	return e
}

// SetConfigurator installs the configuration collaborator after construction.
func (e *Engine) SetConfigurator(c Configurator) {
	e.mu.Lock()
	e.conf = c
	e.mu.Unlock()
}

// Configure replaces the authentication settings.
func (e *Engine) Configure(authenticate bool, controlKey uint32) {
	e.mu.Lock()
	e.cfg.Authenticate = authenticate
	e.cfg.ControlKey = controlKey
	e.mu.Unlock()
}

// ProcessControl handles one mode-6 datagram and sends every fragment of the
// reply before returning.
func (e *Engine) ProcessControl(pkt Packet) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Requests.Inc()

	if reason, ok := e.checkFormat(pkt.Data); !ok {
		metrics.ControlDropsTotal.WithLabelValues(reason.String()).Inc()
		return Result{Outcome: ResultDropped, Drop: reason}
	}
	h, _ := UnmarshalHeader(pkt.Data)

	rh := Header{
		LIVNMode: PackLIVNMode(e.sysLeap(), h.Version(), ModeControl),
		REMOp:    h.REMOp,
		Sequence: h.Sequence,
		AssocID:  h.AssocID,
	}
	resp := e.newResponse(rh, pkt.Src, pkt.Local)
	rq := &request{
		eng:      e,
		h:        h,
		src:      pkt.Src,
		local:    pkt.Local,
		recv:     pkt.RecvTime,
		restrict: pkt.Restrict,
		resp:     resp,
	}

	count := int(h.Count)
	if len(pkt.Data)-HeaderLen < count || len(pkt.Data)&0x3 != 0 {
		resp.fail(ErrBadFmt)
		e.stats.DataTooShort.Inc()
		return resp.result(rq)
	}
	rq.data = pkt.Data[HeaderLen : HeaderLen+count]

	properLen := (count + HeaderLen + 7) &^ 7
	macLen := len(pkt.Data) - properLen
	if macLen >= MinMACLen && macLen <= MaxMACLen && e.cfg.Authenticate {
		resp.auth = true
		resp.keyID = binary.BigEndian.Uint32(pkt.Data[properLen:])
		switch {
		case !e.keys.Trusted(resp.keyID):
			metrics.ControlAuthTotal.WithLabelValues("untrusted").Inc()
			e.warnOnce(fmt.Sprintf("key:%d", resp.keyID), "invalid keyid %08x from %s", resp.keyID, pkt.Src)
		case e.keys.Verify(resp.keyID, pkt.Data[:properLen], pkt.Data[properLen+4:]):
			rq.authOK = true
			metrics.ControlAuthTotal.WithLabelValues("ok").Inc()
		default:
			resp.keyID = 0
			metrics.ControlAuthTotal.WithLabelValues("failed").Inc()
		}
	}

	metrics.ControlRequestsTotal.WithLabelValues(OpName(h.Op())).Inc()
	hd, ok := handlers[h.REMOp]
	if !ok {
		e.stats.BadOpcode.Inc()
		resp.fail(ErrBadOp)
		return resp.result(rq)
	}
	if hd.auth && (!rq.authOK || resp.keyID != e.cfg.ControlKey) {
		resp.fail(ErrPermission)
		return resp.result(rq)
	}
	hd.fn(e, rq)
	return resp.result(rq)
}

// checkFormat applies the silent-drop checks and counts each violation.
func (e *Engine) checkFormat(b []byte) (DropReason, bool) {
	if len(b) < HeaderLen {
		e.stats.TooShort.Inc()
		return DropTooShort, false
	}
	h, _ := UnmarshalHeader(b)
	reason := DropNone
	if h.REMOp&FlagResponse != 0 {
		e.stats.InputResponse.Inc()
		reason = DropNotRequest
	}
	if h.REMOp&FlagMore != 0 {
		e.stats.InputFragment.Inc()
		reason = DropNotRequest
	}
	if h.REMOp&FlagError != 0 {
		e.stats.InputError.Inc()
		reason = DropNotRequest
	}
	if h.Offset != 0 {
		e.stats.BadOffset.Inc()
		if reason == DropNone {
			reason = DropBadOffset
		}
	}
	if reason != DropNone {
		return reason, false
	}
	if v := h.Version(); v < OldVersion || v > Version {
		e.stats.BadVersion.Inc()
		return DropBadVersion, false
	}
	return DropNone, true
}

func (r *response) result(rq *request) Result {
	switch {
	case r.failed:
		return Result{Outcome: ResultError, ErrCode: r.errCode, Fragments: r.written}
	case rq.drop != DropNone:
		metrics.ControlDropsTotal.WithLabelValues(rq.drop.String()).Inc()
		return Result{Outcome: ResultDropped, Drop: rq.drop}
	case r.written > 0:
		return Result{Outcome: ResultReply, Fragments: r.written}
	default:
		return Result{Outcome: ResultNone}
	}
}

func (e *Engine) send(dst, local netip.AddrPort, pkt []byte, kind string) {
	metrics.ControlFragmentsTotal.WithLabelValues(kind).Inc()
	if err := e.sender.Send(dst, local, pkt); err != nil {
		e.logger.WithError(err).Warnf("send %s to %s failed", kind, dst)
	}
}

func (e *Engine) warnOnce(key, format string, args ...interface{}) {
	if e.throttle.Allow(key) {
		e.logger.Warnf(format, args...)
	}
}

func (e *Engine) sysLeap() uint8 {
	return e.sys.State().Leap
}

// Source codes of the system status word.
const (
	srcUnspec = 0
	srcAtom   = 1
	srcUHF    = 4
	srcLocal  = 5
	srcNTP    = 6
)

var refclockSources = map[uint8]uint16{
	peer.RefclockLocal: srcLocal,
	20:                 srcUHF,
	22:                 srcAtom,
	46:                 srcUHF,
}

// sysStatus returns the system status word.
func (e *Engine) sysStatus() uint16 {
	st := e.sys.State()
	var src uint16 = srcUnspec
	if sp, ok := e.peers.SysPeer(); ok {
		src = srcNTP
		if sp.IsRefclock() {
			if s, ok := refclockSources[core.RefclockType(sp.SrcAddr.Addr())]; ok {
				src = s
			}
		}
	}
	return uint16(st.Leap)<<14&0xc000 | src<<8&0x3f00 |
		uint16(e.sysNumEvents)<<4&0xf0 | uint16(e.sysLastEvent)&0xf
}
