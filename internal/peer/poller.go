package peer

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/beevik/nts"
	"github.com/sourcegraph/conc/pool"

	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/log"
	"firestige.xyz/ntpctl/internal/metrics"
	"firestige.xyz/ntpctl/internal/system"
)

// Flash bits set on a bad reply.
const (
	FlashBadReply uint16 = 0x0200
	FlashKiss     uint16 = 0x0400
)

const maxConcurrentPolls = 8

// EventReporter receives association and system events.
type EventReporter interface {
	ReportEvent(code int, assocID uint16, str string)
}

// QueryFunc performs one client exchange with an association.
type QueryFunc func(ctx context.Context, p Peer, timeout time.Duration) (*ntp.Response, error)

// Poller queries associations when they are due and runs selection.
type Poller struct {
	table    *Table
	sys      *system.Tracker
	reporter EventReporter
	query    QueryFunc
	interval time.Duration
	timeout  time.Duration

	sessMu   sync.Mutex
	sessions map[uint16]*nts.Session

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPoller returns a poller. A nil query uses beevik/ntp, or beevik/nts for
// associations configured with nts.
func NewPoller(table *Table, sys *system.Tracker, reporter EventReporter, interval, timeout time.Duration, query QueryFunc) *Poller {
	p := &Poller{
		table:    table,
		sys:      sys,
		reporter: reporter,
		interval: interval,
		timeout:  timeout,
		sessions: make(map[uint16]*nts.Session),
	}
	if query == nil {
		query = p.defaultQuery
	}
	p.query = query
	return p
}

func (p *Poller) defaultQuery(ctx context.Context, peer Peer, timeout time.Duration) (*ntp.Response, error) {
	host := peer.Hostname
	if host == "" {
		host = core.AddrString(peer.SrcAddr.Addr())
	}
	if !peer.NTS {
		return ntp.QueryWithOptions(core.AddrPortString(peer.SrcAddr), ntp.QueryOptions{Timeout: timeout, Version: 4})
	}

	p.sessMu.Lock()
	s, ok := p.sessions[peer.AssocID]
	p.sessMu.Unlock()
	if !ok {
		var err error
		s, err = nts.NewSessionWithOptions(host, &nts.SessionOptions{Timeout: timeout})
		if err != nil {
			return nil, err
		}
		p.sessMu.Lock()
		p.sessions[peer.AssocID] = s
		p.sessMu.Unlock()
	}
	resp, err := s.QueryWithOptions(&ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		// Cookies may be exhausted or stale; redo the key exchange next time.
		p.sessMu.Lock()
		delete(p.sessions, peer.AssocID)
		p.sessMu.Unlock()
	}
	return resp, err
}

// Start runs the poll loop until Stop.
func (p *Poller) Start() {
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-p.stopCh
			cancel()
		}()

		p.PollOnce(ctx)
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				started := time.Now()
				p.PollOnce(ctx)
				if time.Since(started) > p.interval {
					p.sys.Timer.Overruns.Inc()
				}
			}
		}
	}()
	log.GetLogger().WithField("module", "peer").Infof("poller started, interval %s", p.interval)
}

// Stop ends the poll loop and waits for it.
func (p *Poller) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	p.stopCh = nil
}

type pollResult struct {
	id   uint16
	resp *ntp.Response
	err  error
	rtt  time.Duration
}

type pendingEvent struct {
	code  int
	assoc uint16
	str   string
}

// PollOnce queries every due association, updates the table and runs selection.
func (p *Poller) PollOnce(ctx context.Context) {
	now := p.sys.Uptime()
	stamp := p.sys.Now()
	var events []pendingEvent

	rp := pool.NewWithResults[pollResult]().WithMaxGoroutines(maxConcurrentPolls)
	for _, peer := range p.table.List() {
		if peer.NextDate > now {
			continue
		}
		if peer.IsRefclock() {
			p.table.Modify(peer.AssocID, func(pp *Peer) {
				if ev := pollClock(pp, stamp); ev != 0 {
					events = append(events, pendingEvent{code: ev, assoc: pp.AssocID})
				}
				pp.Sent++
				pp.Received++
				pp.TimeReceived = now
				if pp.Reach != 0 {
					pp.TimeReachable = now
				}
				pp.NextDate = now + 1<<pp.HPoll
			})
			continue
		}
		peer := peer
		p.sys.Timer.Xmts.Inc()
		rp.Go(func() pollResult {
			start := time.Now()
			resp, err := p.query(ctx, peer, p.timeout)
			return pollResult{id: peer.AssocID, resp: resp, err: err, rtt: time.Since(start)}
		})
	}

	for _, r := range rp.Wait() {
		events = append(events, p.apply(r, now, stamp)...)
	}
	events = append(events, p.selectPeer()...)

	for _, ev := range events {
		if p.reporter != nil {
			p.reporter.ReportEvent(ev.code, ev.assoc, ev.str)
		}
	}
}

func log2Duration(d time.Duration) int8 {
	if d <= 0 {
		return 0
	}
	return int8(math.Round(math.Log2(d.Seconds())))
}

func (p *Poller) apply(r pollResult, now uint32, stamp core.Timestamp) []pendingEvent {
	var events []pendingEvent
	result := "ok"
	if r.err == nil {
		if verr := r.resp.Validate(); verr != nil {
			r.err = verr
		}
	}

	p.table.Modify(r.id, func(pp *Peer) {
		pp.Sent++
		wasReachable := pp.Reach != 0
		if r.err != nil {
			result = "error"
			pp.Reach <<= 1
			pp.Unreach++
			if r.resp != nil {
				pp.Received++
				pp.Flash |= FlashBadReply
				if r.resp.KissCode != "" {
					pp.Flash |= FlashKiss
				}
			}
			if wasReachable && pp.Reach == 0 {
				pp.HPoll = pp.MinPoll
				events = append(events, pendingEvent{code: core.PeerEventUnreach, assoc: pp.AssocID})
			}
			pp.NextDate = now + 1<<pp.HPoll
			log.GetLogger().WithField("module", "peer").WithError(r.err).
				Debugf("poll %s failed", core.AddrPortString(pp.SrcAddr))
			return
		}

		resp := r.resp
		pp.Received++
		pp.Flash = 0
		pp.TimeReceived = now
		pp.Reach = pp.Reach<<1 | 1
		pp.TimeReachable = now
		pp.Unreach = 0
		pp.Leap = uint8(resp.Leap)
		pp.Stratum = resp.Stratum
		pp.Precision = log2Duration(resp.Precision)
		pp.RootDelay = resp.RootDelay.Seconds()
		pp.RootDisp = resp.RootDispersion.Seconds()
		pp.RefID = resp.ReferenceID
		pp.RefTime = core.TimestampFromTime(resp.ReferenceTime)
		pp.Org = core.TimestampFromTime(resp.Time)
		pp.Rec = stamp
		pp.PMode = ModeServer
		pp.PPoll = uint8(log2Duration(resp.Poll))
		pp.Headway = int(r.rtt / time.Millisecond)

		pp.FilterOffset[pp.FilterNext] = resp.ClockOffset.Seconds()
		pp.FilterDelay[pp.FilterNext] = resp.RTT.Seconds()
		pp.FilterDisp[pp.FilterNext] = resp.MinError.Seconds()
		pp.FilterNext = (pp.FilterNext + 1) % FilterSize
		clockFilter(pp)

		if pp.Reach == 0xff && pp.HPoll < pp.MaxPoll {
			pp.HPoll++
		}
		pp.NextDate = now + 1<<pp.HPoll
		if !wasReachable {
			events = append(events, pendingEvent{code: core.PeerEventReach, assoc: pp.AssocID})
		}
	})
	metrics.PeerPollSeconds.WithLabelValues(result).Observe(r.rtt.Seconds())
	return events
}

// clockFilter picks the lowest delay sample and derives jitter and dispersion
// from the filter contents.
func clockFilter(pp *Peer) {
	type sample struct{ offset, delay, disp float64 }
	var s []sample
	for i := 0; i < FilterSize; i++ {
		idx := (pp.FilterNext - 1 - i + FilterSize) % FilterSize
		if pp.FilterDelay[idx] == 0 && pp.FilterOffset[idx] == 0 {
			continue
		}
		s = append(s, sample{pp.FilterOffset[idx], pp.FilterDelay[idx], pp.FilterDisp[idx]})
	}
	if len(s) == 0 {
		return
	}
	sort.SliceStable(s, func(i, j int) bool { return s[i].delay < s[j].delay })

	pp.Offset = s[0].offset
	pp.Delay = s[0].delay
	var disp, jit float64
	for i, x := range s {
		disp += x.disp / math.Pow(2, float64(i+1))
		d := x.offset - pp.Offset
		jit += d * d
	}
	pp.Disp = disp
	pp.Jitter = math.Sqrt(jit / float64(len(s)))
}

// selectPeer chooses the system peer among reachable synchronized
// associations: prefer first, then lowest stratum, then lowest delay.
func (p *Poller) selectPeer() []pendingEvent {
	var events []pendingEvent
	peers := p.table.List()

	var cands []Peer
	var prev uint16
	for _, pp := range peers {
		if pp.Select == SelSysPeer {
			prev = pp.AssocID
		}
		if pp.Reach != 0 && pp.Leap != system.LeapNotInSync && pp.Stratum < system.StratumUnspec {
			cands = append(cands, pp)
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Prefer != b.Prefer {
			return a.Prefer
		}
		if a.Stratum != b.Stratum {
			return a.Stratum < b.Stratum
		}
		return a.Delay < b.Delay
	})
	metrics.PeersReachable.Set(float64(len(cands)))

	isCand := make(map[uint16]bool, len(cands))
	for _, c := range cands {
		isCand[c.AssocID] = true
	}
	var chosen uint16
	if len(cands) > 0 {
		chosen = cands[0].AssocID
	}
	for _, pp := range peers {
		sel := SelReject
		switch {
		case pp.AssocID == chosen:
			sel = SelSysPeer
		case isCand[pp.AssocID]:
			sel = SelSyncCand
		}
		p.table.Modify(pp.AssocID, func(x *Peer) { x.Select = sel })
	}

	wasSynced := p.sys.State().Leap != system.LeapNotInSync
	if chosen == 0 {
		if prev != 0 {
			p.sys.Update(func(s *system.State) {
				s.Leap = system.LeapNotInSync
				s.Stratum = system.StratumUnspec
				s.SysPeer = 0
			})
			events = append(events, pendingEvent{code: core.EventNoSysPeer})
		}
		return events
	}

	sp := cands[0]
	p.sys.Update(func(s *system.State) {
		s.Leap = sp.Leap
		s.Stratum = sp.Stratum + 1
		if sp.IsRefclock() || sp.Stratum <= 1 {
			s.RefID = sp.RefID
		} else {
			s.RefID = core.AddrToUint32(sp.SrcAddr.Addr())
		}
		s.RefTime = sp.Rec
		s.RootDelay = sp.RootDelay + sp.Delay
		s.RootDisp = sp.RootDisp + sp.Disp + sp.Jitter
		s.Offset = sp.Offset
		s.Jitter = sp.Jitter
		s.Poll = sp.HPoll
		s.SysPeer = sp.AssocID
	})
	if chosen != prev {
		events = append(events, pendingEvent{code: core.PeerEventNewPeer, assoc: chosen})
	}
	if !wasSynced {
		events = append(events, pendingEvent{code: core.EventClockSync})
	}
	return events
}
