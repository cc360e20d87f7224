package ntpq

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"firestige.xyz/ntpctl/internal/control"
	"firestige.xyz/ntpctl/internal/core"
)

const (
	defaultMRUFrags = 16
	maxLandmarks    = 16
	maxMRURestarts  = 8
)

// MRUQuery filters an MRU walk. Zero values disable a filter.
type MRUQuery struct {
	Limit      int    // stop after this many entries
	Frags      int    // fragments per reply page
	MinCount   int    // skip entries seen fewer times
	ResAll     uint16 // skip entries lacking any of these restriction bits
	ResAny     uint16 // skip entries lacking all of these restriction bits
	MaxLastInt uint32 // skip entries idle for longer, in seconds
	LocalAddr  string // only traffic received on this local address
}

// MRUEntry is one row of the MRU list.
type MRUEntry struct {
	Addr     netip.AddrPort
	First    core.Timestamp
	Last     core.Timestamp
	Count    int
	Mode     uint8
	Version  uint8
	Restrict uint16
}

// MRUList walks the server's MRU list page by page and returns the entries
// oldest first, with the server time of the final page. Each page names up to
// sixteen of the newest entries already received so the server can resume
// after them; if none survives the walk starts over.
func (c *Client) MRUList(ctx context.Context, q MRUQuery) ([]MRUEntry, core.Timestamp, error) {
	nonce, err := c.RequestNonce(ctx)
	if err != nil {
		return nil, core.Timestamp{}, err
	}
	frags := q.Frags
	if frags <= 0 {
		frags = defaultMRUFrags
	}

	var (
		seen     = make(map[netip.AddrPort]int)
		entries  []MRUEntry
		restarts int
	)
	for {
		params := []string{"nonce=" + nonce, "frags=" + strconv.Itoa(frags)}
		if q.Limit > 0 {
			// a resumed page with limit=1 repeats the landmark itself
			remaining := max(q.Limit-len(entries), 2)
			params = append(params, "limit="+strconv.Itoa(remaining))
		}
		if q.MinCount > 0 {
			params = append(params, "mincount="+strconv.Itoa(q.MinCount))
		}
		if q.ResAll != 0 {
			params = append(params, fmt.Sprintf("resall=%#x", q.ResAll))
		}
		if q.ResAny != 0 {
			params = append(params, fmt.Sprintf("resany=%#x", q.ResAny))
		}
		if q.MaxLastInt > 0 {
			params = append(params, "maxlstint="+strconv.FormatUint(uint64(q.MaxLastInt), 10))
		}
		if q.LocalAddr != "" {
			params = append(params, "laddr="+q.LocalAddr)
		}
		for i, j := 0, len(entries)-1; i < maxLandmarks && j >= 0; i, j = i+1, j-1 {
			params = append(params,
				fmt.Sprintf("last.%d=%s", i, entries[j].Last),
				fmt.Sprintf("addr.%d=%s", i, core.AddrPortString(entries[j].Addr)))
		}

		resp, err := c.Request(ctx, control.OpReadMRU, 0, []byte(strings.Join(params, ", ")), false)
		if IsServerError(err, control.ErrUnknownVar) && len(entries) > 0 {
			restarts++
			if restarts > maxMRURestarts {
				return nil, core.Timestamp{}, fmt.Errorf("mrulist: list changed too fast to walk")
			}
			c.logger.Debug("mrulist landmarks gone, restarting walk")
			entries, seen = nil, make(map[netip.AddrPort]int)
			continue
		}
		if err != nil {
			return nil, core.Timestamp{}, err
		}

		page, pageNonce, now, done, err := parseMRUPage(ParseVars(resp.Data))
		if err != nil {
			return nil, core.Timestamp{}, err
		}
		for _, e := range page {
			if i, ok := seen[e.Addr]; ok {
				entries = append(entries[:i], entries[i+1:]...)
				for a, j := range seen {
					if j > i {
						seen[a] = j - 1
					}
				}
			}
			seen[e.Addr] = len(entries)
			entries = append(entries, e)
		}
		if pageNonce != "" {
			nonce = pageNonce
		}
		if done || (q.Limit > 0 && len(entries) >= q.Limit) {
			sort.SliceStable(entries, func(i, j int) bool { return entries[i].Last.Uint64() < entries[j].Last.Uint64() })
			if q.Limit > 0 && len(entries) > q.Limit {
				entries = entries[:q.Limit]
			}
			return entries, now, nil
		}
		if len(page) == 0 {
			// the server lost its place before sending a row; ask again
			restarts++
			if restarts > maxMRURestarts {
				return nil, core.Timestamp{}, fmt.Errorf("mrulist: empty page without end marker")
			}
		}
	}
}

// parseMRUPage decodes the addr.N, last.N, first.N, ct.N, mv.N and rs.N
// tags of one reply. Tags it does not know are skipped.
func parseMRUPage(vs Vars) (page []MRUEntry, nonce string, now core.Timestamp, done bool, err error) {
	byIdx := make(map[int]*MRUEntry)
	var order []int
	get := func(i int) *MRUEntry {
		if e, ok := byIdx[i]; ok {
			return e
		}
		e := &MRUEntry{}
		byIdx[i] = e
		order = append(order, i)
		return e
	}

	for _, v := range vs {
		switch v.Name {
		case "nonce":
			nonce = v.Value
			continue
		case "now":
			if now, err = core.ParseTimestamp(v.Value); err != nil {
				return nil, "", now, false, err
			}
			done = true
			continue
		}
		tag, idxText, ok := strings.Cut(v.Name, ".")
		if !ok {
			continue
		}
		idx, convErr := strconv.Atoi(idxText)
		if convErr != nil {
			// last.older, addr.older, last.newest
			continue
		}
		switch tag {
		case "addr":
			ap, perr := parseAddrPort(v.Value)
			if perr != nil {
				return nil, "", now, false, perr
			}
			get(idx).Addr = ap
		case "last":
			ts, perr := core.ParseTimestamp(v.Value)
			if perr != nil {
				return nil, "", now, false, perr
			}
			get(idx).Last = ts
		case "first":
			ts, perr := core.ParseTimestamp(v.Value)
			if perr != nil {
				return nil, "", now, false, perr
			}
			get(idx).First = ts
		case "ct":
			get(idx).Count = cast.ToInt(v.Value)
		case "mv":
			mv := cast.ToUint8(v.Value)
			e := get(idx)
			e.Mode, e.Version = mv&0x7, mv>>3&0x7
		case "rs":
			rs, perr := cast.ToUint16E(v.Value)
			if perr != nil {
				return nil, "", now, false, fmt.Errorf("bad rs.%d %q: %w", idx, v.Value, perr)
			}
			get(idx).Restrict = rs
		}
	}

	sort.Ints(order)
	for _, i := range order {
		if e := byIdx[i]; e.Addr.IsValid() {
			page = append(page, *e)
		}
	}
	return page, nonce, now, done, nil
}

// parseAddrPort accepts the address text the server writes: a.b.c.d:port
// or [v6]:port.
func parseAddrPort(s string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(s)
	if err == nil {
		return ap, nil
	}
	a, aerr := netip.ParseAddr(strings.Trim(s, "[]"))
	if aerr != nil {
		return netip.AddrPort{}, fmt.Errorf("bad address %q: %w", s, err)
	}
	return netip.AddrPortFrom(a, 123), nil
}
