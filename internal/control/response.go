package control

import (
	"net/netip"

	"firestige.xyz/ntpctl/internal/metrics"
)

// maxLineLen is the soft wrap column of text replies.
const maxLineLen = 72

// response assembles one logical reply. Data is appended through putData,
// which is the only place that decides when a fragment is full.
type response struct {
	eng *Engine

	hdr   Header
	op    uint8
	dest  netip.AddrPort
	local netip.AddrPort

	data    []byte
	offset  int
	frags   int // number of the fragment being assembled, starting at 1
	lineLen int
	sent    bool // a text token has been written
	text    bool // the reply carries text rather than binary data

	auth  bool
	keyID uint32
	async bool

	done    bool
	errCode uint8
	failed  bool
	written int
	bytes   int
}

func (e *Engine) newResponse(h Header, dest, local netip.AddrPort) *response {
	return &response{
		eng:   e,
		hdr:   h,
		op:    h.Op(),
		dest:  dest,
		local: local,
		data:  make([]byte, 0, MaxDataLen+MaxMACLen),
		frags: 1,
	}
}

// putData appends one token. Text tokens are separated by ", " or by a line
// break once the current line grows past maxLineLen.
func (r *response) putData(b []byte, binary bool) {
	if r.done {
		return
	}
	overhead := 0
	if !binary {
		r.text = true
		overhead = 3
		if r.sent {
			r.data = append(r.data, ',')
			r.lineLen++
			if len(b)+r.lineLen+1 >= maxLineLen {
				r.data = append(r.data, '\r', '\n')
				r.lineLen = 0
			} else {
				r.data = append(r.data, ' ')
				r.lineLen++
			}
		}
	}

	for len(r.data)+len(b)+overhead > MaxDataLen {
		n := min(len(b), MaxDataLen-len(r.data))
		r.data = append(r.data, b[:n]...)
		b = b[n:]
		r.lineLen += n
		r.flush(true)
		if r.done {
			return
		}
	}
	r.data = append(r.data, b...)
	r.lineLen += len(b)
	r.sent = true
}

func (r *response) putText(s string) {
	r.putData([]byte(s), false)
}

// flush writes the fragment assembled so far. A final text fragment gets a
// trailing CRLF when it fits.
func (r *response) flush(more bool) {
	if r.done {
		return
	}
	if !more && r.text && len(r.data)+2 <= MaxDataLen {
		r.data = append(r.data, '\r', '\n')
	}

	h := r.hdr
	h.REMOp = FlagResponse | r.op
	h.Offset = uint16(r.offset)

	if r.async {
		r.eng.traps.broadcast(func(t *trap) {
			h.LIVNMode = PackLIVNMode(r.eng.sysLeap(), t.version, ModeControl)
			h.Sequence = t.sequence
			pkt, _ := EncodeFragment(h, r.data, more, 0, nil)
			r.eng.send(t.addr, t.local, pkt, "trap")
			if !more {
				t.sequence++
			}
			r.eng.stats.AsyncMessages.Inc()
		})
	} else {
		pkt := r.encode(h, r.data, more)
		r.eng.send(r.dest, r.local, pkt, "response")
		if more {
			r.eng.stats.Fragments.Inc()
		} else {
			r.eng.stats.Responses.Inc()
		}
	}

	r.written++
	r.bytes += len(r.data)
	r.frags++
	r.offset += len(r.data)
	r.data = r.data[:0]
	if !more {
		r.done = true
		metrics.ControlResponseBytes.Observe(float64(r.bytes))
	}
}

// encode builds a unicast fragment, signing it when the request carried a
// MAC and authentication is enabled. A key that cannot sign yields an
// unsigned packet.
func (r *response) encode(h Header, payload []byte, more bool) []byte {
	if r.auth && r.eng.cfg.Authenticate {
		pkt, err := EncodeFragment(h, payload, more, r.keyID, func(b []byte) ([]byte, error) {
			return r.eng.keys.Sign(r.keyID, b)
		})
		if err == nil {
			return pkt
		}
		r.eng.warnOnce("sign:"+r.dest.Addr().String(), "unable to sign reply to %s with key %d: %v", r.dest, r.keyID, err)
	}
	pkt, _ := EncodeFragment(h, payload, more, 0, nil)
	return pkt
}

// fail sends an error reply and finishes the response; later puts and
// flushes are ignored.
func (r *response) fail(code uint8) {
	if r.done {
		return
	}
	r.eng.stats.Errors.Inc()
	metrics.ControlErrorsTotal.WithLabelValues(ErrName(code)).Inc()

	h := r.hdr
	h.REMOp = FlagResponse | FlagError | r.op
	h.Status = uint16(code) << 8
	h.Offset = 0
	pkt := r.encode(h, nil, false)
	r.eng.send(r.dest, r.local, pkt, "error")

	r.done = true
	r.failed = true
	r.errCode = code
	r.written++
}
