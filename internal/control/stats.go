package control

import "go.uber.org/atomic"

// counters are the control message statistics.
type counters struct {
	Requests      atomic.Uint64
	BadPackets    atomic.Uint64
	Responses     atomic.Uint64
	Fragments     atomic.Uint64
	Errors        atomic.Uint64
	TooShort      atomic.Uint64
	InputResponse atomic.Uint64
	InputFragment atomic.Uint64
	InputError    atomic.Uint64
	BadOffset     atomic.Uint64
	BadVersion    atomic.Uint64
	DataTooShort  atomic.Uint64
	BadOpcode     atomic.Uint64
	AsyncMessages atomic.Uint64

	resetAt atomic.Uint32 // uptime of the last reset
}

// Stats is a copy of the control message statistics.
type Stats struct {
	Requests      uint64 `json:"requests"`
	BadPackets    uint64 `json:"bad_packets"`
	Responses     uint64 `json:"responses"`
	Fragments     uint64 `json:"fragments"`
	Errors        uint64 `json:"errors"`
	TooShort      uint64 `json:"too_short"`
	InputResponse uint64 `json:"input_response"`
	InputFragment uint64 `json:"input_fragment"`
	InputError    uint64 `json:"input_error"`
	BadOffset     uint64 `json:"bad_offset"`
	BadVersion    uint64 `json:"bad_version"`
	DataTooShort  uint64 `json:"data_too_short"`
	BadOpcode     uint64 `json:"bad_opcode"`
	AsyncMessages uint64 `json:"async_messages"`
	SinceReset    uint32 `json:"since_reset"` // seconds
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	c := &e.stats
	return Stats{
		Requests:      c.Requests.Load(),
		BadPackets:    c.BadPackets.Load(),
		Responses:     c.Responses.Load(),
		Fragments:     c.Fragments.Load(),
		Errors:        c.Errors.Load(),
		TooShort:      c.TooShort.Load(),
		InputResponse: c.InputResponse.Load(),
		InputFragment: c.InputFragment.Load(),
		InputError:    c.InputError.Load(),
		BadOffset:     c.BadOffset.Load(),
		BadVersion:    c.BadVersion.Load(),
		DataTooShort:  c.DataTooShort.Load(),
		BadOpcode:     c.BadOpcode.Load(),
		AsyncMessages: c.AsyncMessages.Load(),
		SinceReset:    e.clock.Uptime() - c.resetAt.Load(),
	}
}

// ClearStats zeroes the counters and restarts the reset timer.
func (e *Engine) ClearStats() {
	c := &e.stats
	for _, v := range []*atomic.Uint64{
		&c.Requests, &c.BadPackets, &c.Responses, &c.Fragments, &c.Errors,
		&c.TooShort, &c.InputResponse, &c.InputFragment, &c.InputError,
		&c.BadOffset, &c.BadVersion, &c.DataTooShort, &c.BadOpcode, &c.AsyncMessages,
	} {
		v.Store(0)
	}
	c.resetAt.Store(e.clock.Uptime())
}
