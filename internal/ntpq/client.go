// Package ntpq is a mode-6 control client: it sends requests to an NTP
// server, reassembles fragmented replies, and decodes variable lists, the
// association status list and MRU pages.
package ntpq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"firestige.xyz/ntpctl/internal/control"
	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/keys"
	"firestige.xyz/ntpctl/internal/log"
)

// DefaultTimeout bounds one request when the context has no deadline.
const DefaultTimeout = 5 * time.Second

// maxFragments caps reassembly of a single reply.
const maxFragments = 256

// Signer computes request MACs. keys.Store implements it.
type Signer interface {
	Sign(id uint32, msg []byte) ([]byte, error)
}

// Options configure a Client.
type Options struct {
	Timeout time.Duration
	Version uint8  // protocol version of requests; control.Version when zero
	KeyID   uint32 // key used for requests that need authentication
	Signer  Signer
	SignAll bool // sign every request, not only the ones that modify state
}

// ServerError is an error response from the server.
type ServerError struct {
	Op   uint8
	Code uint8
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: server error %s", control.OpName(e.Op), control.ErrName(e.Code))
}

func (e *ServerError) Unwrap() error { return core.ErrServerError }

// IsServerError reports whether err is a server error response with code.
func IsServerError(err error, code uint8) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Code == code
}

// Response is one reassembled reply.
type Response struct {
	Header control.Header // header of the first fragment
	Data   []byte
}

// Client talks to one server over a connected UDP socket. It is safe for
// concurrent use; requests are serialized.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	opts   Options
	seq    uint16
	logger log.Logger
}

// Dial connects to addr, a host:port pair. A missing port means 123.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "123")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Version == 0 {
		opts.Version = control.Version
	}
	return &Client{
		conn:   conn,
		opts:   opts,
		seq:    uint16(time.Now().UnixNano()),
		logger: log.GetLogger().WithField("module", "ntpq"),
	}, nil
}

// Close releases the socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the client socket address.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// NewKeySigner returns a Signer holding one trusted key.
func NewKeySigner(id uint32, typ, secret string) (Signer, error) {
	s := keys.NewStore()
	if err := s.Add(id, typ, secret, true); err != nil {
		return nil, err
	}
	return s, nil
}

// Request sends one request and waits for the complete reply. auth asks for
// the request to be signed.
func (c *Client) Request(ctx context.Context, op uint8, assoc uint16, data []byte, auth bool) (*Response, error) {
	if len(data) > control.MaxDataLen {
		return nil, fmt.Errorf("request payload of %d octets exceeds %d", len(data), control.MaxDataLen)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	h := control.Header{
		LIVNMode: control.PackLIVNMode(0, c.opts.Version, control.ModeControl),
		REMOp:    op,
		Sequence: c.seq,
		AssocID:  assoc,
	}

	var mac func([]byte) ([]byte, error)
	if (auth || c.opts.SignAll) && c.opts.KeyID != 0 {
		if c.opts.Signer == nil {
			return nil, fmt.Errorf("key %d configured without a signer", c.opts.KeyID)
		}
		id := c.opts.KeyID
		mac = func(b []byte) ([]byte, error) { return c.opts.Signer.Sign(id, b) }
	} else if auth {
		return nil, fmt.Errorf("%s requires a key", control.OpName(op))
	}
	pkt, err := control.EncodeFragment(h, data, false, c.opts.KeyID, mac)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	deadline := time.Now().Add(c.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(pkt); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", control.OpName(op), err)
	}
	return c.receive(ctx, h)
}

type fragment struct {
	offset int
	data   []byte
}

// receive collects fragments answering req until their data is contiguous
// from offset zero through the fragment without the more bit.
func (c *Client) receive(ctx context.Context, req control.Header) (*Response, error) {
	var (
		frags     []fragment
		first     control.Header
		haveFirst bool
		end       = -1
	)
	buf := make([]byte, 2048)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, fmt.Errorf("%s: %w", control.OpName(req.Op()), core.ErrTimeout)
			}
			return nil, err
		}
		h, err := control.UnmarshalHeader(buf[:n])
		if err != nil {
			c.logger.WithError(err).Debug("short reply ignored")
			continue
		}
		if !h.IsResponse() || h.Mode() != control.ModeControl || h.Op() != req.Op() || h.Sequence != req.Sequence {
			c.logger.Debugf("unexpected reply op %d seq %d ignored", h.Op(), h.Sequence)
			continue
		}
		if h.IsError() {
			return nil, &ServerError{Op: req.Op(), Code: h.ErrorCode()}
		}
		count := int(h.Count)
		if control.HeaderLen+count > n {
			c.logger.Debugf("reply claims %d octets, %d received", count, n-control.HeaderLen)
			continue
		}
		off := int(h.Offset)
		if off == 0 {
			first, haveFirst = h, true
		}
		dup := false
		for _, f := range frags {
			if f.offset == off {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		frags = append(frags, fragment{offset: off, data: append([]byte(nil), buf[control.HeaderLen:control.HeaderLen+count]...)})
		if len(frags) > maxFragments {
			return nil, fmt.Errorf("reply exceeds %d fragments", maxFragments)
		}
		if !h.More() {
			end = off + count
		}
		if end < 0 || !haveFirst {
			continue
		}
		if data, ok := assemble(frags, end); ok {
			return &Response{Header: first, Data: data}, nil
		}
	}
}

// assemble joins the fragments when they cover [0, end) without gaps.
func assemble(frags []fragment, end int) ([]byte, bool) {
	sort.Slice(frags, func(i, j int) bool { return frags[i].offset < frags[j].offset })
	data := make([]byte, 0, end)
	for _, f := range frags {
		if f.offset != len(data) {
			return nil, false
		}
		data = append(data, f.data...)
	}
	return data, len(data) == end
}

// AssocStatus is one entry of the association list.
type AssocStatus struct {
	AssocID uint16
	Status  uint16
}

// ReadStat returns the system status word and the association list.
func (c *Client) ReadStat(ctx context.Context) (uint16, []AssocStatus, error) {
	resp, err := c.Request(ctx, control.OpReadStat, 0, nil, false)
	if err != nil {
		return 0, nil, err
	}
	out := make([]AssocStatus, 0, len(resp.Data)/4)
	for b := resp.Data; len(b) >= 4; b = b[4:] {
		out = append(out, AssocStatus{
			AssocID: binary.BigEndian.Uint16(b),
			Status:  binary.BigEndian.Uint16(b[2:]),
		})
	}
	return resp.Header.Status, out, nil
}

// ReadVar reads system variables (assoc 0) or peer variables. With no names
// the server returns its default set.
func (c *Client) ReadVar(ctx context.Context, assoc uint16, names ...string) (uint16, Vars, error) {
	return c.readVars(ctx, control.OpReadVar, assoc, names)
}

// ReadClock reads clock variables of a refclock association.
func (c *Client) ReadClock(ctx context.Context, assoc uint16, names ...string) (uint16, Vars, error) {
	return c.readVars(ctx, control.OpReadClock, assoc, names)
}

func (c *Client) readVars(ctx context.Context, op uint8, assoc uint16, names []string) (uint16, Vars, error) {
	req := make(Vars, len(names))
	for i, n := range names {
		req[i] = Var{Name: n}
	}
	resp, err := c.Request(ctx, op, assoc, formatVars(req), false)
	if err != nil {
		return 0, nil, err
	}
	return resp.Header.Status, ParseVars(resp.Data), nil
}

// WriteVar sets variables. It needs the control key.
func (c *Client) WriteVar(ctx context.Context, assoc uint16, vars Vars) error {
	_, err := c.Request(ctx, control.OpWriteVar, assoc, formatVars(vars), true)
	return err
}

// Configure sends runtime configuration text and returns the server's
// verdict text.
func (c *Client) Configure(ctx context.Context, text string) (string, error) {
	resp, err := c.Request(ctx, control.OpConfigure, 0, []byte(text), true)
	if err != nil {
		return "", err
	}
	return trimText(resp.Data), nil
}

// SaveConfig asks the server to write its configuration to name inside its
// save directory.
func (c *Client) SaveConfig(ctx context.Context, name string) (string, error) {
	resp, err := c.Request(ctx, control.OpSaveConfig, 0, []byte(name), true)
	if err != nil {
		return "", err
	}
	return trimText(resp.Data), nil
}

// ReadOrdList reads an ordered list: "ifstats" or "addr_restrictions".
func (c *Client) ReadOrdList(ctx context.Context, name string) (Vars, error) {
	resp, err := c.Request(ctx, control.OpReadOrdlistA, 0, []byte(name), true)
	if err != nil {
		return nil, err
	}
	return ParseVars(resp.Data), nil
}

// SetTrap registers the client address as a trap receiver.
func (c *Client) SetTrap(ctx context.Context) error {
	_, err := c.Request(ctx, control.OpSetTrap, 0, nil, false)
	return err
}

// UnsetTrap removes the client address from the trap receivers.
func (c *Client) UnsetTrap(ctx context.Context) error {
	_, err := c.Request(ctx, control.OpUnsetTrap, 0, nil, false)
	return err
}

// RequestNonce returns a nonce for a following mrulist request.
func (c *Client) RequestNonce(ctx context.Context) (string, error) {
	resp, err := c.Request(ctx, control.OpReqNonce, 0, nil, false)
	if err != nil {
		return "", err
	}
	v, ok := ParseVars(resp.Data).Get("nonce")
	if !ok || v == "" {
		return "", fmt.Errorf("reqnonce reply without nonce: %q", trimText(resp.Data))
	}
	return v, nil
}

func trimText(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == 0) {
		b = b[:len(b)-1]
	}
	return string(b)
}
