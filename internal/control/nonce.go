package control

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"

	"firestige.xyz/ntpctl/internal/core"
)

const (
	saltLifetime  = 3600 // seconds between salt rotations
	nonceLifetime = 16   // seconds a nonce stays valid
)

// nonceSalt is the secret mixed into every nonce. It is replaced hourly.
type nonceSalt struct {
	mu      sync.Mutex
	salt    [4]uint32
	updated uint32
}

// deriveNonce hashes the salt, a timestamp and the client address.
func (e *Engine) deriveNonce(addr netip.AddrPort, ts core.Timestamp) uint32 {
	now := e.clock.Uptime()

	e.salt.mu.Lock()
	for e.salt.salt[0] == 0 || now-e.salt.updated >= saltLifetime {
		for i := range e.salt.salt {
			e.salt.salt[i] = e.rand.Uint32()
		}
		e.salt.updated = now
	}
	var salt [16]byte
	for i, s := range e.salt.salt {
		binary.BigEndian.PutUint32(salt[i*4:], s)
	}
	e.salt.mu.Unlock()

	h := md5.New()
	var b [4]byte
	h.Write(salt[:])
	binary.BigEndian.PutUint32(b[:], ts.Seconds)
	h.Write(b[:])
	binary.BigEndian.PutUint32(b[:], ts.Fraction)
	h.Write(b[:])
	h.Write(addr.Addr().Unmap().AsSlice())
	binary.BigEndian.PutUint16(b[:2], addr.Port())
	h.Write(b[:2])
	h.Write(salt[:])
	return binary.BigEndian.Uint32(h.Sum(nil))
}

// Nonce returns the nonce handed to src for a request received at recv.
func (e *Engine) Nonce(src netip.AddrPort, recv core.Timestamp) string {
	return fmt.Sprintf("%08x%08x%08x", recv.Seconds, recv.Fraction, e.deriveNonce(src, recv))
}

// ValidNonce reports whether nonce was issued to src less than
// nonceLifetime seconds ago.
func (e *Engine) ValidNonce(nonce string, src netip.AddrPort) bool {
	var ts core.Timestamp
	var supposed uint32
	if n, err := fmt.Sscanf(nonce, "%08x%08x%08x", &ts.Seconds, &ts.Fraction, &supposed); err != nil || n != 3 {
		return false
	}
	if e.deriveNonce(src, ts) != supposed {
		return false
	}
	return e.clock.Now().Sub(ts).Seconds < nonceLifetime
}

// reqNonce answers with a nonce for use in a following MRU request.
func (e *Engine) reqNonce(rq *request) {
	rq.resp.putUnqStr("nonce", e.Nonce(rq.src, rq.recv))
	rq.resp.flush(false)
}
