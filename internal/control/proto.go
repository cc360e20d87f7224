// Package control implements the NTP mode-6 control message engine: request
// validation, authentication, dispatch, response assembly and fragmentation,
// the MRU list walk, and the trap registry.
package control

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/ntpctl/internal/core"
)

// Protocol versions accepted on input.
const (
	Version    = 4
	OldVersion = 1
)

// ModeControl is the NTP mode of control messages.
const ModeControl = 6

// Wire sizes.
const (
	HeaderLen  = 12
	MaxDataLen = 468
	MinMACLen  = 4  // key id only
	MaxMACLen  = 24 // key id and a 20 octet digest
)

// Bits of the r_m_e_op octet.
const (
	FlagResponse = 0x80
	FlagError    = 0x40
	FlagMore     = 0x20
	OpMask       = 0x1f
)

// Opcodes.
const (
	OpUnspec       = 0
	OpReadStat     = 1
	OpReadVar      = 2
	OpWriteVar     = 3
	OpReadClock    = 4
	OpWriteClock   = 5
	OpSetTrap      = 6
	OpAsyncMsg     = 7
	OpConfigure    = 8
	OpSaveConfig   = 9
	OpReadMRU      = 10
	OpReadOrdlistA = 11
	OpReqNonce     = 12
	OpUnsetTrap    = 31
)

// Error codes carried in the high byte of the status word.
const (
	ErrUnspec     = 0
	ErrPermission = 1
	ErrBadFmt     = 2
	ErrBadOp      = 3
	ErrBadAssoc   = 4
	ErrUnknownVar = 5
	ErrBadValue   = 6
	ErrRestrict   = 7

	// ErrNoResource shares the permission code on the wire.
	ErrNoResource = ErrPermission
)

var opNames = map[uint8]string{
	OpUnspec:       "unspec",
	OpReadStat:     "readstat",
	OpReadVar:      "readvar",
	OpWriteVar:     "writevar",
	OpReadClock:    "readclock",
	OpWriteClock:   "writeclock",
	OpSetTrap:      "settrap",
	OpAsyncMsg:     "asyncmsg",
	OpConfigure:    "configure",
	OpSaveConfig:   "saveconfig",
	OpReadMRU:      "readmru",
	OpReadOrdlistA: "readordlist",
	OpReqNonce:     "reqnonce",
	OpUnsetTrap:    "unsettrap",
}

// OpName returns a label for an opcode.
func OpName(op uint8) string {
	if n, ok := opNames[op]; ok {
		return n
	}
	return fmt.Sprintf("op%d", op)
}

var errNames = map[uint8]string{
	ErrUnspec:     "unspec",
	ErrPermission: "permission",
	ErrBadFmt:     "badfmt",
	ErrBadOp:      "badop",
	ErrBadAssoc:   "badassoc",
	ErrUnknownVar: "unknownvar",
	ErrBadValue:   "badvalue",
	ErrRestrict:   "restrict",
}

// ErrName returns a label for an error code.
func ErrName(code uint8) string {
	if n, ok := errNames[code]; ok {
		return n
	}
	return fmt.Sprintf("err%d", code)
}

// Header is the fixed 12 octet mode-6 header.
type Header struct {
	LIVNMode uint8
	REMOp    uint8
	Sequence uint16
	Status   uint16
	AssocID  uint16
	Offset   uint16
	Count    uint16
}

// Version returns the VN field.
func (h Header) Version() uint8 { return h.LIVNMode >> 3 & 0x7 }

// Mode returns the mode field.
func (h Header) Mode() uint8 { return h.LIVNMode & 0x7 }

// Op returns the opcode.
func (h Header) Op() uint8 { return h.REMOp & OpMask }

// IsResponse reports whether the response bit is set.
func (h Header) IsResponse() bool { return h.REMOp&FlagResponse != 0 }

// IsError reports whether the error bit is set.
func (h Header) IsError() bool { return h.REMOp&FlagError != 0 }

// More reports whether more fragments follow.
func (h Header) More() bool { return h.REMOp&FlagMore != 0 }

// ErrorCode returns the error code of an error response.
func (h Header) ErrorCode() uint8 { return uint8(h.Status >> 8) }

// PackLIVNMode builds the first header octet.
func PackLIVNMode(leap, version, mode uint8) uint8 {
	return leap<<6 | (version&0x7)<<3 | mode&0x7
}

// MarshalTo writes the header into b, which must hold HeaderLen octets.
func (h Header) MarshalTo(b []byte) {
	b[0] = h.LIVNMode
	b[1] = h.REMOp
	binary.BigEndian.PutUint16(b[2:], h.Sequence)
	binary.BigEndian.PutUint16(b[4:], h.Status)
	binary.BigEndian.PutUint16(b[6:], h.AssocID)
	binary.BigEndian.PutUint16(b[8:], h.Offset)
	binary.BigEndian.PutUint16(b[10:], h.Count)
}

// UnmarshalHeader reads a header from the front of b.
func UnmarshalHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d octets", core.ErrPacketTooShort, len(b))
	}
	return Header{
		LIVNMode: b[0],
		REMOp:    b[1],
		Sequence: binary.BigEndian.Uint16(b[2:]),
		Status:   binary.BigEndian.Uint16(b[4:]),
		AssocID:  binary.BigEndian.Uint16(b[6:]),
		Offset:   binary.BigEndian.Uint16(b[8:]),
		Count:    binary.BigEndian.Uint16(b[10:]),
	}, nil
}

// DecodeRequest validates an inbound datagram and returns its header and
// everything after it. Responses, fragments, error packets and versions
// outside [OldVersion, Version] are rejected. The count field is not checked
// here; a short payload is answered with a format error.
func DecodeRequest(b []byte) (Header, []byte, error) {
	h, err := UnmarshalHeader(b)
	if err != nil {
		return h, nil, err
	}
	if h.REMOp&(FlagResponse|FlagMore|FlagError) != 0 {
		return h, nil, core.ErrNotRequest
	}
	if h.Offset != 0 {
		return h, nil, core.ErrBadOffset
	}
	if v := h.Version(); v < OldVersion || v > Version {
		return h, nil, fmt.Errorf("%w: %d", core.ErrBadVersion, v)
	}
	return h, b[HeaderLen:], nil
}

// EncodeFragment builds one wire fragment. The payload is padded to a four
// octet boundary. When mac is non-nil the packet is padded to eight octets and
// the key id and mac(packet) are appended.
func EncodeFragment(h Header, payload []byte, more bool, keyID uint32, mac func([]byte) ([]byte, error)) ([]byte, error) {
	h.Count = uint16(len(payload))
	if more {
		h.REMOp |= FlagMore
	}
	n := HeaderLen + len(payload)
	n = (n + 3) &^ 3
	if mac != nil {
		n = (n + 7) &^ 7
	}
	pkt := make([]byte, n, n+MaxMACLen)
	h.MarshalTo(pkt)
	copy(pkt[HeaderLen:], payload)
	if mac == nil {
		return pkt, nil
	}
	digest, err := mac(pkt)
	if err != nil {
		return nil, err
	}
	pkt = binary.BigEndian.AppendUint32(pkt, keyID)
	return append(pkt, digest...), nil
}
