package core

import (
	"fmt"
	"net/netip"
)

// refclockNames maps reference clock driver types to their display names.
var refclockNames = map[uint8]string{
	1:  "LOCAL",
	20: "NMEA",
	22: "PPS",
	28: "SHM",
	46: "GPSD_JSON",
}

// AddrString renders an address without a port.
func AddrString(a netip.Addr) string {
	if !a.IsValid() {
		return "0.0.0.0"
	}
	return a.Unmap().String()
}

// AddrPortString renders an address with its port; IPv6 addresses are bracketed.
func AddrPortString(ap netip.AddrPort) string {
	if !ap.IsValid() {
		return "0.0.0.0:0"
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String()
}

// NumToA renders a 32-bit value, most significant octet first, as a dotted quad.
func NumToA(v uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// AddrToUint32 packs the first four octets of an address into a refid-style value.
func AddrToUint32(a netip.Addr) uint32 {
	a = a.Unmap()
	b := a.AsSlice()
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// IsRefclockAddr reports whether the address is a 127.127.t.u pseudo address.
func IsRefclockAddr(a netip.Addr) bool {
	a = a.Unmap()
	if !a.Is4() {
		return false
	}
	b := a.As4()
	return b[0] == 127 && b[1] == 127
}

// RefclockType returns the driver type octet of a refclock pseudo address.
func RefclockType(a netip.Addr) uint8 {
	b := a.Unmap().As4()
	return b[2]
}

// RefclockString renders a refclock pseudo address as NAME(unit).
func RefclockString(a netip.Addr) string {
	b := a.Unmap().As4()
	name, ok := refclockNames[b[2]]
	if !ok {
		name = fmt.Sprintf("REFCLK%d", b[2])
	}
	return fmt.Sprintf("%s(%d)", name, b[3])
}

// PeerAddrString renders the source of an association the way event lines do.
func PeerAddrString(ap netip.AddrPort) string {
	if IsRefclockAddr(ap.Addr()) {
		return RefclockString(ap.Addr())
	}
	return AddrString(ap.Addr())
}
