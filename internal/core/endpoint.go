package core

import "net/netip"

// Endpoint flags reported by ifstats.
const (
	EndpointUp        uint32 = 0x0001
	EndpointBroadcast uint32 = 0x0004
	EndpointMulticast uint32 = 0x0008
	EndpointWildcard  uint32 = 0x0010
	EndpointIPv6      uint32 = 0x0040
)

// Endpoint describes one local socket the daemon receives on.
type Endpoint struct {
	Index      int
	Name       string
	Addr       netip.AddrPort
	Broadcast  netip.AddrPort
	Flags      uint32
	Ignored    bool
	TTL        int
	Multicasts int
	Received   uint64
	Sent       uint64
	SendFailed uint64
	PeerCount  uint64
	Started    uint32 // daemon uptime seconds when the socket was opened
}
