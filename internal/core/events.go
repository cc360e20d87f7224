package core

import "fmt"

// PeerEvent marks event codes that concern an association.
const PeerEvent = 0x80

// System event codes.
const (
	EventUnspec       = 0
	EventFreqNotSet   = 1
	EventFreqSet      = 2
	EventSpike        = 3
	EventFreqMode     = 4
	EventClockSync    = 5
	EventRestart      = 6
	EventPanic        = 7
	EventNoSysPeer    = 8
	EventLeapArmed    = 9
	EventLeapDisarmed = 10
	EventLeap         = 11
	EventClockStep    = 12
	EventKern         = 13
	EventTAI          = 14
	EventLeapStale    = 15
)

// Peer event codes.
const (
	PeerEventMobilize   = PeerEvent | 1
	PeerEventDemobilize = PeerEvent | 2
	PeerEventUnreach    = PeerEvent | 3
	PeerEventReach      = PeerEvent | 4
	PeerEventRestart    = PeerEvent | 5
	PeerEventNoReply    = PeerEvent | 6
	PeerEventRate       = PeerEvent | 7
	PeerEventDeny       = PeerEvent | 8
	PeerEventArmed      = PeerEvent | 9
	PeerEventNewPeer    = PeerEvent | 10
	PeerEventClock      = PeerEvent | 11
	PeerEventAuth       = PeerEvent | 12
	PeerEventPopcorn    = PeerEvent | 13
	PeerEventXleave     = PeerEvent | 14
	PeerEventXerr       = PeerEvent | 15
)

var sysEventNames = [...]string{
	"unspecified",
	"freq_not_set",
	"freq_set",
	"spike_detect",
	"freq_mode",
	"clock_sync",
	"restart",
	"panic_stop",
	"no_sys_peer",
	"leap_armed",
	"leap_disarmed",
	"leap_event",
	"clock_step",
	"kern",
	"TAI",
	"stale_leapsecond_values",
}

var peerEventNames = [...]string{
	"",
	"mobilize",
	"demobilize",
	"unreachable",
	"reachable",
	"restart",
	"no_reply",
	"rate_exceeded",
	"access_denied",
	"leap_armed",
	"sys_peer",
	"clock_event",
	"bad_auth",
	"popcorn",
	"interleave_mode",
	"interleave_error",
}

// EventName returns the protostats keyword of an event code.
func EventName(code int) string {
	if code&PeerEvent != 0 {
		if n := code &^ PeerEvent; n > 0 && n < len(peerEventNames) {
			return peerEventNames[n]
		}
	} else if code >= 0 && code < len(sysEventNames) {
		return sysEventNames[code]
	}
	return fmt.Sprintf("event_%d", code)
}
