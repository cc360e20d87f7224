// Package core defines sentinel errors and the NTP primitives shared across packages.
package core

import "errors"

// Sentinel errors following the wrap-and-Is pattern.
var (
	// Wire errors
	ErrPacketTooShort = errors.New("ntpctl: packet too short")
	ErrNotRequest     = errors.New("ntpctl: response, more or error bit set")
	ErrBadOffset      = errors.New("ntpctl: nonzero offset in request")
	ErrBadVersion     = errors.New("ntpctl: unsupported protocol version")
	ErrBadTimestamp   = errors.New("ntpctl: malformed timestamp")

	// Key errors
	ErrKeyNotFound        = errors.New("ntpctl: key not found")
	ErrKeyUntrusted       = errors.New("ntpctl: key not trusted")
	ErrUnsupportedKeyType = errors.New("ntpctl: unsupported key type")

	// Association errors
	ErrPeerNotFound = errors.New("ntpctl: association not found")
	ErrPeerExists   = errors.New("ntpctl: association already exists")

	// Restriction errors
	ErrUnknownRestrictFlag = errors.New("ntpctl: unknown restrict flag")

	// Event errors
	ErrBusClosed = errors.New("ntpctl: event bus closed")
	ErrQueueFull = errors.New("ntpctl: event queue full")

	// Client errors
	ErrTimeout     = errors.New("ntpctl: request timed out")
	ErrServerError = errors.New("ntpctl: server returned error")

	// Configuration errors
	ErrConfigInvalid = errors.New("ntpctl: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("ntpctl: daemon not running")
)
