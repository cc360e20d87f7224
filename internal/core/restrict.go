package core

import (
	"fmt"
	"strings"
)

// Access restriction flags carried by restriction entries and MRU rows.
const (
	ResIgnore    uint16 = 0x0001
	ResDontServe uint16 = 0x0002
	ResDontTrust uint16 = 0x0004
	ResVersion   uint16 = 0x0008
	ResNoPeer    uint16 = 0x0010
	ResLimited   uint16 = 0x0020
	ResNoQuery   uint16 = 0x0040
	ResNoModify  uint16 = 0x0080
	ResNoTrap    uint16 = 0x0100
	ResLPTrap    uint16 = 0x0200
	ResKoD       uint16 = 0x0400
	ResMSSNTP    uint16 = 0x0800
	ResFlake     uint16 = 0x1000
	ResNoMRUList uint16 = 0x2000
)

// Match flags of restriction entries.
const (
	ResMInterface uint16 = 0x1000
	ResMNTPOnly   uint16 = 0x2000
	ResMSource    uint16 = 0x4000
)

type flagName struct {
	bit  uint16
	name string
}

var accessNames = []flagName{
	{ResIgnore, "ignore"},
	{ResDontServe, "noserve"},
	{ResDontTrust, "notrust"},
	{ResVersion, "version"},
	{ResNoPeer, "nopeer"},
	{ResLimited, "limited"},
	{ResNoQuery, "noquery"},
	{ResNoModify, "nomodify"},
	{ResNoTrap, "notrap"},
	{ResLPTrap, "lptrap"},
	{ResKoD, "kod"},
	{ResMSSNTP, "mssntp"},
	{ResFlake, "flake"},
	{ResNoMRUList, "nomrulist"},
}

var matchNames = []flagName{
	{ResMNTPOnly, "ntpport"},
	{ResMInterface, "interface"},
	{ResMSource, "source"},
}

func flagString(v uint16, names []flagName) string {
	var parts []string
	for _, n := range names {
		if v&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, " ")
}

// AccessString renders access flags as space separated keywords.
func AccessString(flags uint16) string { return flagString(flags, accessNames) }

// MatchString renders match flags as space separated keywords.
func MatchString(mflags uint16) string { return flagString(mflags, matchNames) }

// ParseRestrictFlag maps a keyword to its access or match flag.
func ParseRestrictFlag(name string) (access, match uint16, err error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, n := range accessNames {
		if n.name == name {
			return n.bit, 0, nil
		}
	}
	for _, n := range matchNames {
		if n.name == name {
			return 0, n.bit, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %q", ErrUnknownRestrictFlag, name)
}

// ParseRestrictFlags folds a list of keywords into access and match flags.
func ParseRestrictFlags(names []string) (access, match uint16, err error) {
	for _, n := range names {
		a, m, err := ParseRestrictFlag(n)
		if err != nil {
			return 0, 0, err
		}
		access |= a
		match |= m
	}
	return access, match, nil
}
