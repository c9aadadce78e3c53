package usbtmc

import (
	"fmt"
	"strconv"
	"strings"
)

// Selector identifies the device an Open call binds to.  Populate any
// combination of the match fields; an empty Selector binds the first
// USBTMC device on the bus.
type Selector struct {
	// VID and PID restrict matching when MatchVIDPID is set.
	VID, PID    uint16
	MatchVIDPID bool

	// Serial restricts matching to the device with this serial number.
	Serial string

	// Bus and Address pin one physical port when MatchBusAddr is set.
	Bus, Address int
	MatchBusAddr bool
}

// ParseResource converts a VISA-style resource string into a Selector.
//
// Accepted forms:
//
//	USB::0x1313::0x804a::INSTR
//	USB0::0x0957::0x179b::MY52491234::INSTR
//	USB::4883::32842::INSTR        (decimal ids)
//
// The leading token must start with "USB"; the trailing "::INSTR" is
// optional.  Ids parse per Go integer-literal conventions: 0x-prefixed
// hex, 0-prefixed octal, otherwise decimal.
func ParseResource(address string) (Selector, error) {
	var sel Selector
	pieces := strings.Split(address, "::")
	if len(pieces) > 0 && strings.EqualFold(pieces[len(pieces)-1], "INSTR") {
		pieces = pieces[:len(pieces)-1]
	}
	if len(pieces) < 3 || !strings.HasPrefix(strings.ToUpper(pieces[0]), "USB") {
		return sel, fmt.Errorf("%q is not a USB INSTR resource", address)
	}
	vid, err := parseID(pieces[1])
	if err != nil {
		return sel, fmt.Errorf("resource %q: vendor id: %w", address, err)
	}
	pid, err := parseID(pieces[2])
	if err != nil {
		return sel, fmt.Errorf("resource %q: product id: %w", address, err)
	}
	sel.VID, sel.PID, sel.MatchVIDPID = vid, pid, true
	if len(pieces) > 3 {
		sel.Serial = pieces[3]
	}
	if len(pieces) > 4 {
		return sel, fmt.Errorf("resource %q has too many segments", address)
	}
	return sel, nil
}

func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
