package control

import (
	"encoding/binary"
	"fmt"
	"time"
)

// USB488Capabilities is the USB488 subset of a GET_CAPABILITIES response
// (USB488 Table 8).
type USB488Capabilities struct {
	// BCDVersion is the BCD-coded USB488 specification release.
	BCDVersion uint16

	// Is4882 reports a fully IEEE-488.2 interface.
	Is4882 bool

	// AcceptsRenControl reports support for REN_CONTROL, GO_TO_LOCAL,
	// and LOCAL_LOCKOUT.
	AcceptsRenControl bool

	// AcceptsTrigger reports support for the TRIGGER bulk message.
	AcceptsTrigger bool

	// SCPI reports a device claiming SCPI command compliance.
	SCPI bool

	// SR1, RL1, DT1 are the 488.1 service request, remote/local, and
	// device trigger capability classes.
	SR1, RL1, DT1 bool
}

// Capabilities is the parsed GET_CAPABILITIES response (USBTMC Table 37
// plus the USB488 extension).  Immutable after open.
type Capabilities struct {
	// BCDVersion is the BCD-coded USBTMC specification release.
	BCDVersion uint16

	SupportsIndicatorPulse bool
	TalkOnly               bool
	ListenOnly             bool

	// AcceptsTermChar reports that REQUEST_DEV_DEP_MSG_IN may set
	// TermCharEnabled.
	AcceptsTermChar bool

	// USB488 is meaningful only for interfaces with the USB488 protocol.
	USB488 USB488Capabilities
}

const capabilitiesLen = 0x18

// GetCapabilities fetches and parses the interface capability record.
func (c *Client) GetCapabilities(timeout time.Duration) (Capabilities, error) {
	var caps Capabilities
	resp := make([]byte, capabilitiesLen)
	st, err := c.roundTrip(reqGetCapabilities, 0, resp, timeout)
	if err != nil {
		return caps, err
	}
	if st != StatusSuccess {
		return caps, fmt.Errorf("control: GET_CAPABILITIES status %v", st)
	}
	caps.BCDVersion = binary.LittleEndian.Uint16(resp[2:4])
	caps.SupportsIndicatorPulse = resp[4]&0x04 != 0
	caps.TalkOnly = resp[4]&0x02 != 0
	caps.ListenOnly = resp[4]&0x01 != 0
	caps.AcceptsTermChar = resp[5]&0x01 != 0
	caps.USB488.BCDVersion = binary.LittleEndian.Uint16(resp[12:14])
	caps.USB488.Is4882 = resp[14]&0x04 != 0
	caps.USB488.AcceptsRenControl = resp[14]&0x02 != 0
	caps.USB488.AcceptsTrigger = resp[14]&0x01 != 0
	caps.USB488.SCPI = resp[15]&0x08 != 0
	caps.USB488.SR1 = resp[15]&0x04 != 0
	caps.USB488.RL1 = resp[15]&0x02 != 0
	caps.USB488.DT1 = resp[15]&0x01 != 0
	return caps, nil
}
