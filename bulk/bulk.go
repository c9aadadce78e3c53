/*Package bulk implements encoding and decoding of the 12-byte headers that
frame every USBTMC bulk transfer, along with the size and alignment
arithmetic that goes with them.

Every bulk transfer begins with a fixed header (USBTMC standard, Tables 1,
3, 4 and 7):

	0     MsgID
	1     bTag, 1 <= x <= 255, incrementing with each transfer
	2     bTagInverse, the bitwise inverse of bTag
	3     reserved (0x00)
	4-7   TransferSize, little-endian u32, exclusive of header and alignment
	8     bmTransferAttributes
	9     TermChar for REQUEST_DEV_DEP_MSG_IN, else reserved
	10-11 reserved

The payload after a DEV_DEP_MSG_OUT header, and after the final transfer of
a DEV_DEP_MSG_IN message, is zero-padded so the total transmission is a
multiple of 4 bytes.

The package is a pure codec; it performs no I/O.
*/
package bulk

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	// HeaderSize is the length of every USBTMC bulk header in bytes.
	HeaderSize = 12

	// Alignment is the boundary bulk payloads are padded to.
	Alignment = 4

	reserved = 0x00

	// attribute bits of bmTransferAttributes
	attrEOM             = 0x01 // DEV_DEP_MSG_OUT and DEV_DEP_MSG_IN
	attrTermCharEnabled = 0x02 // REQUEST_DEV_DEP_MSG_IN only
)

// MsgID values per USBTMC Table 2 and USB488 Table 1.
const (
	DevDepMsgOut       byte = 1
	RequestDevDepMsgIn byte = 2
	DevDepMsgIn        byte = 2
	VendorSpecificOut  byte = 126
	RequestVendorIn    byte = 127
	VendorSpecificIn   byte = 127
	Trigger488         byte = 128
)

// InvertTag computes the bitwise inversion of a bTag, carried at header
// offset 2 as a consistency check.
func InvertTag(b byte) byte {
	return b ^ 0xff
}

// NextTag returns the bTag following b.  Tags live in [1, 255]; zero is
// skipped on wraparound.
func NextTag(b byte) byte {
	b++
	if b == 0 {
		b = 1
	}
	return b
}

// PaddedSize returns n rounded up to the next multiple of Alignment.
func PaddedSize(n int) int {
	if m := n % Alignment; m > 0 {
		return n + Alignment - m
	}
	return n
}

// Pad appends zero bytes to p until its length is a multiple of Alignment.
func Pad(p []byte) []byte {
	for len(p)%Alignment != 0 {
		p = append(p, 0x00)
	}
	return p
}

// Header is a decoded USBTMC bulk header.
type Header struct {
	MsgID        byte
	BTag         byte
	TransferSize uint32
	Attributes   byte
	TermChar     byte
}

// EOM reports whether the End-Of-Message attribute bit is set.
func (h Header) EOM() bool {
	return h.Attributes&attrEOM != 0
}

// TermCharEnabled reports whether the TermCharEnabled attribute bit is set.
func (h Header) TermCharEnabled() bool {
	return h.Attributes&attrTermCharEnabled != 0
}

// String renders the header for debug traces.
func (h Header) String() string {
	var kind string
	switch h.MsgID {
	case DevDepMsgIn: // == RequestDevDepMsgIn on the wire
		kind = "dvdp"
	case DevDepMsgOut:
		kind = "dvdp-out"
	case VendorSpecificIn:
		kind = "vnsp"
	case VendorSpecificOut:
		kind = "vnsp-out"
	case Trigger488:
		kind = "trig"
	default:
		kind = fmt.Sprintf("R%03d", h.MsgID)
	}
	return fmt.Sprintf("type %s tag %3d sz %d EOM?=%s",
		kind, h.BTag, h.TransferSize, []string{"no", "yes"}[h.Attributes&attrEOM])
}

// HeaderError describes a malformed bulk header.  The raw header bytes are
// retained so the violation can be reported verbatim.
type HeaderError struct {
	Reason string
	Raw    [HeaderSize]byte
}

// Error satisfies the stdlib error interface.
func (e *HeaderError) Error() string {
	return fmt.Sprintf("malformed bulk header [%s]: %s",
		hex.EncodeToString(e.Raw[:]), e.Reason)
}

func headerErr(buf []byte, format string, a ...interface{}) *HeaderError {
	e := &HeaderError{Reason: fmt.Sprintf(format, a...)}
	copy(e.Raw[:], buf)
	return e
}

// encodeCommon fills the first four bytes and the TransferSize field shared
// by every header type.
func encodeCommon(msgID, bTag byte, size uint32) [HeaderSize]byte {
	var out [HeaderSize]byte
	out[0] = msgID
	out[1] = bTag
	out[2] = InvertTag(bTag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], size)
	return out
}

// EncodeDevDepMsgOut creates the header for a device-dependent OUT transfer
// (USBTMC Table 3).  eom marks the final transfer of the message.
func EncodeDevDepMsgOut(bTag byte, size uint32, eom bool) [HeaderSize]byte {
	out := encodeCommon(DevDepMsgOut, bTag, size)
	if eom {
		out[8] = attrEOM
	}
	return out
}

// EncodeRequestDevDepMsgIn creates the header that solicits a device
// response of at most size bytes (USBTMC Table 4).  If termChar is non-nil
// the device is asked to terminate early on that byte.
func EncodeRequestDevDepMsgIn(bTag byte, size uint32, termChar *byte) [HeaderSize]byte {
	out := encodeCommon(RequestDevDepMsgIn, bTag, size)
	if termChar != nil {
		out[8] = attrTermCharEnabled
		out[9] = *termChar
	}
	return out
}

// EncodeVendorSpecificOut creates the header for a vendor-specific OUT
// transfer (USBTMC Table 6).  Vendor headers carry no attribute bits.
func EncodeVendorSpecificOut(bTag byte, size uint32) [HeaderSize]byte {
	return encodeCommon(VendorSpecificOut, bTag, size)
}

// EncodeRequestVendorIn creates the header that solicits a vendor-specific
// device response of at most size bytes (USBTMC Table 7).
func EncodeRequestVendorIn(bTag byte, size uint32) [HeaderSize]byte {
	return encodeCommon(RequestVendorIn, bTag, size)
}

// EncodeTrigger creates the USB488 TRIGGER message header (USB488 Table 2).
// The message is a bare header; TransferSize is zero.
func EncodeTrigger(bTag byte) [HeaderSize]byte {
	return encodeCommon(Trigger488, bTag, 0)
}

// Decode validates and unpacks a bulk-IN header from the front of buf.
//
// Validation per USBTMC 3.2.2: bTagInverse must be the inversion of bTag,
// the bTag must be nonzero, and the reserved bytes must be zero.  Devices
// that scribble on the reserved bytes can be tolerated by setting
// tolerateReserved (selected by a quirk at a higher layer).  Decode does
// not compare TransferSize with the length of buf; DecodeResponse adds
// that check for headers that arrive on the bulk-in pipe.
func Decode(buf []byte, tolerateReserved bool) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, headerErr(buf, "%d bytes, need %d", len(buf), HeaderSize)
	}
	h.MsgID = buf[0]
	h.BTag = buf[1]
	h.TransferSize = binary.LittleEndian.Uint32(buf[4:8])
	h.Attributes = buf[8]
	h.TermChar = buf[9]
	if h.BTag == 0 {
		return h, headerErr(buf, "bTag is zero")
	}
	if inv := buf[2]; inv != InvertTag(h.BTag) {
		return h, headerErr(buf, "bTagInverse %#02x does not invert bTag %#02x", inv, h.BTag)
	}
	if !tolerateReserved {
		if buf[3] != 0 || buf[10] != 0 || buf[11] != 0 {
			return h, headerErr(buf, "reserved bytes nonzero")
		}
	}
	return h, nil
}

// DecodeResponse is Decode plus the response-side size check: the announced
// TransferSize may not exceed the payload space remaining in the buffer the
// transfer arrived in.
func DecodeResponse(buf []byte, tolerateReserved bool) (Header, error) {
	h, err := Decode(buf, tolerateReserved)
	if err != nil {
		return h, err
	}
	if int(h.TransferSize) > len(buf)-HeaderSize {
		return h, headerErr(buf, "TransferSize %d exceeds %d remaining buffer bytes",
			h.TransferSize, len(buf)-HeaderSize)
	}
	return h, nil
}
