/*Package transport provides the narrow USB interface the message-transfer
engine consumes, and its implementation on top of libusb-1.0 via gousb.

The engine never touches gousb types directly; it sees only the Transport
interface.  This keeps the surface small enough to substitute a scripted
mock in tests (see Mock) and isolates the rest of the module from the
binding.
*/
package transport

import (
	"errors"
	"time"
)

var (
	// ErrTimeout is generated when a transfer does not complete within its deadline.
	ErrTimeout = errors.New("usb: transfer timeout")

	// ErrNotFound is generated when no device matches the open options.
	ErrNotFound = errors.New("usb: no matching device")

	// ErrAccessDenied is generated when the OS refuses to open the device or claim the interface.
	ErrAccessDenied = errors.New("usb: access denied")

	// ErrNotUsbtmc is generated when a matched device has no USBTMC interface.
	ErrNotUsbtmc = errors.New("usb: device has no USBTMC interface")

	// ErrStalled is generated when an endpoint returns a STALL handshake.
	ErrStalled = errors.New("usb: endpoint stalled")
)

// Info describes the opened USBTMC interface.  It is immutable once the
// transport is constructed.
type Info struct {
	VID, PID uint16
	Serial   string

	// Revision is the firmware revision from bcdDevice, rendered
	// "major.minor".  Quirk entries may pin a revision pattern.
	Revision string

	Bus, Address int

	// InterfaceNumber is the bInterfaceNumber of the USBTMC interface,
	// used as wIndex in class control requests.
	InterfaceNumber int

	// USB488 reports whether the interface protocol is USB488 (0x01).
	USB488 bool

	BulkInEP  byte
	BulkOutEP byte

	// InterruptInEP is zero when the interface has no interrupt endpoint.
	InterruptInEP byte

	// MaxPacketSize is wMaxPacketSize of the bulk-in endpoint.
	MaxPacketSize int
}

// A Transport moves control and bulk transfers to one claimed USBTMC
// interface.  Implementations are not required to be concurrent safe; the
// device handle above serialises access.
type Transport interface {
	// Info returns the descriptor-derived facts about the interface.
	Info() Info

	// Control performs one control transfer on endpoint zero and returns
	// the number of bytes moved through the data stage.
	Control(rType, request uint8, val, idx uint16, data []byte, timeout time.Duration) (int, error)

	// BulkOut writes p to the bulk-out endpoint.
	BulkOut(p []byte, timeout time.Duration) (int, error)

	// BulkIn reads into p from the bulk-in endpoint.
	BulkIn(p []byte, timeout time.Duration) (int, error)

	// InterruptIn reads into p from the interrupt-in endpoint.  It fails
	// when Info().InterruptInEP is zero.
	InterruptIn(p []byte, timeout time.Duration) (int, error)

	// ClearHalt clears a halt condition on the given endpoint address.
	ClearHalt(ep byte) error

	// Reclaim releases and re-claims the interface, the heavyweight
	// recovery used when aborts fail and the quirk policy is "reopen".
	Reclaim() error

	// Reset performs a USB port reset of the device.
	Reset() error

	// Close releases the interface and all handles behind it.
	Close() error
}
