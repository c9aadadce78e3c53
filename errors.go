package usbtmc

import (
	"errors"

	"github.jpl.nasa.gov/bdube/usbtmc/control"
	"github.jpl.nasa.gov/bdube/usbtmc/transport"
)

// The error kinds surfaced by this package.  Kinds originating in the
// transport and control layers are re-exported so callers only need
// errors.Is against this package.
var (
	// ErrNotFound is generated when no device matches the selector.
	ErrNotFound = transport.ErrNotFound

	// ErrAccessDenied is generated when the OS refuses to open the
	// device or claim the interface.
	ErrAccessDenied = transport.ErrAccessDenied

	// ErrNotUsbtmc is generated when the descriptors lack a USBTMC
	// interface.
	ErrNotUsbtmc = transport.ErrNotUsbtmc

	// ErrIoTimeout is generated when a transfer does not complete within
	// the handle timeout; abort recovery runs before it surfaces.
	ErrIoTimeout = transport.ErrTimeout

	// ErrDeviceStatusFailed is generated when a class request returns
	// FAILED.
	ErrDeviceStatusFailed = control.ErrFailed

	// ErrBusy is generated when the handle already has a live operation.
	ErrBusy = errors.New("usbtmc: handle has a live operation")

	// ErrProtocolViolation is generated on header mismatches, bTag
	// mismatches that survive the retry, and nonzero reserved bytes.
	ErrProtocolViolation = errors.New("usbtmc: protocol violation")

	// ErrHalted is generated when an operation is attempted on a halted
	// handle; Clear is the way out.
	ErrHalted = errors.New("usbtmc: handle is halted until a successful clear")

	// ErrCancelled is generated when a caller cancellation succeeds.
	ErrCancelled = errors.New("usbtmc: operation cancelled")

	// ErrUnsupported is generated when the operation needs a capability
	// the device does not advertise.
	ErrUnsupported = errors.New("usbtmc: capability not supported by device")

	// ErrClosed is generated when the handle has been closed.
	ErrClosed = errors.New("usbtmc: handle is closed")
)
