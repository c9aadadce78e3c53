package usbtmc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.jpl.nasa.gov/bdube/usbtmc/control"
	"github.jpl.nasa.gov/bdube/usbtmc/quirks"
	"github.jpl.nasa.gov/bdube/usbtmc/transport"
)

const (
	// DefaultTimeout is the logical I/O timeout a fresh handle carries.
	DefaultTimeout = 3 * time.Second

	// queryReadSize is the read budget QueryString uses; large enough for
	// any ASCII reply an instrument sends in one message.
	queryReadSize = 4096
)

// Device is one opened USBTMC interface.  All operations are serialised
// through the handle; overlapping calls from other goroutines fail with
// ErrBusy rather than interleave.
type Device struct {
	// mu guards state transitions and timeout; bulk transfers run under
	// a state claim, not the mutex, so control of the handle can be
	// observed (and refused) while a transfer is in flight.
	mu sync.Mutex

	t   transport.Transport
	ctl *control.Client

	caps control.Capabilities
	qk   quirks.Record

	state State
	bTag  byte

	timeout time.Duration

	termChar        byte
	termCharEnabled bool

	// sharedCtx marks handles opened through the package-level Open
	// functions, which hold a reference on the process libusb context.
	sharedCtx bool
}

// NewDevice wraps an already-opened transport in a device handle,
// consulting the quirks registry for the device's overrides.  Most callers
// want Open or OpenResource instead; this entry point exists for custom
// transports.
func NewDevice(t transport.Transport) (*Device, error) {
	info := t.Info()
	return NewDeviceWithQuirks(t, quirks.Lookup(info.VID, info.PID, info.Revision))
}

// NewDeviceWithQuirks is NewDevice with an explicit override record,
// bypassing the registry.  The record is normalised before use.
func NewDeviceWithQuirks(t transport.Transport, rec quirks.Record) (*Device, error) {
	d := &Device{
		t:       t,
		ctl:     control.NewClient(t),
		qk:      rec.Normalize(),
		state:   StateClosed,
		bTag:    1,
		timeout: DefaultTimeout,
	}
	hk := d.hooks()
	if hk.PreOpen != nil {
		if err := hk.PreOpen(d); err != nil {
			return nil, fmt.Errorf("pre-open hook: %w", err)
		}
	}
	caps, err := d.ctl.GetCapabilities(d.timeout)
	if err != nil {
		if !d.qk.IgnoreCapabilitiesFlags {
			return nil, fmt.Errorf("get capabilities: %w", err)
		}
		caps = control.Capabilities{}
	}
	d.caps = caps
	d.state = StateIdle
	if d.qk.RequiresClearBeforeFirstIO {
		if err := d.Clear(); err != nil {
			return nil, fmt.Errorf("clear before first io: %w", err)
		}
	}
	if hk.PostOpen != nil {
		if err := hk.PostOpen(d); err != nil {
			return nil, fmt.Errorf("post-open hook: %w", err)
		}
	}
	return d, nil
}

// Open binds the first device matching sel and claims its USBTMC
// interface.
func Open(sel Selector) (*Device, error) {
	ctx := acquireUSBContext()
	t, err := transport.Open(ctx, transport.Options{
		VID:          sel.VID,
		PID:          sel.PID,
		MatchVIDPID:  sel.MatchVIDPID,
		Serial:       sel.Serial,
		Bus:          sel.Bus,
		Address:      sel.Address,
		MatchBusAddr: sel.MatchBusAddr,
	})
	if err != nil {
		releaseUSBContext()
		return nil, err
	}
	d, err := NewDevice(t)
	if err != nil {
		t.Close()
		releaseUSBContext()
		return nil, err
	}
	d.sharedCtx = true
	return d, nil
}

// OpenResource opens a device by VISA resource string, e.g.
// "USB::0x1313::0x804a::M00501234::INSTR".
func OpenResource(address string) (*Device, error) {
	sel, err := ParseResource(address)
	if err != nil {
		return nil, err
	}
	return Open(sel)
}

// OpenVIDPID opens the first device with the given vendor and product id.
func OpenVIDPID(vid, pid uint16) (*Device, error) {
	return Open(Selector{VID: vid, PID: pid, MatchVIDPID: true})
}

// Close releases the interface and, for handles opened through Open, the
// reference on the process libusb context.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		return nil
	}
	d.state = StateClosed
	d.mu.Unlock()
	err := d.t.Close()
	if d.sharedCtx {
		if cerr := releaseUSBContext(); err == nil {
			err = cerr
		}
	}
	return err
}

// VID returns the vendor id of the opened device.
func (d *Device) VID() uint16 { return d.t.Info().VID }

// PID returns the product id of the opened device.
func (d *Device) PID() uint16 { return d.t.Info().PID }

// Serial returns the serial number of the opened device.
func (d *Device) Serial() string { return d.t.Info().Serial }

// Info returns the descriptor-derived facts about the interface.
func (d *Device) Info() transport.Info { return d.t.Info() }

// Capabilities returns the parsed GET_CAPABILITIES record.
func (d *Device) Capabilities() control.Capabilities { return d.caps }

// Quirks returns the override record frozen into the handle at open.
func (d *Device) Quirks() quirks.Record { return d.qk }

// State returns the handle's lifecycle position.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SetTimeout sets the logical I/O timeout applied to each operation.
func (d *Device) SetTimeout(t time.Duration) {
	d.mu.Lock()
	d.timeout = t
	d.mu.Unlock()
}

// Timeout returns the handle's logical I/O timeout.
func (d *Device) Timeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeout
}

// SetTermChar asks the device to terminate reads early on c.  The device
// must advertise TermChar support.
func (d *Device) SetTermChar(c byte) error {
	if !d.caps.AcceptsTermChar && !d.qk.IgnoreCapabilitiesFlags {
		return fmt.Errorf("%w: device does not accept TermChar", ErrUnsupported)
	}
	d.mu.Lock()
	d.termChar, d.termCharEnabled = c, true
	d.mu.Unlock()
	return nil
}

// DisableTermChar stops requesting early termination on reads.
func (d *Device) DisableTermChar() {
	d.mu.Lock()
	d.termCharEnabled = false
	d.mu.Unlock()
}

// hooks returns the handle's hook vector, empty when the record has none.
func (d *Device) hooks() quirks.Hooks {
	if d.qk.Hooks != nil {
		return *d.qk.Hooks
	}
	return quirks.Hooks{}
}

// begin claims the handle for a bulk operation.
func (d *Device) begin(s State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateIdle:
	case StateClosed:
		return ErrClosed
	case StateHalted:
		return ErrHalted
	default:
		return ErrBusy
	}
	d.state = s
	return nil
}

// end releases the claim, preserving a halt recorded during the operation.
func (d *Device) end() {
	d.mu.Lock()
	if d.state != StateHalted && d.state != StateClosed {
		d.state = StateIdle
	}
	d.mu.Unlock()
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// halt parks the handle until a successful clear.
func (d *Device) halt() {
	d.setState(StateHalted)
}

// controlOp runs a control-only request under the handle mutex.  The
// request still observes the busy states: a control request mid-transfer
// could disturb the transaction it reports on.
func (d *Device) controlOp(f func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateIdle:
	case StateClosed:
		return ErrClosed
	case StateHalted:
		return ErrHalted
	default:
		return ErrBusy
	}
	return f()
}

// Write sends one complete message (EOM on the final segment) and returns
// the number of payload bytes written.
func (d *Device) Write(p []byte) (int, error) {
	return d.WriteContext(context.Background(), p)
}

// WriteContext is Write with cancellation, honoured at segment boundaries.
func (d *Device) WriteContext(ctx context.Context, p []byte) (int, error) {
	if err := d.begin(StateWriting); err != nil {
		return 0, err
	}
	defer d.end()
	return d.writeMessage(ctx, p, true)
}

// Read reads one message from the device, up to max bytes.
func (d *Device) Read(max int) ([]byte, error) {
	b, _, err := d.ReadMessage(context.Background(), max)
	return b, err
}

// ReadContext is Read with cancellation.  Cancellation is honoured at
// transfer boundaries by aborting the in-flight bulk-in transaction.
func (d *Device) ReadContext(ctx context.Context, max int) ([]byte, error) {
	b, _, err := d.ReadMessage(ctx, max)
	return b, err
}

// ReadMessage reads up to max bytes and additionally reports whether the
// device marked end of message.  A max of zero performs the zero-length
// probe read: a single request with TransferSize 0.
func (d *Device) ReadMessage(ctx context.Context, max int) ([]byte, bool, error) {
	if err := d.begin(StateReading); err != nil {
		return nil, false, err
	}
	defer d.end()
	return d.readMessage(ctx, max)
}

// Query writes cmd and reads a reply of up to max bytes, holding the
// handle claim across both halves.
func (d *Device) Query(cmd []byte, max int) ([]byte, error) {
	return d.QueryContext(context.Background(), cmd, max)
}

// QueryContext is Query with cancellation.
func (d *Device) QueryContext(ctx context.Context, cmd []byte, max int) ([]byte, error) {
	if err := d.begin(StateWriting); err != nil {
		return nil, err
	}
	defer d.end()
	if _, err := d.writeMessage(ctx, cmd, true); err != nil {
		return nil, err
	}
	d.setState(StateReading)
	b, _, err := d.readMessage(ctx, max)
	return b, err
}

// WriteString writes a string.  No terminator is appended.
func (d *Device) WriteString(s string) (int, error) {
	return d.Write([]byte(s))
}

// Command sends an ASCII command with a newline appended, printf-style.
func (d *Device) Command(format string, a ...interface{}) error {
	cmd := format
	if a != nil {
		cmd = fmt.Sprintf(format, a...)
	}
	_, err := d.WriteString(strings.TrimSpace(cmd) + "\n")
	return err
}

// QueryString sends an ASCII command with a newline appended and returns
// the reply as a string, terminator intact.
func (d *Device) QueryString(cmd string) (string, error) {
	resp, err := d.Query([]byte(strings.TrimSpace(cmd)+"\n"), queryReadSize)
	return string(resp), err
}

// Trigger sends the USB488 TRIGGER bulk message.
func (d *Device) Trigger() error {
	if !d.t.Info().USB488 {
		return fmt.Errorf("%w: not a USB488 interface", ErrUnsupported)
	}
	if !d.caps.USB488.AcceptsTrigger && !d.qk.IgnoreCapabilitiesFlags {
		return fmt.Errorf("%w: device does not accept TRIGGER", ErrUnsupported)
	}
	if err := d.begin(StateWriting); err != nil {
		return err
	}
	defer d.end()
	return d.writeTrigger()
}

// ReadSTB reads the IEEE-488 status byte over the path the quirks record
// selects.
func (d *Device) ReadSTB() (byte, error) {
	if !d.t.Info().USB488 {
		return 0, fmt.Errorf("%w: not a USB488 interface", ErrUnsupported)
	}
	var stb byte
	err := d.controlOp(func() error {
		var err error
		stb, err = d.readSTB()
		if errors.Is(err, control.ErrTagMismatch) {
			err = violation(err)
		}
		return err
	})
	return stb, err
}

func (d *Device) readSTB() (byte, error) {
	via := d.qk.ReadStatusByteVia
	if via == quirks.ViaInterrupt && d.t.Info().InterruptInEP == 0 {
		// no interrupt endpoint to listen on; the control path always exists
		via = quirks.ViaControl
	}
	switch via {
	case quirks.ViaControl:
		return d.ctl.ReadStatusByteControl(d.timeout)
	case quirks.ViaBoth:
		a, err := d.ctl.ReadStatusByteInterrupt(d.timeout)
		if err != nil {
			return 0, err
		}
		b, err := d.ctl.ReadStatusByteControl(d.timeout)
		if err != nil {
			return 0, err
		}
		if a != b {
			d.state = StateHalted // mu is held by controlOp
			return 0, fmt.Errorf("%w: interrupt STB %#02x disagrees with control STB %#02x",
				ErrProtocolViolation, a, b)
		}
		return a, nil
	default:
		return d.ctl.ReadStatusByteInterrupt(d.timeout)
	}
}

// Clear runs the INITIATE_CLEAR sequence, the only operation legal on a
// halted handle.  A successful clear resets the bTag counter to 1 and
// returns the handle to idle.
func (d *Device) Clear() error {
	d.mu.Lock()
	switch d.state {
	case StateIdle, StateHalted:
	case StateClosed:
		d.mu.Unlock()
		return ErrClosed
	default:
		d.mu.Unlock()
		return ErrBusy
	}
	d.state = StateClearing
	d.mu.Unlock()
	err := d.clearSequence()
	d.mu.Lock()
	if err != nil {
		d.state = StateHalted
	} else {
		d.state = StateIdle
	}
	d.mu.Unlock()
	return err
}

// Remote asserts remote enable (USB488 REN_CONTROL).
func (d *Device) Remote() error {
	if err := d.renGate(); err != nil {
		return err
	}
	return d.controlOp(func() error { return d.ctl.RenControl(true, d.timeout) })
}

// Local returns the device to front-panel control (GO_TO_LOCAL).
func (d *Device) Local() error {
	if err := d.renGate(); err != nil {
		return err
	}
	return d.controlOp(func() error { return d.ctl.GoToLocal(d.timeout) })
}

// Lock disables the front panel (LOCAL_LOCKOUT).
func (d *Device) Lock() error {
	if err := d.renGate(); err != nil {
		return err
	}
	return d.controlOp(func() error { return d.ctl.LocalLockout(d.timeout) })
}

// Unlock releases remote enable, which also clears a local lockout.
func (d *Device) Unlock() error {
	if err := d.renGate(); err != nil {
		return err
	}
	return d.controlOp(func() error { return d.ctl.RenControl(false, d.timeout) })
}

func (d *Device) renGate() error {
	if !d.t.Info().USB488 {
		return fmt.Errorf("%w: not a USB488 interface", ErrUnsupported)
	}
	if !d.caps.USB488.AcceptsRenControl && !d.qk.IgnoreCapabilitiesFlags {
		return fmt.Errorf("%w: device does not accept REN_CONTROL", ErrUnsupported)
	}
	return nil
}

// IndicatorPulse blinks the device's activity indicator.
func (d *Device) IndicatorPulse() error {
	if !d.caps.SupportsIndicatorPulse && !d.qk.IgnoreCapabilitiesFlags {
		return fmt.Errorf("%w: device has no indicator", ErrUnsupported)
	}
	return d.controlOp(func() error { return d.ctl.IndicatorPulse(d.timeout) })
}
