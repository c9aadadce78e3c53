/*Package control implements the USBTMC and USB488 class-specific control
requests: abort and clear sequencing, capability discovery, the indicator
pulse, and the 488-style status byte, remote/local, and lockout requests.

Each request is a single control transfer whose response leads with a
USBTMC_status byte.  Requests that answer PENDING are polled through their
CHECK_*_STATUS counterpart with exponential backoff, bounded by the device
handle's I/O timeout (ten times that timeout for CHECK_CLEAR_STATUS).
*/
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.jpl.nasa.gov/bdube/usbtmc/transport"
)

// bRequest codes, USBTMC Table 15 and USB488 Table 9.
const (
	reqInitiateAbortBulkOut    = 1
	reqCheckAbortBulkOutStatus = 2
	reqInitiateAbortBulkIn     = 3
	reqCheckAbortBulkInStatus  = 4
	reqInitiateClear           = 5
	reqCheckClearStatus        = 6
	reqGetCapabilities         = 7
	reqIndicatorPulse          = 8

	reqReadStatusByte = 128
	reqRenControl     = 160
	reqGoToLocal      = 161
	reqLocalLockout   = 162
)

// bmRequestType values: device-to-host, class, recipient interface or
// endpoint.
const (
	rtClassIfaceIn = 0xA1
	rtClassEpIn    = 0xA2
)

// Status is the USBTMC_status byte leading every class response.
type Status byte

// Status values, USBTMC Table 16.
const (
	StatusSuccess               Status = 0x01
	StatusPending               Status = 0x02
	StatusFailed                Status = 0x80
	StatusTransferNotInProgress Status = 0x81
	StatusSplitNotInProgress    Status = 0x82
	StatusSplitInProgress       Status = 0x83
)

// String renders the status mnemonic.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusPending:
		return "PENDING"
	case StatusFailed:
		return "FAILED"
	case StatusTransferNotInProgress:
		return "TRANSFER_NOT_IN_PROGRESS"
	case StatusSplitNotInProgress:
		return "SPLIT_NOT_IN_PROGRESS"
	case StatusSplitInProgress:
		return "SPLIT_IN_PROGRESS"
	}
	return fmt.Sprintf("STATUS_%#02x", byte(s))
}

var (
	// ErrFailed is generated when a class request returns FAILED.
	ErrFailed = errors.New("control: device returned FAILED")

	// ErrTagMismatch is generated when a status byte reply carries the
	// wrong bTag after a retry.
	ErrTagMismatch = errors.New("control: status byte reply bTag mismatch")
)

const (
	pollInitial = time.Millisecond
	pollMax     = 100 * time.Millisecond

	// clearBudgetMultiple bounds CHECK_CLEAR_STATUS polling.  The class
	// specification permits a device to answer PENDING forever; ten I/O
	// timeouts is where we call it FAILED instead of hanging.
	clearBudgetMultiple = 10
)

// Client issues class requests against one claimed USBTMC interface.
type Client struct {
	t     transport.Transport
	iface uint16

	// rsbTag cycles 2..127 per USB488 3.4.1.
	rsbTag byte
}

// NewClient returns a Client bound to t's interface.
func NewClient(t transport.Transport) *Client {
	return &Client{t: t, iface: uint16(t.Info().InterfaceNumber), rsbTag: 2}
}

// roundTrip performs one interface-recipient class request and checks the
// leading status byte.
func (c *Client) roundTrip(request uint8, val uint16, resp []byte, timeout time.Duration) (Status, error) {
	n, err := c.t.Control(rtClassIfaceIn, request, val, c.iface, resp, timeout)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("control: request %d: empty response", request)
	}
	st := Status(resp[0])
	if st == StatusFailed {
		return st, fmt.Errorf("%w (request %d)", ErrFailed, request)
	}
	return st, nil
}

// epRoundTrip is roundTrip for the endpoint-recipient abort requests.
func (c *Client) epRoundTrip(request uint8, val uint16, ep byte, resp []byte, timeout time.Duration) (Status, error) {
	n, err := c.t.Control(rtClassEpIn, request, val, uint16(ep), resp, timeout)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("control: request %d: empty response", request)
	}
	st := Status(resp[0])
	if st == StatusFailed {
		return st, fmt.Errorf("%w (request %d)", ErrFailed, request)
	}
	return st, nil
}

// InitiateAbortBulkOut asks the device to abort the OUT transfer tagged
// bTag (USBTMC 4.2.1.2).
func (c *Client) InitiateAbortBulkOut(bTag, ep byte, timeout time.Duration) (Status, error) {
	resp := make([]byte, 2)
	return c.epRoundTrip(reqInitiateAbortBulkOut, uint16(bTag), ep, resp, timeout)
}

// CheckAbortBulkOutStatus polls an in-flight OUT abort.  nbytes is the
// count of bytes the device absorbed before aborting.
func (c *Client) CheckAbortBulkOutStatus(ep byte, timeout time.Duration) (Status, uint32, error) {
	resp := make([]byte, 8)
	st, err := c.epRoundTrip(reqCheckAbortBulkOutStatus, 0, ep, resp, timeout)
	if err != nil {
		return st, 0, err
	}
	return st, binary.LittleEndian.Uint32(resp[4:8]), nil
}

// InitiateAbortBulkIn asks the device to abort the IN transfer tagged bTag
// (USBTMC 4.2.1.4).
func (c *Client) InitiateAbortBulkIn(bTag, ep byte, timeout time.Duration) (Status, error) {
	resp := make([]byte, 2)
	return c.epRoundTrip(reqInitiateAbortBulkIn, uint16(bTag), ep, resp, timeout)
}

// CheckAbortBulkInStatus polls an in-flight IN abort.  queued reports
// whether the device still has data for the host to drain.
func (c *Client) CheckAbortBulkInStatus(ep byte, timeout time.Duration) (st Status, queued bool, nbytes uint32, err error) {
	resp := make([]byte, 8)
	st, err = c.epRoundTrip(reqCheckAbortBulkInStatus, 0, ep, resp, timeout)
	if err != nil {
		return st, false, 0, err
	}
	return st, resp[1]&0x01 != 0, binary.LittleEndian.Uint32(resp[4:8]), nil
}

// InitiateClear starts the clear sequence (USBTMC 4.2.1.6).
func (c *Client) InitiateClear(timeout time.Duration) (Status, error) {
	resp := make([]byte, 1)
	return c.roundTrip(reqInitiateClear, 0, resp, timeout)
}

// CheckClearStatus polls an in-flight clear.  queued reports whether
// bulk-in data remains to be drained before the clear can complete.
func (c *Client) CheckClearStatus(timeout time.Duration) (st Status, queued bool, err error) {
	resp := make([]byte, 2)
	st, err = c.roundTrip(reqCheckClearStatus, 0, resp, timeout)
	if err != nil {
		return st, false, err
	}
	return st, resp[1]&0x01 != 0, nil
}

// IndicatorPulse blinks the device's activity indicator (USBTMC 4.2.1.9).
func (c *Client) IndicatorPulse(timeout time.Duration) error {
	resp := make([]byte, 1)
	_, err := c.roundTrip(reqIndicatorPulse, 0, resp, timeout)
	return err
}

// RenControl asserts (true) or releases (false) remote enable
// (USB488 4.2.1).
func (c *Client) RenControl(assert bool, timeout time.Duration) error {
	var val uint16
	if assert {
		val = 1
	}
	resp := make([]byte, 1)
	_, err := c.roundTrip(reqRenControl, val, resp, timeout)
	return err
}

// GoToLocal returns the device to front-panel control (USB488 4.2.2).
func (c *Client) GoToLocal(timeout time.Duration) error {
	resp := make([]byte, 1)
	_, err := c.roundTrip(reqGoToLocal, 0, resp, timeout)
	return err
}

// LocalLockout disables the front panel (USB488 4.2.3).
func (c *Client) LocalLockout(timeout time.Duration) error {
	resp := make([]byte, 1)
	_, err := c.roundTrip(reqLocalLockout, 0, resp, timeout)
	return err
}

// nextRSBTag cycles the READ_STATUS_BYTE tag through 2..127.
func (c *Client) nextRSBTag() byte {
	tag := c.rsbTag
	c.rsbTag++
	if c.rsbTag > 127 {
		c.rsbTag = 2
	}
	return tag
}

// ReadStatusByteControl reads the IEEE-488 status byte from the control
// response itself (USB488 4.3.1, non-interrupt path).
func (c *Client) ReadStatusByteControl(timeout time.Duration) (byte, error) {
	tag := c.nextRSBTag()
	resp := make([]byte, 3)
	if _, err := c.roundTrip(reqReadStatusByte, uint16(tag), resp, timeout); err != nil {
		return 0, err
	}
	if resp[1] != tag {
		return 0, fmt.Errorf("%w: sent %d, response echoes %d", ErrTagMismatch, tag, resp[1])
	}
	return resp[2], nil
}

// ReadStatusByteInterrupt issues READ_STATUS_BYTE and takes the value from
// the interrupt-in endpoint (USB488 3.4.2).  The interrupt packet carries
// 0x80|bTag in its first byte; one mismatched packet is discarded before
// the read fails.
func (c *Client) ReadStatusByteInterrupt(timeout time.Duration) (byte, error) {
	tag := c.nextRSBTag()
	resp := make([]byte, 3)
	if _, err := c.roundTrip(reqReadStatusByte, uint16(tag), resp, timeout); err != nil {
		return 0, err
	}
	buf := make([]byte, 2)
	for attempt := 0; attempt < 2; attempt++ {
		n, err := c.t.InterruptIn(buf, timeout)
		if err != nil {
			return 0, err
		}
		if n < 2 {
			return 0, fmt.Errorf("control: %d-byte interrupt packet, need 2", n)
		}
		if buf[0] == 0x80|tag {
			return buf[1], nil
		}
	}
	return 0, fmt.Errorf("%w: sent %d, interrupt packet carries %#02x", ErrTagMismatch, tag, buf[0])
}

// newPollBackoff builds the CHECK_*_STATUS poll schedule: 1 ms doubling to
// a 100 ms ceiling, spent against budget.
func newPollBackoff(budget time.Duration) *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     pollInitial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         pollMax,
		MaxElapsedTime:      budget,
		Clock:               backoff.SystemClock,
	}
}

// errStillPending drives backoff.Retry around a PENDING status.
var errStillPending = errors.New("control: still pending")

// AwaitAbortBulkOut polls CHECK_ABORT_BULK_OUT_STATUS until SUCCESS.
func (c *Client) AwaitAbortBulkOut(ep byte, budget time.Duration) error {
	op := func() error {
		st, _, err := c.CheckAbortBulkOutStatus(ep, budget)
		if err != nil {
			return backoff.Permanent(err)
		}
		switch st {
		case StatusSuccess, StatusTransferNotInProgress:
			return nil
		case StatusPending, StatusSplitInProgress:
			return errStillPending
		}
		return backoff.Permanent(fmt.Errorf("control: abort bulk-out status %v", st))
	}
	return unwrapElapsed(backoff.Retry(op, newPollBackoff(budget)))
}

// AwaitAbortBulkIn polls CHECK_ABORT_BULK_IN_STATUS until SUCCESS, calling
// drain whenever the device reports queued bulk-in data it wants read.
func (c *Client) AwaitAbortBulkIn(ep byte, budget time.Duration, drain func() error) error {
	op := func() error {
		st, queued, _, err := c.CheckAbortBulkInStatus(ep, budget)
		if err != nil {
			return backoff.Permanent(err)
		}
		if queued && drain != nil {
			if err := drain(); err != nil {
				return backoff.Permanent(err)
			}
		}
		switch st {
		case StatusSuccess, StatusTransferNotInProgress:
			return nil
		case StatusPending, StatusSplitInProgress:
			return errStillPending
		}
		return backoff.Permanent(fmt.Errorf("control: abort bulk-in status %v", st))
	}
	return unwrapElapsed(backoff.Retry(op, newPollBackoff(budget)))
}

// AwaitClear polls CHECK_CLEAR_STATUS until SUCCESS, draining queued
// bulk-in data between polls.  The budget is clearBudgetMultiple times the
// handle timeout; exhausting it degrades the PENDING answer to ErrFailed.
func (c *Client) AwaitClear(timeout time.Duration, drain func() error) error {
	op := func() error {
		st, queued, err := c.CheckClearStatus(timeout)
		if err != nil {
			return backoff.Permanent(err)
		}
		if queued && drain != nil {
			if err := drain(); err != nil {
				return backoff.Permanent(err)
			}
		}
		if st == StatusSuccess {
			return nil
		}
		return errStillPending
	}
	err := backoff.Retry(op, newPollBackoff(clearBudgetMultiple*timeout))
	if errors.Is(err, errStillPending) {
		return fmt.Errorf("%w: CHECK_CLEAR_STATUS pending after %v", ErrFailed, clearBudgetMultiple*timeout)
	}
	return unwrapElapsed(err)
}

// unwrapElapsed strips the errStillPending wrapper backoff returns when
// the budget runs out with the device still answering PENDING.
func unwrapElapsed(err error) error {
	if errors.Is(err, errStillPending) {
		return fmt.Errorf("%w: status still PENDING at budget exhaustion", ErrFailed)
	}
	return err
}
