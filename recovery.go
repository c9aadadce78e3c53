package usbtmc

import (
	"fmt"
	"time"

	"github.jpl.nasa.gov/bdube/usbtmc/control"
	"github.jpl.nasa.gov/bdube/usbtmc/quirks"
)

// abortBulkIn runs the IN-side abort sequence for the transaction tagged
// tag: INITIATE_ABORT_BULK_IN, poll to SUCCESS, clear the endpoint halt.
// A nil return means the pipe is usable again and the original failure
// should surface; a non-nil return supersedes it.
func (d *Device) abortBulkIn(tag byte) error {
	d.setState(StateAborting)
	hk := d.hooks()
	if hk.AbortOverride != nil {
		txn := quirks.Transaction{BTag: tag, Direction: quirks.DirIn}
		res := hk.AbortOverride(d, &txn)
		switch res.Action {
		case quirks.Fail:
			d.halt()
			return res.Err
		case quirks.Replace:
			// the hook performed its own recovery
			return nil
		}
	}
	ep := d.t.Info().BulkInEP
	debug.Printf("abort bulk-in, tag %d", tag)
	st, err := d.ctl.InitiateAbortBulkIn(tag, ep, d.timeout)
	if err != nil {
		return d.applyAbortPolicy(err)
	}
	switch st {
	case control.StatusSuccess, control.StatusPending:
		if err := d.ctl.AwaitAbortBulkIn(ep, d.timeout, d.drainBulkIn); err != nil {
			return d.applyAbortPolicy(err)
		}
		if err := d.t.ClearHalt(ep); err != nil {
			return d.applyAbortPolicy(err)
		}
	case control.StatusTransferNotInProgress:
		// nothing in flight on the device side; already clean
	default:
		return d.applyAbortPolicy(fmt.Errorf("INITIATE_ABORT_BULK_IN status %v", st))
	}
	return nil
}

// abortBulkOut is the OUT-side counterpart of abortBulkIn.
func (d *Device) abortBulkOut(tag byte) error {
	d.setState(StateAborting)
	hk := d.hooks()
	if hk.AbortOverride != nil {
		txn := quirks.Transaction{BTag: tag, Direction: quirks.DirOut}
		res := hk.AbortOverride(d, &txn)
		switch res.Action {
		case quirks.Fail:
			d.halt()
			return res.Err
		case quirks.Replace:
			return nil
		}
	}
	ep := d.t.Info().BulkOutEP
	debug.Printf("abort bulk-out, tag %d", tag)
	st, err := d.ctl.InitiateAbortBulkOut(tag, ep, d.timeout)
	if err != nil {
		return d.applyAbortPolicy(err)
	}
	switch st {
	case control.StatusSuccess, control.StatusPending:
		if err := d.ctl.AwaitAbortBulkOut(ep, d.timeout); err != nil {
			return d.applyAbortPolicy(err)
		}
		if err := d.t.ClearHalt(ep); err != nil {
			return d.applyAbortPolicy(err)
		}
	case control.StatusTransferNotInProgress:
	default:
		return d.applyAbortPolicy(fmt.Errorf("INITIATE_ABORT_BULK_OUT status %v", st))
	}
	return nil
}

// applyAbortPolicy reacts to a failed abort sequence per the quirks
// record.  The spec policy surfaces the failure and parks the handle; the
// clear and reopen policies attempt heavier recovery and, when that works,
// let the original error surface with a usable handle.
func (d *Device) applyAbortPolicy(cause error) error {
	switch d.qk.AbortRecoveryPolicy {
	case quirks.AbortClear:
		debug.Printf("abort failed (%v), quirk policy: clear", cause)
		if err := d.clearSequence(); err != nil {
			d.halt()
			return fmt.Errorf("abort and fallback clear both failed: %v; clear: %w", cause, err)
		}
		return nil
	case quirks.AbortReopen:
		debug.Printf("abort failed (%v), quirk policy: reopen", cause)
		if err := d.t.Reclaim(); err != nil {
			d.halt()
			return fmt.Errorf("abort failed: %v; reclaim: %w", cause, err)
		}
		d.bTag = 1
		return nil
	default:
		d.halt()
		return fmt.Errorf("abort recovery failed, handle halted: %w", cause)
	}
}

// clearSequence is the full INITIATE_CLEAR procedure: poll to SUCCESS,
// drain queued bulk-in data, clear both endpoint halts, and reset the
// bTag counter.  State is the caller's business.
func (d *Device) clearSequence() error {
	debug.Print("initiate clear")
	st, err := d.ctl.InitiateClear(d.timeout)
	if err != nil {
		return err
	}
	if st != control.StatusSuccess && st != control.StatusPending {
		return fmt.Errorf("INITIATE_CLEAR status %v", st)
	}
	if err := d.ctl.AwaitClear(d.timeout, d.drainBulkIn); err != nil {
		return err
	}
	info := d.t.Info()
	if err := d.t.ClearHalt(info.BulkOutEP); err != nil {
		return err
	}
	if err := d.t.ClearHalt(info.BulkInEP); err != nil {
		return err
	}
	d.bTag = 1
	return nil
}

const (
	drainChunkTimeout = 100 * time.Millisecond
	drainMaxChunks    = 64
)

// drainBulkIn discards whatever reply data the device still holds.  It is
// called between status polls during aborts and clears, when the device
// refuses to finish until the host reads it out.
func (d *Device) drainBulkIn() error {
	buf := make([]byte, d.packet())
	for i := 0; i < drainMaxChunks; i++ {
		n, err := d.t.BulkIn(buf, drainChunkTimeout)
		if err != nil || n < len(buf) {
			// a timeout or short transfer both mean the device is empty
			return nil
		}
	}
	return nil
}
