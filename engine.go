package usbtmc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.jpl.nasa.gov/bdube/usbtmc/bulk"
	"github.jpl.nasa.gov/bdube/usbtmc/quirks"
)

// nextTag hands out the next bulk bTag.  Only one transaction is live per
// handle, so the counter needs no lock of its own.
func (d *Device) nextTag() byte {
	tag := d.bTag
	d.bTag = bulk.NextTag(tag)
	return tag
}

// packet returns wMaxPacketSize of the bulk-in endpoint, with the
// high-speed bulk packet size as fallback when the descriptor did not say.
func (d *Device) packet() int {
	if mps := d.t.Info().MaxPacketSize; mps > 0 {
		return mps
	}
	return 512
}

func roundUpTo(n, m int) int {
	if r := n % m; r != 0 {
		return n + m - r
	}
	return n
}

// remainingBudget converts the operation deadline into the timeout for the
// next transfer.  Transfers never ride on a transport default.
func remainingBudget(dl time.Time) (time.Duration, error) {
	rem := time.Until(dl)
	if rem <= 0 {
		return 0, fmt.Errorf("%w: operation deadline exhausted", ErrIoTimeout)
	}
	return rem, nil
}

// runHook applies one quirk hook to the transaction in place.
func (d *Device) runHook(h quirks.Hook, txn *quirks.Transaction) error {
	if h == nil {
		return nil
	}
	res := h(d, txn)
	switch res.Action {
	case quirks.Replace:
		if res.Replacement != nil {
			*txn = *res.Replacement
		}
	case quirks.Fail:
		if res.Err != nil {
			return res.Err
		}
		return errors.New("usbtmc: quirk hook vetoed the transaction")
	}
	return nil
}

// violation wraps a cause in the protocol violation kind.  The caller
// decides when to park the handle; abort recovery runs first, the halt
// lands after.
func violation(cause error) error {
	return fmt.Errorf("%w: %v", ErrProtocolViolation, cause)
}

// writeMessage splits p into transfers of at most the quirk cap, each with
// its own header and bTag, EOM on the final one.  Returns payload bytes
// accepted by the device.
func (d *Device) writeMessage(ctx context.Context, p []byte, eom bool) (int, error) {
	dl := time.Now().Add(d.timeout)
	segMax := int(d.qk.MaxTransferSize)
	hk := d.hooks()
	written := 0
	for first := true; first || written < len(p); first = false {
		if cerr := ctx.Err(); cerr != nil {
			// cancellation between segments; nothing is in flight
			return written, fmt.Errorf("%w: %v", ErrCancelled, cerr)
		}
		seg := p[written:]
		if len(seg) > segMax {
			seg = seg[:segMax]
		}
		last := written+len(seg) == len(p)
		tag := d.nextTag()
		txn := quirks.Transaction{BTag: tag, Direction: quirks.DirOut, Payload: seg, Deadline: dl}
		if err := d.runHook(hk.BeforeWrite, &txn); err != nil {
			return written, err
		}
		seg = txn.Payload
		hdr := bulk.EncodeDevDepMsgOut(tag, uint32(len(seg)), eom && last)
		buf := make([]byte, 0, bulk.HeaderSize+bulk.PaddedSize(len(seg)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, seg...)
		buf = bulk.Pad(buf)
		rem, err := remainingBudget(dl)
		if err != nil {
			return written, d.failWrite(tag, dl, err)
		}
		debug.Printf("bulk-out tag %d, %d payload bytes, eom=%t", tag, len(seg), eom && last)
		n, werr := d.t.BulkOut(buf, rem)
		if n < len(buf) && (werr == nil || errors.Is(werr, ErrIoTimeout)) {
			// one retry of the residue before the segment is declared lost
			if rem, err = remainingBudget(dl); err != nil {
				return written, d.failWrite(tag, dl, err)
			}
			var n2 int
			n2, werr = d.t.BulkOut(buf[n:], rem)
			n += n2
		}
		if werr != nil {
			return written, d.failWrite(tag, dl, werr)
		}
		if n < len(buf) {
			err := fmt.Errorf("%w: short bulk-out, %d of %d bytes", ErrIoTimeout, n, len(buf))
			return written, d.failWrite(tag, dl, err)
		}
		written += len(seg)
		if err := d.runHook(hk.AfterWrite, &txn); err != nil {
			return written, err
		}
		if eom && last {
			if settle := d.qk.PostWriteSettle(); settle > 0 {
				time.Sleep(settle)
			}
		}
	}
	return written, nil
}

// failWrite runs OUT abort recovery and picks the error to surface: the
// recovery failure when there is one, otherwise the original cause.
func (d *Device) failWrite(tag byte, dl time.Time, cause error) error {
	if aerr := d.abortBulkOut(tag); aerr != nil {
		return aerr
	}
	return cause
}

// writeTrigger sends the bare USB488 TRIGGER header.
func (d *Device) writeTrigger() error {
	dl := time.Now().Add(d.timeout)
	tag := d.nextTag()
	hdr := bulk.EncodeTrigger(tag)
	rem, err := remainingBudget(dl)
	if err != nil {
		return err
	}
	if _, err := d.t.BulkOut(hdr[:], rem); err != nil {
		return d.failWrite(tag, dl, err)
	}
	return nil
}

// readMessage accumulates one device message, requesting at most the
// quirk cap per transaction, until EOM, the caller budget, or a quirk's
// notion of message end.
func (d *Device) readMessage(ctx context.Context, max int) ([]byte, bool, error) {
	dl := time.Now().Add(d.timeout)
	segMax := int(d.qk.MaxTransferSize)
	hk := d.hooks()
	var (
		out     []byte
		lastTag byte
	)
	for {
		if cerr := ctx.Err(); cerr != nil {
			// the last transaction completed, but the device may hold
			// reply data for it; abort so the pipe is clean
			if lastTag != 0 {
				if aerr := d.abortBulkIn(lastTag); aerr != nil {
					return out, false, aerr
				}
			}
			return out, false, fmt.Errorf("%w: %v", ErrCancelled, cerr)
		}
		budget := segMax
		if max-len(out) < budget {
			budget = max - len(out)
		}
		tag := d.nextTag()
		lastTag = tag
		txn := quirks.Transaction{BTag: tag, Direction: quirks.DirIn, MaxBytes: max, Deadline: dl}
		if err := d.runHook(hk.BeforeRead, &txn); err != nil {
			return out, false, err
		}
		var tcPtr *byte
		if d.termCharEnabled {
			tc := d.termChar
			tcPtr = &tc
		}
		hdr := bulk.EncodeRequestDevDepMsgIn(tag, uint32(budget), tcPtr)
		rem, err := remainingBudget(dl)
		if err != nil {
			return out, false, d.failRead(tag, err)
		}
		debug.Printf("request-in tag %d, budget %d bytes", tag, budget)
		if _, err := d.t.BulkOut(hdr[:], rem); err != nil {
			return out, false, d.failRead(tag, err)
		}
		h, payload, err := d.readResponse(tag, budget, dl)
		if err != nil {
			if errors.Is(err, ErrProtocolViolation) {
				ferr := d.failRead(tag, err)
				d.halt()
				return out, false, ferr
			}
			if errors.Is(err, ErrIoTimeout) {
				return out, false, d.failRead(tag, err)
			}
			return out, false, err
		}
		out = append(out, payload...)
		txn.Payload = out
		if err := d.runHook(hk.AfterRead, &txn); err != nil {
			return out, false, err
		}
		if h.EOM() {
			return out, true, nil
		}
		if d.qk.AcceptShortReadAsEOM && int(h.TransferSize) < budget {
			debug.Printf("tag %d: short transfer (%d < %d) taken as EOM by quirk", tag, h.TransferSize, budget)
			return out, true, nil
		}
		if len(out) >= max {
			return out, false, nil
		}
	}
}

// failRead runs IN abort recovery and picks the error to surface.
func (d *Device) failRead(tag byte, cause error) error {
	if aerr := d.abortBulkIn(tag); aerr != nil {
		return aerr
	}
	return cause
}

// readResponse drains one DEV_DEP_MSG_IN response: the header-bearing
// first transfer plus however many continuation transfers the announced
// TransferSize needs.  A response with the wrong bTag is discarded and
// re-read once.
func (d *Device) readResponse(tag byte, budget int, dl time.Time) (bulk.Header, []byte, error) {
	var zero bulk.Header
	tolerate := d.qk.ReadExtraAlignmentPadding
	// buffer sized to the solicited transfer, rounded up so a device that
	// pads to the packet boundary cannot overflow the transfer
	bufSize := roundUpTo(bulk.HeaderSize+budget, d.packet())
	for attempt := 0; attempt < 2; attempt++ {
		buf := make([]byte, bufSize)
		rem, err := remainingBudget(dl)
		if err != nil {
			return zero, nil, err
		}
		n, err := d.t.BulkIn(buf, rem)
		if err != nil {
			return zero, nil, err
		}
		if n < bulk.HeaderSize {
			return zero, nil, violation(fmt.Errorf("%d-byte bulk-in transfer cannot hold a header", n))
		}
		h, err := bulk.DecodeResponse(buf, tolerate)
		if err != nil {
			return zero, nil, violation(err)
		}
		if h.MsgID != bulk.DevDepMsgIn {
			return zero, nil, violation(fmt.Errorf("response MsgID %d, expected DEV_DEP_MSG_IN", h.MsgID))
		}
		if int(h.TransferSize) > budget {
			return zero, nil, violation(fmt.Errorf("TransferSize %d exceeds the %d bytes solicited", h.TransferSize, budget))
		}
		if h.BTag != tag {
			debug.Printf("bulk-in tag %d does not match request tag %d, discarding", h.BTag, tag)
			continue
		}
		payload := append([]byte(nil), buf[bulk.HeaderSize:n]...)
		for len(payload) < int(h.TransferSize) {
			// continuation transfers carry no header
			if rem, err = remainingBudget(dl); err != nil {
				return zero, nil, err
			}
			more := make([]byte, roundUpTo(int(h.TransferSize)-len(payload), d.packet()))
			n2, err := d.t.BulkIn(more, rem)
			if err != nil {
				return zero, nil, err
			}
			if n2 == 0 {
				// device stopped early; deliver what arrived
				break
			}
			payload = append(payload, more[:n2]...)
		}
		if len(payload) > int(h.TransferSize) {
			// alignment or packet-boundary padding past the payload
			payload = payload[:h.TransferSize]
		}
		return h, payload, nil
	}
	return zero, nil, violation(fmt.Errorf("bulk-in bTag mismatch persisted after retry (want %d)", tag))
}
