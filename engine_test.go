package usbtmc_test

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/usbtmc"
	"github.jpl.nasa.gov/bdube/usbtmc/bulk"
	"github.jpl.nasa.gov/bdube/usbtmc/quirks"
	"github.jpl.nasa.gov/bdube/usbtmc/transport"
)

// instrument scripts a USBTMC device behind a transport.Mock: it parses
// the headers the engine emits and queues the bulk-in transfers a real
// device would send back.
type instrument struct {
	m *transport.Mock

	// reply is the message returned to read requests.
	reply    []byte
	replyPos int

	// echo loads reply from each received DEV_DEP_MSG_OUT payload.
	echo bool

	// capTransfer caps the TransferSize of each response the device
	// sends, independent of what the host solicited.
	capTransfer int

	// omitEOM suppresses the EOM bit (the S5 misbehaviour).
	omitEOM bool

	// endless answers every request with a full-budget chunk, never EOM.
	endless bool

	// silent ignores read requests entirely.
	silent bool

	// wrongTagFor responds with bTag+1 for this many responses.
	wrongTagFor int

	// splitAt delivers each response in two bulk-in transfers, the first
	// carrying the header and splitAt payload bytes.
	splitAt int
}

func newInstrument() *instrument {
	inst := &instrument{m: transport.NewMock()}
	inst.m.OnBulkOut = inst.bulkOut
	return inst
}

func (inst *instrument) bulkOut(p []byte) (int, error) {
	if len(p) < bulk.HeaderSize {
		return len(p), nil
	}
	h, err := bulk.Decode(p, true)
	if err != nil {
		return len(p), nil
	}
	switch h.MsgID {
	case bulk.DevDepMsgOut:
		if inst.echo && h.TransferSize > 0 {
			payload := p[bulk.HeaderSize : bulk.HeaderSize+int(h.TransferSize)]
			inst.reply = append(inst.reply, payload...)
		}
	case bulk.RequestDevDepMsgIn:
		if inst.silent {
			break
		}
		inst.respond(h)
	}
	return len(p), nil
}

func (inst *instrument) respond(req bulk.Header) {
	budget := int(req.TransferSize)
	n := budget
	if inst.endless {
		// infinite source, always fills the solicitation
	} else {
		if remaining := len(inst.reply) - inst.replyPos; n > remaining {
			n = remaining
		}
	}
	if inst.capTransfer > 0 && n > inst.capTransfer {
		n = inst.capTransfer
	}
	var payload []byte
	if inst.endless {
		payload = make([]byte, n)
	} else {
		payload = inst.reply[inst.replyPos : inst.replyPos+n]
		inst.replyPos += n
	}
	eom := !inst.endless && inst.replyPos == len(inst.reply) && !inst.omitEOM
	if n == 0 && !eom && budget > 0 {
		// nothing to say and no EOM to signal; a real device stays quiet
		return
	}
	tag := req.BTag
	if inst.wrongTagFor > 0 {
		tag++
		inst.wrongTagFor--
	}
	hdr := bulk.EncodeDevDepMsgOut(0x01, uint32(n), eom) // reuse layout, fix fields below
	hdr[0] = bulk.DevDepMsgIn
	hdr[1] = tag
	hdr[2] = bulk.InvertTag(tag)
	if inst.splitAt > 0 && n > inst.splitAt {
		first := bulk.Pad(append(hdr[:], payload[:inst.splitAt]...))
		inst.m.EnqueueBulkIn(first[:bulk.HeaderSize+inst.splitAt])
		inst.m.EnqueueBulkIn(bulk.Pad(append([]byte(nil), payload[inst.splitAt:]...)))
		return
	}
	inst.m.EnqueueBulkIn(bulk.Pad(append(hdr[:], payload...)))
}

// withCaps scripts GET_CAPABILITIES with the full USB488 feature set and
// SUCCESS on every other class request.
func withCaps(m *transport.Mock) {
	m.OnControl = func(rType, request uint8, val, idx uint16, data []byte) (int, error) {
		if len(data) > 0 {
			data[0] = 0x01
		}
		if request == 7 && len(data) >= 16 {
			data[4] = 0x04  // indicator pulse
			data[5] = 0x01  // TermChar
			data[14] = 0x07 // 488.2 + REN + trigger
			data[15] = 0x0f
		}
		return len(data), nil
	}
}

func newTestDevice(t *testing.T, inst *instrument, rec quirks.Record) *usbtmc.Device {
	t.Helper()
	withCaps(inst.m)
	d, err := usbtmc.NewDeviceWithQuirks(inst.m, rec)
	require.NoError(t, err)
	return d
}

// controlRequests filters the mock's control log by bRequest.
func controlRequests(m *transport.Mock, request uint8) []transport.ControlCall {
	var out []transport.ControlCall
	for _, c := range m.ControlLog {
		if c.Request == request {
			out = append(out, c)
		}
	}
	return out
}

// outMessages filters the bulk-out log by MsgID.
func outMessages(m *transport.Mock, msgID byte) [][]byte {
	var out [][]byte
	for _, b := range m.BulkOutLog {
		if len(b) >= bulk.HeaderSize && b[0] == msgID {
			out = append(out, b)
		}
	}
	return out
}

func TestIdentifyQuery(t *testing.T) {
	inst := newInstrument()
	inst.reply = []byte("Vendor,Model,Serial,Rev\n")
	d := newTestDevice(t, inst, quirks.Record{})

	n, err := d.Write([]byte("*IDN?\n"))
	require.NoError(t, err)
	require.Equal(t, 6, n)

	outs := outMessages(inst.m, bulk.DevDepMsgOut)
	require.Len(t, outs, 1)
	want, _ := hex.DecodeString("0101fe0006000000010000002a49444e3f0a0000")
	require.Equal(t, want, outs[0])

	resp, err := d.Read(64)
	require.NoError(t, err)
	require.Equal(t, inst.reply, resp)
}

func TestSplitRead(t *testing.T) {
	inst := newInstrument()
	inst.reply = make([]byte, 200)
	for i := range inst.reply {
		inst.reply[i] = byte(i)
	}
	inst.capTransfer = 64
	d := newTestDevice(t, inst, quirks.Record{})

	got, eom, err := d.ReadMessage(context.Background(), 200)
	require.NoError(t, err)
	require.True(t, eom)
	require.Equal(t, inst.reply, got)
	reqs := outMessages(inst.m, bulk.RequestDevDepMsgIn)
	require.Len(t, reqs, 4)
	// each request solicits what the caller still lacks
	for i, want := range []uint32{200, 136, 72, 8} {
		require.Equal(t, want, binary.LittleEndian.Uint32(reqs[i][4:8]))
	}
}

func TestReadTimeoutRunsAbortRecovery(t *testing.T) {
	inst := newInstrument()
	inst.silent = true
	d := newTestDevice(t, inst, quirks.Record{})
	d.SetTimeout(50 * time.Millisecond)

	_, err := d.Read(64)
	require.ErrorIs(t, err, usbtmc.ErrIoTimeout)

	initiates := controlRequests(inst.m, 3) // INITIATE_ABORT_BULK_IN
	require.Len(t, initiates, 1)
	require.EqualValues(t, 0xA2, initiates[0].RType)
	require.EqualValues(t, 0x81, initiates[0].Idx)
	require.EqualValues(t, 1, initiates[0].Val, "abort must carry the live bTag")
	require.NotEmpty(t, controlRequests(inst.m, 4))
	require.Contains(t, inst.m.ClearHaltLog, byte(0x81))
	require.Equal(t, usbtmc.StateIdle, d.State())
}

func TestBTagMismatchRetriedOnce(t *testing.T) {
	inst := newInstrument()
	inst.reply = []byte("ok\n")
	inst.wrongTagFor = 1
	d := newTestDevice(t, inst, quirks.Record{})

	// the engine discards the mismatched transfer and reads again; the
	// device must offer the real response on the next bulk-in
	inst.m.OnBulkOut = func(p []byte) (int, error) {
		n, err := inst.bulkOut(p)
		if len(p) >= 1 && p[0] == bulk.RequestDevDepMsgIn {
			// queue the corrected response behind the bad one
			h, derr := bulk.Decode(p, true)
			require.NoError(t, derr)
			if inst.replyPos == len(inst.reply) {
				inst.replyPos = 0
				inst.respond(h)
			}
		}
		return n, err
	}
	resp, err := d.Read(64)
	require.NoError(t, err)
	require.Equal(t, []byte("ok\n"), resp)
	require.Equal(t, usbtmc.StateIdle, d.State())
}

func TestBTagMismatchTwiceHalts(t *testing.T) {
	inst := newInstrument()
	inst.reply = []byte("ok\n")
	inst.wrongTagFor = 99
	d := newTestDevice(t, inst, quirks.Record{})

	// both attempts must find a (bad) transfer waiting
	inst.m.OnBulkOut = func(p []byte) (int, error) {
		n, err := inst.bulkOut(p)
		if len(p) >= 1 && p[0] == bulk.RequestDevDepMsgIn {
			h, _ := bulk.Decode(p, true)
			inst.replyPos = 0
			inst.respond(h)
		}
		return n, err
	}
	_, err := d.Read(64)
	require.ErrorIs(t, err, usbtmc.ErrProtocolViolation)
	require.Equal(t, usbtmc.StateHalted, d.State())

	// halted handles reject traffic until cleared
	_, err = d.Write([]byte("*RST\n"))
	require.ErrorIs(t, err, usbtmc.ErrHalted)
	require.NoError(t, d.Clear())
	require.Equal(t, usbtmc.StateIdle, d.State())
}

func TestShortReadQuirk(t *testing.T) {
	// quirk on: the short packet is taken as end of message
	inst := newInstrument()
	inst.reply = []byte("partial-data")
	inst.omitEOM = true
	d := newTestDevice(t, inst, quirks.Record{AcceptShortReadAsEOM: true})
	got, eom, err := d.ReadMessage(context.Background(), 64)
	require.NoError(t, err)
	require.True(t, eom)
	require.Equal(t, inst.reply, got)

	// quirk off: the engine keeps requesting, times out, and recovers
	inst = newInstrument()
	inst.reply = []byte("partial-data")
	inst.omitEOM = true
	d = newTestDevice(t, inst, quirks.Record{})
	d.SetTimeout(50 * time.Millisecond)
	_, err = d.Read(64)
	require.ErrorIs(t, err, usbtmc.ErrIoTimeout)
	require.NotEmpty(t, controlRequests(inst.m, 3))
	require.Equal(t, usbtmc.StateIdle, d.State())
}

func TestWriteSplitsAtQuirkCap(t *testing.T) {
	inst := newInstrument()
	d := newTestDevice(t, inst, quirks.Record{MaxTransferSize: 512})

	payload := make([]byte, 1300)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	n, err := d.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	outs := outMessages(inst.m, bulk.DevDepMsgOut)
	require.Len(t, outs, 3)
	var rebuilt []byte
	for i, seg := range outs {
		require.Zero(t, len(seg)%bulk.Alignment)
		h, err := bulk.Decode(seg, false)
		require.NoError(t, err)
		require.EqualValues(t, i+1, h.BTag)
		require.Equal(t, i == len(outs)-1, h.EOM())
		body := seg[bulk.HeaderSize:]
		for _, pad := range body[h.TransferSize:] {
			require.Zero(t, pad, "padding bytes must be zero")
		}
		rebuilt = append(rebuilt, body[:h.TransferSize]...)
	}
	require.Equal(t, payload, rebuilt)
}

func TestBTagSequenceWrapsSkippingZero(t *testing.T) {
	inst := newInstrument()
	d := newTestDevice(t, inst, quirks.Record{})

	for i := 0; i < 300; i++ {
		_, err := d.Write([]byte{0xAA})
		require.NoError(t, err)
	}
	outs := outMessages(inst.m, bulk.DevDepMsgOut)
	require.Len(t, outs, 300)
	want := byte(1)
	for i, seg := range outs {
		require.Equalf(t, want, seg[1], "operation %d", i)
		want = bulk.NextTag(want)
	}
}

func TestClearIsIdempotentAndResetsTags(t *testing.T) {
	inst := newInstrument()
	d := newTestDevice(t, inst, quirks.Record{})

	_, err := d.Write([]byte("*RST\n")) // consumes tag 1
	require.NoError(t, err)
	require.NoError(t, d.Clear())
	require.NoError(t, d.Clear())
	require.Equal(t, usbtmc.StateIdle, d.State())

	_, err = d.Write([]byte("*IDN?\n"))
	require.NoError(t, err)
	outs := outMessages(inst.m, bulk.DevDepMsgOut)
	require.EqualValues(t, 1, outs[len(outs)-1][1], "bTag must restart at 1 after clear")
}

func TestZeroLengthProbeRead(t *testing.T) {
	inst := newInstrument()
	inst.reply = nil
	d := newTestDevice(t, inst, quirks.Record{})

	got, eom, err := d.ReadMessage(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, eom)
	require.Empty(t, got)
	reqs := outMessages(inst.m, bulk.RequestDevDepMsgIn)
	require.Len(t, reqs, 1)
	require.Zero(t, binary.LittleEndian.Uint32(reqs[0][4:8]))
}

func TestQueryEchoRoundTrip(t *testing.T) {
	inst := newInstrument()
	inst.echo = true
	d := newTestDevice(t, inst, quirks.Record{})

	cmd := []byte("MEASURE:VOLTAGE:DC?\n")
	resp, err := d.Query(cmd, 64)
	require.NoError(t, err)
	require.Equal(t, cmd, resp)
}

func TestQueryStringKeepsTerminator(t *testing.T) {
	inst := newInstrument()
	inst.echo = true
	d := newTestDevice(t, inst, quirks.Record{})

	resp, err := d.QueryString("*IDN?")
	require.NoError(t, err)
	require.Equal(t, "*IDN?\n", resp)
}

func TestResponseSpansTransfers(t *testing.T) {
	inst := newInstrument()
	inst.reply = make([]byte, 96)
	for i := range inst.reply {
		inst.reply[i] = byte(i ^ 0x5a)
	}
	inst.splitAt = 40
	d := newTestDevice(t, inst, quirks.Record{})

	got, err := d.Read(128)
	require.NoError(t, err)
	require.Equal(t, inst.reply, got)
}

func TestCancelledReadAbortsInFlightTransaction(t *testing.T) {
	inst := newInstrument()
	inst.endless = true
	inst.capTransfer = 512
	withCaps(inst.m)

	ctx, cancel := context.WithCancel(context.Background())
	reads := 0
	rec := quirks.Record{MaxTransferSize: 512, Hooks: &quirks.Hooks{
		AfterRead: func(dev quirks.Device, txn *quirks.Transaction) quirks.HookResult {
			reads++
			if reads == 2 {
				cancel()
			}
			return quirks.ContinueResult()
		},
	}}
	d, err := usbtmc.NewDeviceWithQuirks(inst.m, rec)
	require.NoError(t, err)

	_, err = d.ReadContext(ctx, 1<<20)
	require.ErrorIs(t, err, usbtmc.ErrCancelled)
	require.NotEmpty(t, controlRequests(inst.m, 3), "cancellation must abort the bulk-in transaction")
	require.Equal(t, usbtmc.StateIdle, d.State())
}

func TestPreCancelledContext(t *testing.T) {
	inst := newInstrument()
	d := newTestDevice(t, inst, quirks.Record{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.ReadContext(ctx, 16)
	require.ErrorIs(t, err, usbtmc.ErrCancelled)
	_, err = d.WriteContext(ctx, []byte("x"))
	require.ErrorIs(t, err, usbtmc.ErrCancelled)
}

func TestConcurrentOperationRejectedBusy(t *testing.T) {
	inst := newInstrument()
	inst.silent = true
	d := newTestDevice(t, inst, quirks.Record{})
	d.SetTimeout(300 * time.Millisecond)

	started := make(chan struct{})
	done := make(chan error, 1)
	slow := inst.m.OnBulkOut
	inst.m.OnBulkOut = func(p []byte) (int, error) {
		close(started)
		inst.m.OnBulkOut = slow
		time.Sleep(100 * time.Millisecond)
		return len(p), nil
	}
	go func() {
		_, err := d.Read(16)
		done <- err
	}()
	<-started
	_, err := d.Write([]byte("nope"))
	require.ErrorIs(t, err, usbtmc.ErrBusy)
	<-done
}

func TestTrigger(t *testing.T) {
	inst := newInstrument()
	d := newTestDevice(t, inst, quirks.Record{})
	require.NoError(t, d.Trigger())
	trigs := outMessages(inst.m, bulk.Trigger488)
	require.Len(t, trigs, 1)
	require.Len(t, trigs[0], bulk.HeaderSize)

	// a device that does not advertise the capability refuses
	inst2 := newInstrument()
	inst2.m.OnControl = func(rType, request uint8, val, idx uint16, data []byte) (int, error) {
		if len(data) > 0 {
			data[0] = 0x01
		}
		return len(data), nil
	}
	d2, err := usbtmc.NewDeviceWithQuirks(inst2.m, quirks.Record{})
	require.NoError(t, err)
	require.ErrorIs(t, d2.Trigger(), usbtmc.ErrUnsupported)

	// unless the quirks record distrusts the capability bits
	inst3 := newInstrument()
	inst3.m.OnControl = inst2.m.OnControl
	d3, err := usbtmc.NewDeviceWithQuirks(inst3.m, quirks.Record{IgnoreCapabilitiesFlags: true})
	require.NoError(t, err)
	require.NoError(t, d3.Trigger())
}

func TestReadSTBPaths(t *testing.T) {
	// control path
	inst := newInstrument()
	var lastTag byte
	inst.m.OnControl = func(rType, request uint8, val, idx uint16, data []byte) (int, error) {
		if len(data) > 0 {
			data[0] = 0x01
		}
		if request == 7 && len(data) >= 16 {
			data[14] = 0x07
		}
		if request == 128 {
			lastTag = byte(val)
			data[1] = lastTag
			data[2] = 0x42
		}
		return len(data), nil
	}
	d, err := usbtmc.NewDeviceWithQuirks(inst.m, quirks.Record{ReadStatusByteVia: quirks.ViaControl})
	require.NoError(t, err)
	stb, err := d.ReadSTB()
	require.NoError(t, err)
	require.EqualValues(t, 0x42, stb)

	// interrupt path
	inst2 := newInstrument()
	inst2.m.OnControl = inst.m.OnControl
	inst2.m.OnInterruptIn = func(p []byte) (int, error) {
		p[0], p[1] = 0x80|lastTag, 0x24
		return 2, nil
	}
	d2, err := usbtmc.NewDeviceWithQuirks(inst2.m, quirks.Record{ReadStatusByteVia: quirks.ViaInterrupt})
	require.NoError(t, err)
	stb, err = d2.ReadSTB()
	require.NoError(t, err)
	require.EqualValues(t, 0x24, stb)

	// both: sources agree
	inst3 := newInstrument()
	inst3.m.OnControl = inst.m.OnControl
	inst3.m.OnInterruptIn = func(p []byte) (int, error) {
		p[0], p[1] = 0x80|lastTag, 0x42
		return 2, nil
	}
	d3, err := usbtmc.NewDeviceWithQuirks(inst3.m, quirks.Record{ReadStatusByteVia: quirks.ViaBoth})
	require.NoError(t, err)
	stb, err = d3.ReadSTB()
	require.NoError(t, err)
	require.EqualValues(t, 0x42, stb)

	// both: disagreement is a protocol violation
	inst4 := newInstrument()
	inst4.m.OnControl = inst.m.OnControl
	inst4.m.OnInterruptIn = func(p []byte) (int, error) {
		p[0], p[1] = 0x80|lastTag, 0x41
		return 2, nil
	}
	d4, err := usbtmc.NewDeviceWithQuirks(inst4.m, quirks.Record{ReadStatusByteVia: quirks.ViaBoth})
	require.NoError(t, err)
	_, err = d4.ReadSTB()
	require.ErrorIs(t, err, usbtmc.ErrProtocolViolation)
	require.Equal(t, usbtmc.StateHalted, d4.State())
}

func TestInterruptPathFallsBackWithoutEndpoint(t *testing.T) {
	inst := newInstrument()
	inst.m.DeviceInfo.InterruptInEP = 0
	var lastTag byte
	inst.m.OnControl = func(rType, request uint8, val, idx uint16, data []byte) (int, error) {
		if len(data) > 0 {
			data[0] = 0x01
		}
		if request == 128 {
			lastTag = byte(val)
			data[1] = lastTag
			data[2] = 0x33
		}
		return len(data), nil
	}
	d, err := usbtmc.NewDeviceWithQuirks(inst.m, quirks.Record{ReadStatusByteVia: quirks.ViaInterrupt})
	require.NoError(t, err)
	stb, err := d.ReadSTB()
	require.NoError(t, err)
	require.EqualValues(t, 0x33, stb)
}

func TestAbortFailurePolicies(t *testing.T) {
	failAborts := func(inst *instrument) {
		inst.m.OnControl = func(rType, request uint8, val, idx uint16, data []byte) (int, error) {
			if len(data) > 0 {
				data[0] = 0x01
			}
			if request == 3 { // INITIATE_ABORT_BULK_IN answers FAILED
				data[0] = 0x80
			}
			return len(data), nil
		}
	}

	// spec policy: surface, halt
	inst := newInstrument()
	inst.silent = true
	failAborts(inst)
	d, err := usbtmc.NewDeviceWithQuirks(inst.m, quirks.Record{})
	require.NoError(t, err)
	d.SetTimeout(50 * time.Millisecond)
	_, err = d.Read(16)
	require.Error(t, err)
	require.Equal(t, usbtmc.StateHalted, d.State())

	// clear policy: fall back to the clear sequence, surface the timeout
	inst = newInstrument()
	inst.silent = true
	failAborts(inst)
	d, err = usbtmc.NewDeviceWithQuirks(inst.m, quirks.Record{AbortRecoveryPolicy: quirks.AbortClear})
	require.NoError(t, err)
	d.SetTimeout(50 * time.Millisecond)
	_, err = d.Read(16)
	require.ErrorIs(t, err, usbtmc.ErrIoTimeout)
	require.NotEmpty(t, controlRequests(inst.m, 5), "clear policy must run INITIATE_CLEAR")
	require.Equal(t, usbtmc.StateIdle, d.State())

	// reopen policy: reclaim the interface, reset tags
	inst = newInstrument()
	inst.silent = true
	failAborts(inst)
	d, err = usbtmc.NewDeviceWithQuirks(inst.m, quirks.Record{AbortRecoveryPolicy: quirks.AbortReopen})
	require.NoError(t, err)
	d.SetTimeout(50 * time.Millisecond)
	_, err = d.Read(16)
	require.ErrorIs(t, err, usbtmc.ErrIoTimeout)
	require.Equal(t, 1, inst.m.Reclaims)
	require.Equal(t, usbtmc.StateIdle, d.State())
	inst.silent = false
	inst.reply = []byte("x")
	_, err = d.Write([]byte("*CLS\n"))
	require.NoError(t, err)
	outs := outMessages(inst.m, bulk.DevDepMsgOut)
	require.EqualValues(t, 1, outs[len(outs)-1][1], "bTag must restart at 1 after reopen")
}

func TestRequiresClearBeforeFirstIO(t *testing.T) {
	inst := newInstrument()
	withCaps(inst.m)
	_, err := usbtmc.NewDeviceWithQuirks(inst.m, quirks.Record{RequiresClearBeforeFirstIO: true})
	require.NoError(t, err)
	require.NotEmpty(t, controlRequests(inst.m, 5))
	require.NotEmpty(t, controlRequests(inst.m, 6))
}

func TestHooksReplaceAndFail(t *testing.T) {
	inst := newInstrument()
	withCaps(inst.m)
	rec := quirks.Record{Hooks: &quirks.Hooks{
		BeforeWrite: func(dev quirks.Device, txn *quirks.Transaction) quirks.HookResult {
			repl := *txn
			repl.Payload = []byte("SYST:REM\n")
			return quirks.HookResult{Action: quirks.Replace, Replacement: &repl}
		},
	}}
	d, err := usbtmc.NewDeviceWithQuirks(inst.m, rec)
	require.NoError(t, err)
	_, err = d.Write([]byte("original\n"))
	require.NoError(t, err)
	outs := outMessages(inst.m, bulk.DevDepMsgOut)
	h, _ := bulk.Decode(outs[0], false)
	require.Equal(t, []byte("SYST:REM\n"), outs[0][bulk.HeaderSize:bulk.HeaderSize+int(h.TransferSize)])

	inst2 := newInstrument()
	withCaps(inst2.m)
	rec2 := quirks.Record{Hooks: &quirks.Hooks{
		BeforeRead: func(dev quirks.Device, txn *quirks.Transaction) quirks.HookResult {
			return quirks.HookResult{Action: quirks.Fail, Err: context.DeadlineExceeded}
		},
	}}
	d2, err := usbtmc.NewDeviceWithQuirks(inst2.m, rec2)
	require.NoError(t, err)
	_, err = d2.Read(16)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPostWriteSettle(t *testing.T) {
	inst := newInstrument()
	d := newTestDevice(t, inst, quirks.Record{PostWriteSettleUS: 5000})
	start := time.Now()
	_, err := d.Write([]byte("*RST\n"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestRemoteLocalLockout(t *testing.T) {
	inst := newInstrument()
	d := newTestDevice(t, inst, quirks.Record{})
	require.NoError(t, d.Remote())
	require.NoError(t, d.Lock())
	require.NoError(t, d.Local())
	require.NoError(t, d.Unlock())
	require.NotEmpty(t, controlRequests(inst.m, 160))
	require.NotEmpty(t, controlRequests(inst.m, 161))
	require.NotEmpty(t, controlRequests(inst.m, 162))
	require.NoError(t, d.IndicatorPulse())
	require.NotEmpty(t, controlRequests(inst.m, 8))
}

func TestClosedHandleRejectsEverything(t *testing.T) {
	inst := newInstrument()
	d := newTestDevice(t, inst, quirks.Record{})
	require.NoError(t, d.Close())
	require.True(t, inst.m.Closed)
	_, err := d.Write([]byte("x"))
	require.ErrorIs(t, err, usbtmc.ErrClosed)
	_, err = d.Read(1)
	require.ErrorIs(t, err, usbtmc.ErrClosed)
	require.ErrorIs(t, d.Clear(), usbtmc.ErrClosed)
	require.NoError(t, d.Close(), "closing twice is benign")
}
