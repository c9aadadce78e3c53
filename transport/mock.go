package transport

import (
	"time"
)

// ControlCall records one control transfer made against a Mock.
type ControlCall struct {
	RType, Request uint8
	Val, Idx       uint16

	// Data is the caller's buffer after the handler ran; for host-to-device
	// requests it is the payload that was sent.
	Data []byte
}

// Mock is a scripted Transport for tests.  Zero-value behavior: bulk-out
// transfers succeed and are logged, bulk-in transfers pop the queue loaded
// with EnqueueBulkIn (timing out when it is empty), control transfers reply
// with a single USBTMC SUCCESS status byte, and interrupt-in transfers time
// out.  Any of the On* hooks may be set to script different behavior; the
// logs record traffic either way.
type Mock struct {
	DeviceInfo Info

	OnControl     func(rType, request uint8, val, idx uint16, data []byte) (int, error)
	OnBulkOut     func(p []byte) (int, error)
	OnBulkIn      func(p []byte) (int, error)
	OnInterruptIn func(p []byte) (int, error)

	ControlLog   []ControlCall
	BulkOutLog   [][]byte
	ClearHaltLog []byte

	Reclaims int
	Resets   int
	Closed   bool

	queue [][]byte
}

// NewMock returns a Mock describing a USB488-capable interface with the
// conventional endpoint addresses.
func NewMock() *Mock {
	return &Mock{
		DeviceInfo: Info{
			VID:             0x1313,
			PID:             0x804a,
			Serial:          "M00000000",
			Revision:        "1.00",
			InterfaceNumber: 0,
			USB488:          true,
			BulkInEP:        0x81,
			BulkOutEP:       0x02,
			InterruptInEP:   0x83,
			MaxPacketSize:   512,
		},
	}
}

// EnqueueBulkIn appends one bulk-in transfer to the default read script.
func (m *Mock) EnqueueBulkIn(p []byte) {
	m.queue = append(m.queue, p)
}

// Info returns the scripted interface description.
func (m *Mock) Info() Info {
	return m.DeviceInfo
}

// Control dispatches to OnControl, or replies SUCCESS.
func (m *Mock) Control(rType, request uint8, val, idx uint16, data []byte, timeout time.Duration) (int, error) {
	var (
		n   int
		err error
	)
	if m.OnControl != nil {
		n, err = m.OnControl(rType, request, val, idx, data)
	} else {
		if len(data) > 0 && rType&0x80 != 0 {
			data[0] = 0x01
		}
		n = len(data)
	}
	call := ControlCall{RType: rType, Request: request, Val: val, Idx: idx}
	call.Data = append(call.Data, data...)
	m.ControlLog = append(m.ControlLog, call)
	return n, err
}

// BulkOut dispatches to OnBulkOut, or accepts and logs the transfer.
func (m *Mock) BulkOut(p []byte, timeout time.Duration) (int, error) {
	cp := append([]byte(nil), p...)
	m.BulkOutLog = append(m.BulkOutLog, cp)
	if m.OnBulkOut != nil {
		return m.OnBulkOut(p)
	}
	return len(p), nil
}

// BulkIn dispatches to OnBulkIn, or pops the scripted queue.
func (m *Mock) BulkIn(p []byte, timeout time.Duration) (int, error) {
	if m.OnBulkIn != nil {
		return m.OnBulkIn(p)
	}
	if len(m.queue) == 0 {
		return 0, ErrTimeout
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	return copy(p, next), nil
}

// InterruptIn dispatches to OnInterruptIn, or times out.
func (m *Mock) InterruptIn(p []byte, timeout time.Duration) (int, error) {
	if m.OnInterruptIn != nil {
		return m.OnInterruptIn(p)
	}
	return 0, ErrTimeout
}

// ClearHalt records the endpoint address.
func (m *Mock) ClearHalt(ep byte) error {
	m.ClearHaltLog = append(m.ClearHaltLog, ep)
	return nil
}

// Reclaim counts.
func (m *Mock) Reclaim() error {
	m.Reclaims++
	return nil
}

// Reset counts.
func (m *Mock) Reset() error {
	m.Resets++
	return nil
}

// Close marks the mock closed.
func (m *Mock) Close() error {
	m.Closed = true
	return nil
}
