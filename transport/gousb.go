package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/gousb"
)

const (
	// USBTMC interface triple per the class specification.
	classApplication = 0xFE
	subclassUSBTMC   = 0x03
	protocolUSB488   = 0x01

	// standard request CLEAR_FEATURE with feature selector ENDPOINT_HALT,
	// directed at an endpoint.  libusb_clear_halt issues exactly this.
	reqClearFeature  = 0x01
	featEndpointHalt = 0x00
	rtEndpointOut    = 0x02

	libusbPathEnv = "LIBUSB_LIBRARY_PATH"
)

// Options selects the device Open binds to.  Zero-valued match fields are
// ignored; an all-zero Options matches the first USBTMC device on the bus.
type Options struct {
	// VID and PID restrict matching to one vendor/product when MatchVIDPID
	// is set.
	VID, PID    uint16
	MatchVIDPID bool

	// Serial restricts matching to a device with this iSerialNumber.
	Serial string

	// Bus and Address pin one physical port when MatchBusAddr is set.
	Bus, Address int
	MatchBusAddr bool

	// Timeout bounds the retries of the interface claim.
	Timeout time.Duration
}

// USB is the gousb-backed Transport.
type USB struct {
	mu sync.Mutex

	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	cfgNum, ifNum, alt int

	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
	intr *gousb.InEndpoint
	info Info
}

// tmcInterface holds the location of a USBTMC interface within a device's
// descriptor tree.
type tmcInterface struct {
	cfg, num, alt int
	usb488        bool
	bulkIn        gousb.EndpointDesc
	bulkOut       gousb.EndpointDesc
	intrIn        *gousb.EndpointDesc
}

// findTMCInterface walks the configuration descriptors for an interface
// with class 0xFE subclass 0x03 and both bulk endpoints.
func findTMCInterface(desc *gousb.DeviceDesc) (tmcInterface, error) {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class != classApplication || alt.SubClass != subclassUSBTMC {
					continue
				}
				out := tmcInterface{
					cfg:    cfg.Number,
					num:    intf.Number,
					alt:    alt.Alternate,
					usb488: alt.Protocol == protocolUSB488,
				}
				var haveIn, haveOut bool
				for _, ep := range alt.Endpoints {
					switch {
					case ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionIn:
						out.bulkIn, haveIn = ep, true
					case ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionOut:
						out.bulkOut, haveOut = ep, true
					case ep.TransferType == gousb.TransferTypeInterrupt && ep.Direction == gousb.EndpointDirectionIn:
						e := ep
						out.intrIn = &e
					}
				}
				if haveIn && haveOut {
					return out, nil
				}
			}
		}
	}
	return tmcInterface{}, ErrNotUsbtmc
}

// Open enumerates the bus, binds the first device matching o, and claims
// its USBTMC interface.
func Open(ctx *gousb.Context, o Options) (*USB, error) {
	if o.Timeout == 0 {
		o.Timeout = 3 * time.Second
	}
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if o.MatchVIDPID && (uint16(desc.Vendor) != o.VID || uint16(desc.Product) != o.PID) {
			return false
		}
		if o.MatchBusAddr && (desc.Bus != o.Bus || desc.Address != o.Address) {
			return false
		}
		return true
	})
	if err != nil && len(devs) == 0 {
		return nil, openErr(err)
	}
	var (
		picked *gousb.Device
		tmc    tmcInterface
		serial string
	)
	for _, dev := range devs {
		if picked != nil {
			dev.Close()
			continue
		}
		t, err := findTMCInterface(dev.Desc)
		if err != nil {
			dev.Close()
			continue
		}
		sn, _ := dev.SerialNumber()
		if o.Serial != "" && sn != o.Serial {
			dev.Close()
			continue
		}
		picked, tmc, serial = dev, t, sn
	}
	if picked == nil {
		if o.Serial != "" || o.MatchVIDPID || o.MatchBusAddr {
			return nil, ErrNotFound
		}
		return nil, ErrNotUsbtmc
	}
	u := &USB{
		dev:    picked,
		cfgNum: tmc.cfg,
		ifNum:  tmc.num,
		alt:    tmc.alt,
	}
	u.info = Info{
		VID:             uint16(picked.Desc.Vendor),
		PID:             uint16(picked.Desc.Product),
		Serial:          serial,
		Revision:        picked.Desc.Device.String(),
		Bus:             picked.Desc.Bus,
		Address:         picked.Desc.Address,
		InterfaceNumber: tmc.num,
		USB488:          tmc.usb488,
		BulkInEP:        byte(tmc.bulkIn.Address),
		BulkOutEP:       byte(tmc.bulkOut.Address),
		MaxPacketSize:   tmc.bulkIn.MaxPacketSize,
	}
	if tmc.intrIn != nil {
		u.info.InterruptInEP = byte(tmc.intrIn.Address)
	}
	if err := u.claim(o.Timeout); err != nil {
		picked.Close()
		return nil, err
	}
	return u, nil
}

// claim takes the interface and resolves the endpoints.  The kernel usbtmc
// module may hold the interface briefly after detach, so the claim is
// retried with backoff the way the rest of the lab stack retries first
// contact with hardware.
func (u *USB) claim(budget time.Duration) error {
	if err := u.dev.SetAutoDetach(true); err != nil {
		return fmt.Errorf("auto-detach: %w", mapErr(err))
	}
	op := func() error {
		cfg, err := u.dev.Config(u.cfgNum)
		if err != nil {
			return err
		}
		intf, err := cfg.Interface(u.ifNum, u.alt)
		if err != nil {
			cfg.Close()
			return err
		}
		u.cfg, u.intf = cfg, intf
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         500 * time.Millisecond,
		MaxElapsedTime:      budget,
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("claim interface %d: %w", u.ifNum, mapErr(err))
	}
	return u.resolveEndpoints()
}

func (u *USB) resolveEndpoints() error {
	in, err := u.intf.InEndpoint(int(u.info.BulkInEP & 0x0f))
	if err != nil {
		return mapErr(err)
	}
	out, err := u.intf.OutEndpoint(int(u.info.BulkOutEP & 0x0f))
	if err != nil {
		return mapErr(err)
	}
	u.in, u.out = in, out
	u.intr = nil
	if u.info.InterruptInEP != 0 {
		intr, err := u.intf.InEndpoint(int(u.info.InterruptInEP & 0x0f))
		if err != nil {
			return mapErr(err)
		}
		u.intr = intr
	}
	return nil
}

// Info returns the descriptor-derived facts about the interface.
func (u *USB) Info() Info {
	return u.info
}

// Control performs one control transfer on endpoint zero.
func (u *USB) Control(rType, request uint8, val, idx uint16, data []byte, timeout time.Duration) (int, error) {
	// ControlTimeout is a field on the device, not an argument; hold the
	// lock across the set and the transfer.
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dev.ControlTimeout = timeout
	n, err := u.dev.Control(rType, request, val, idx, data)
	return n, mapErr(err)
}

// BulkOut writes p to the bulk-out endpoint.
func (u *USB) BulkOut(p []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := u.out.WriteContext(ctx, p)
	return n, mapErr(err)
}

// BulkIn reads into p from the bulk-in endpoint.
func (u *USB) BulkIn(p []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := u.in.ReadContext(ctx, p)
	return n, mapErr(err)
}

// InterruptIn reads into p from the interrupt-in endpoint.
func (u *USB) InterruptIn(p []byte, timeout time.Duration) (int, error) {
	if u.intr == nil {
		return 0, fmt.Errorf("interface %d has no interrupt-in endpoint", u.ifNum)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := u.intr.ReadContext(ctx, p)
	return n, mapErr(err)
}

// ClearHalt clears a halt condition on ep via the standard CLEAR_FEATURE
// request, which is what libusb_clear_halt performs on the wire.
func (u *USB) ClearHalt(ep byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dev.ControlTimeout = time.Second
	_, err := u.dev.Control(rtEndpointOut, reqClearFeature, featEndpointHalt, uint16(ep), nil)
	return mapErr(err)
}

// Reclaim releases the interface and claims it again.
func (u *USB) Reclaim() error {
	if u.intf != nil {
		u.intf.Close()
	}
	if u.cfg != nil {
		u.cfg.Close()
	}
	u.cfg, u.intf = nil, nil
	return u.claim(3 * time.Second)
}

// Reset performs a USB port reset.  The interface must be reclaimed after.
func (u *USB) Reset() error {
	return mapErr(u.dev.Reset())
}

// Close releases the interface, configuration, and device handle.
func (u *USB) Close() error {
	if u.intf != nil {
		u.intf.Close()
	}
	if u.cfg != nil {
		u.cfg.Close()
	}
	if u.dev != nil {
		return mapErr(u.dev.Close())
	}
	return nil
}

// mapErr translates gousb errors onto the package sentinels so callers can
// test with errors.Is without importing gousb.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var ge gousb.Error
	if errors.As(err, &ge) {
		switch ge {
		case gousb.ErrorTimeout:
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		case gousb.ErrorPipe:
			return fmt.Errorf("%w: %v", ErrStalled, err)
		case gousb.ErrorAccess:
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		case gousb.ErrorNotFound, gousb.ErrorNoDevice:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// openErr decorates enumeration failures.  gousb links libusb-1.0 at build
// time, so LIBUSB_LIBRARY_PATH cannot redirect the load here; surfacing it
// in the message catches hosts configured for a dlopen-style binding.
func openErr(err error) error {
	if p := os.Getenv(libusbPathEnv); p != "" {
		return fmt.Errorf("enumerate devices (%s=%s is not consulted by the cgo binding): %w", libusbPathEnv, p, err)
	}
	return fmt.Errorf("enumerate devices: %w", err)
}
