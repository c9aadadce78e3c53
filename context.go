package usbtmc

import (
	"sync"

	"github.com/google/gousb"
)

// The libusb context is process-wide: initialised when the first handle
// opens, torn down when the last one closes.  Reference counting happens
// under a library-wide mutex; the hot path never touches it.
var usbLib struct {
	sync.Mutex
	ctx  *gousb.Context
	refs int
}

func acquireUSBContext() *gousb.Context {
	usbLib.Lock()
	defer usbLib.Unlock()
	if usbLib.ctx == nil {
		usbLib.ctx = gousb.NewContext()
	}
	usbLib.refs++
	return usbLib.ctx
}

func releaseUSBContext() error {
	usbLib.Lock()
	defer usbLib.Unlock()
	if usbLib.refs == 0 {
		return nil
	}
	usbLib.refs--
	if usbLib.refs == 0 {
		err := usbLib.ctx.Close()
		usbLib.ctx = nil
		return err
	}
	return nil
}
