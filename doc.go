/*Package usbtmc is a user-space driver for USB Test & Measurement Class
instruments, including the USB488 subclass used by SCPI-capable hardware.

The package turns high-level instrument operations (write a message, read
a message, trigger, status queries, clear) into correctly framed and
sequenced USB control and bulk transfers, reassembles device replies into
messages, and tolerates a catalogue of non-compliant device behaviours via
the quirks package.

A minimal session:

	dev, err := usbtmc.OpenResource("USB::0x1313::0x804a::M00501234::INSTR")
	if err != nil {
		log.Fatal(err)
	}
	defer dev.Close()
	id, err := dev.QueryString("*IDN?")

Device handles are safe for concurrent use from multiple goroutines in the
sense that overlapping operations on one handle are rejected with ErrBusy
rather than interleaved; distinct handles are fully independent.
*/
package usbtmc
