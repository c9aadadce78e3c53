/*Package quirks catalogues the ways specific USBTMC devices deviate from
the standard, and selects the behavioural overrides the transfer engine
applies for them.

Behaviour differences are data, not code paths: a Record is a bag of
enumerated fields the engine reads, plus an optional vector of hooks for
the handful of devices whose misbehaviour cannot be expressed as a flag.
Records are merged over the defaults at open time and frozen into the
device handle; the registry is never consulted again for that handle.
*/
package quirks

import (
	"fmt"
	"time"
)

// AbortPolicy selects what the engine does when INITIATE_ABORT fails.
type AbortPolicy string

// AbortPolicy values.
const (
	// AbortSpec surfaces the error and parks the handle in the halted
	// state, the only behaviour the standard sanctions.
	AbortSpec AbortPolicy = "spec"

	// AbortClear issues a full INITIATE_CLEAR sequence instead.
	AbortClear AbortPolicy = "clear"

	// AbortReopen releases and re-claims the interface and resets the
	// bTag counter.
	AbortReopen AbortPolicy = "reopen"
)

// StatusByteVia selects the path a USB488 status byte read takes.
type StatusByteVia string

// StatusByteVia values.
const (
	// ViaInterrupt reads the STB from the interrupt-in endpoint after
	// the READ_STATUS_BYTE control request, per USB488 3.4.2.
	ViaInterrupt StatusByteVia = "interrupt"

	// ViaControl takes the STB from the control response itself.
	ViaControl StatusByteVia = "control"

	// ViaBoth reads both and requires them to agree.
	ViaBoth StatusByteVia = "both"
)

// Record is the set of per-device overrides.  The zero value of each field
// means "use the default"; Normalize resolves the enums and bounds.
type Record struct {
	// ReadExtraAlignmentPadding tolerates devices that pad bulk-in
	// transfers beyond the standard 4-byte alignment (some pad to
	// wMaxPacketSize) and, with it, nonzero reserved header bytes.
	ReadExtraAlignmentPadding bool `yaml:"read_extra_alignment_padding"`

	// IgnoreCapabilitiesFlags treats the GET_CAPABILITIES response as
	// unreliable; operations gated on capability bits are attempted
	// regardless.
	IgnoreCapabilitiesFlags bool `yaml:"ignore_capabilities_flags"`

	// AcceptShortReadAsEOM treats a short bulk-in packet as end of
	// message for devices that omit the EOM bit on the final transfer.
	AcceptShortReadAsEOM bool `yaml:"accept_short_read_as_eom"`

	// RequiresClearBeforeFirstIO runs an INITIATE_CLEAR sequence at open
	// for devices that ship in an unusable state.
	RequiresClearBeforeFirstIO bool `yaml:"requires_clear_before_first_io"`

	// AbortRecoveryPolicy is applied when INITIATE_ABORT fails.
	AbortRecoveryPolicy AbortPolicy `yaml:"abort_recovery_policy"`

	// ReadStatusByteVia selects the USB488 status byte path.
	ReadStatusByteVia StatusByteVia `yaml:"read_status_byte_via"`

	// MaxTransferSize caps the TransferSize field of a single bulk
	// transfer.  Logical messages larger than this are split.
	MaxTransferSize uint32 `yaml:"max_transfer_size"`

	// PostWriteSettleUS is a mandatory delay, in microseconds, after a
	// write whose final segment carried EOM.
	PostWriteSettleUS int `yaml:"post_write_settle_us"`

	// Hooks is the optional per-device override vector.  It cannot be
	// expressed in a data file; populate it from Register calls.
	Hooks *Hooks `yaml:"-"`
}

const (
	// DefaultMaxTransferSize is the TransferSize cap when no quirk sets one.
	DefaultMaxTransferSize = 1 << 20

	// MinTransferSize is the floor any configured cap is clamped to.
	MinTransferSize = 512
)

// Defaults returns the Record for a fully standard-compliant device.
func Defaults() Record {
	return Record{
		AbortRecoveryPolicy: AbortSpec,
		ReadStatusByteVia:   ViaInterrupt,
		MaxTransferSize:     DefaultMaxTransferSize,
	}
}

// Normalize resolves zero-valued enum and size fields to their defaults
// and clamps the transfer cap.  It is called once, at open time.
func (r Record) Normalize() Record {
	if r.AbortRecoveryPolicy == "" {
		r.AbortRecoveryPolicy = AbortSpec
	}
	if r.ReadStatusByteVia == "" {
		r.ReadStatusByteVia = ViaInterrupt
	}
	if r.MaxTransferSize == 0 {
		r.MaxTransferSize = DefaultMaxTransferSize
	}
	if r.MaxTransferSize < MinTransferSize {
		r.MaxTransferSize = MinTransferSize
	}
	// TransferSize caps must keep segment payloads aligned
	r.MaxTransferSize -= r.MaxTransferSize % 4
	return r
}

// Validate rejects unknown enum values; data files are the usual source.
func (r Record) Validate() error {
	switch r.AbortRecoveryPolicy {
	case "", AbortSpec, AbortClear, AbortReopen:
	default:
		return fmt.Errorf("unknown abort_recovery_policy %q", r.AbortRecoveryPolicy)
	}
	switch r.ReadStatusByteVia {
	case "", ViaInterrupt, ViaControl, ViaBoth:
	default:
		return fmt.Errorf("unknown read_status_byte_via %q", r.ReadStatusByteVia)
	}
	if r.PostWriteSettleUS < 0 {
		return fmt.Errorf("negative post_write_settle_us %d", r.PostWriteSettleUS)
	}
	return nil
}

// PostWriteSettle returns the settle delay as a duration.
func (r Record) PostWriteSettle() time.Duration {
	return time.Duration(r.PostWriteSettleUS) * time.Microsecond
}
