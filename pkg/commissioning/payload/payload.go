package payload

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DiscriminatorLongBits  = 12 // full discriminator, as carried in a QR code
	DiscriminatorShortBits = 4  // truncated discriminator, as carried in a manual code
)

// Discriminator is the value a commissionee advertises so a commissioner
// browsing several candidates on the network can tell which one the user
// means. A QR code carries the full 12-bit value; a manual pairing code
// only has room for its top 4 bits, so Discriminator tracks which width it
// holds and compares across widths accordingly.
type Discriminator struct {
	value   uint16
	isShort bool
}

// NewLongDiscriminator builds a full 12-bit discriminator. It panics if
// value doesn't fit in 12 bits.
func NewLongDiscriminator(value uint16) Discriminator {
	if value > 0xFFF {
		panic(fmt.Sprintf("discriminator value %d exceeds 12 bits", value))
	}
	return Discriminator{value: value, isShort: false}
}

// NewShortDiscriminator builds a truncated 4-bit discriminator. It panics
// if value doesn't fit in 4 bits.
func NewShortDiscriminator(value uint8) Discriminator {
	if value > 0xF {
		panic(fmt.Sprintf("discriminator value %d exceeds 4 bits", value))
	}
	return Discriminator{value: uint16(value), isShort: true}
}

func (d Discriminator) IsShort() bool {
	return d.isShort
}

// Long returns the full 12-bit value. It panics on a short discriminator,
// since the bits it would need were never carried.
func (d Discriminator) Long() uint16 {
	if d.isShort {
		panic("cannot get long value from short discriminator")
	}
	return d.value
}

// Short returns the 4-bit value, truncating a long discriminator to its
// top 4 bits if needed.
func (d Discriminator) Short() uint8 {
	if d.isShort {
		return uint8(d.value)
	}
	return uint8(d.value >> (DiscriminatorLongBits - DiscriminatorShortBits))
}

// Matches reports whether d identifies the same device as the full 12-bit
// value longValue, comparing only the top 4 bits when d is short.
func (d Discriminator) Matches(longValue uint16) bool {
	if d.isShort {
		shortFromLong := uint8(longValue >> (DiscriminatorLongBits - DiscriminatorShortBits))
		return uint8(d.value) == shortFromLong
	}
	return d.value == longValue
}

func (d Discriminator) String() string {
	if d.isShort {
		return fmt.Sprintf("short:%d", d.value)
	}
	return fmt.Sprintf("long:%d", d.value)
}

// DiscoveryCapabilities is the 8-bit bitmask a QR code carries to tell a
// commissioner which transports it can reach the device over.
type DiscoveryCapabilities uint8

const (
	DiscoveryCapabilitySoftAP    DiscoveryCapabilities = 1 << 0 // deprecated
	DiscoveryCapabilityBLE       DiscoveryCapabilities = 1 << 1
	DiscoveryCapabilityOnNetwork DiscoveryCapabilities = 1 << 2
	DiscoveryCapabilityWiFiPAF   DiscoveryCapabilities = 1 << 3
	DiscoveryCapabilityNFC       DiscoveryCapabilities = 1 << 4
)

// discoveryCapabilityNames pairs each flag with its display name, in bit order.
var discoveryCapabilityNames = []struct {
	flag DiscoveryCapabilities
	name string
}{
	{DiscoveryCapabilitySoftAP, "SoftAP"},
	{DiscoveryCapabilityBLE, "BLE"},
	{DiscoveryCapabilityOnNetwork, "OnNetwork"},
	{DiscoveryCapabilityWiFiPAF, "WiFiPAF"},
	{DiscoveryCapabilityNFC, "NFC"},
}

func (d DiscoveryCapabilities) Has(flag DiscoveryCapabilities) bool {
	return d&flag != 0
}

func (d DiscoveryCapabilities) String() string {
	if d == 0 {
		return "none"
	}

	var caps []string
	for _, c := range discoveryCapabilityNames {
		if d.Has(c.flag) {
			caps = append(caps, c.name)
		}
	}
	return strings.Join(caps, "|")
}

// CommissioningFlow is the hint a QR code carries for how a user must get
// the device into pairing mode.
type CommissioningFlow uint8

const (
	// CommissioningFlowStandard devices enter pairing mode on power-up
	// with no user action needed.
	CommissioningFlowStandard CommissioningFlow = 0

	// CommissioningFlowUserIntent devices require a user action, such as
	// a button press, to enter pairing mode.
	CommissioningFlowUserIntent CommissioningFlow = 1

	// CommissioningFlowCustom devices need vendor-specific steps, found
	// in the Distributed Compliance Ledger or the vendor's own docs.
	CommissioningFlowCustom CommissioningFlow = 2
)

func (c CommissioningFlow) String() string {
	switch c {
	case CommissioningFlowStandard:
		return "Standard"
	case CommissioningFlowUserIntent:
		return "UserIntent"
	case CommissioningFlowCustom:
		return "Custom"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// SetupPayload holds everything carried by a parsed onboarding payload,
// whether it came from a QR code or a manual pairing code. Fields a manual
// code can't carry (DiscoveryCapabilities, OptionalData) are left at their
// zero value with a companion Has* flag where ambiguity matters.
type SetupPayload struct {
	// Version is a 3-bit field, currently always 0.
	Version uint8

	VendorID  uint16
	ProductID uint16

	CommissioningFlow CommissioningFlow

	// DiscoveryCapabilities is only meaningful when HasDiscoveryCapabilities
	// is true; manual codes never set it.
	DiscoveryCapabilities    DiscoveryCapabilities
	HasDiscoveryCapabilities bool

	// Discriminator is 12-bit for a QR code, 4-bit for a manual code.
	Discriminator Discriminator

	// Passcode is the 27-bit setup PIN.
	Passcode uint32

	// OptionalData is the TLV data trailing a QR code's fixed fields, nil
	// when absent (always nil for a manual code).
	OptionalData *OptionalData
}

// ValidationMode picks how strictly Validate checks a payload's fields.
type ValidationMode int

const (
	// ValidationModeProduce rejects anything not explicitly allowed; use
	// it before encoding a payload you're generating yourself.
	ValidationModeProduce ValidationMode = iota

	// ValidationModeConsume tolerates reserved or future flag values, for
	// parsing payloads that may come from a newer device.
	ValidationModeConsume
)

const (
	PasscodeMin = 1
	PasscodeMax = 99999998
)

// invalidPasscodes lists the passcodes banned for being too easy to guess
// or too easy to type by accident.
var invalidPasscodes = map[uint32]bool{
	0:        true,
	11111111: true,
	22222222: true,
	33333333: true,
	44444444: true,
	55555555: true,
	66666666: true,
	77777777: true,
	88888888: true,
	99999999: true,
	12345678: true,
	87654321: true,
}

var (
	ErrInvalidVersion               = errors.New("payload: invalid version (must be 0)")
	ErrInvalidPasscode              = errors.New("payload: invalid passcode")
	ErrInvalidDiscriminator         = errors.New("payload: invalid discriminator")
	ErrInvalidCommissioningFlow     = errors.New("payload: invalid commissioning flow")
	ErrInvalidDiscoveryCapabilities = errors.New("payload: invalid discovery capabilities")
	ErrMissingDiscoveryCapabilities = errors.New("payload: QR code requires discovery capabilities")
	ErrShortDiscriminatorForQR      = errors.New("payload: QR code requires long discriminator")
)

// ValidatePasscode reports whether passcode falls in the allowed range and
// isn't one of the banned trivially guessable values.
func ValidatePasscode(passcode uint32) error {
	if passcode < PasscodeMin || passcode > PasscodeMax {
		return ErrInvalidPasscode
	}
	if invalidPasscodes[passcode] {
		return ErrInvalidPasscode
	}
	return nil
}

// Validate checks p's passcode, commissioning flow, and discovery
// capabilities (where present) against mode's strictness.
func (p *SetupPayload) Validate(mode ValidationMode) error {
	if p.Version != 0 {
		return ErrInvalidVersion
	}

	if err := ValidatePasscode(p.Passcode); err != nil {
		return err
	}

	if mode == ValidationModeProduce && p.CommissioningFlow > CommissioningFlowCustom {
		return ErrInvalidCommissioningFlow
	}

	if p.HasDiscoveryCapabilities && mode == ValidationModeProduce {
		knownBits := DiscoveryCapabilitySoftAP | DiscoveryCapabilityBLE |
			DiscoveryCapabilityOnNetwork | DiscoveryCapabilityWiFiPAF | DiscoveryCapabilityNFC
		if p.DiscoveryCapabilities & ^knownBits != 0 {
			return ErrInvalidDiscoveryCapabilities
		}
	}

	return nil
}

// IsValidQRCodePayload reports whether p satisfies Validate and also meets
// a QR code's extra requirements: discovery capabilities present and a
// full-width discriminator.
func (p *SetupPayload) IsValidQRCodePayload(mode ValidationMode) bool {
	if err := p.Validate(mode); err != nil {
		return false
	}

	if !p.HasDiscoveryCapabilities {
		return false
	}

	if p.Discriminator.IsShort() {
		return false
	}

	return true
}

// IsValidManualCode reports whether p satisfies Validate; a manual code
// has no extra requirements beyond that.
func (p *SetupPayload) IsValidManualCode(mode ValidationMode) bool {
	if err := p.Validate(mode); err != nil {
		return false
	}
	return true
}

func (p *SetupPayload) SupportsOnNetworkDiscovery() bool {
	return p.HasDiscoveryCapabilities && p.DiscoveryCapabilities.Has(DiscoveryCapabilityOnNetwork)
}

func (p *SetupPayload) SupportsBLE() bool {
	return p.HasDiscoveryCapabilities && p.DiscoveryCapabilities.Has(DiscoveryCapabilityBLE)
}
