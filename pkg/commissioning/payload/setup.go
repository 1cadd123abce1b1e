package payload

import (
	"crypto/rand"
	"errors"
)

// PBKDF2 iteration count and salt length bounds a PASE verifier's
// parameters must fall within, whether defaulted or carried in a QR code.
const (
	PBKDFMinIterations     = 1000
	PBKDFMaxIterations     = 100000
	PBKDFDefaultIterations = 1000
	PBKDFMinSaltLength     = 16
	PBKDFMaxSaltLength     = 32
)

var (
	ErrInvalidIterations = errors.New("setup: invalid PBKDF iterations (must be 1000-100000)")
	ErrInvalidSalt       = errors.New("setup: invalid salt length (must be 16-32 bytes)")
)

// PBKDFParams holds the iteration count and salt a PASE handshake needs to
// derive its verifier.
type PBKDFParams struct {
	Iterations uint32
	Salt       []byte
}

// DefaultPBKDFParams builds PBKDF parameters with the default iteration
// count and a freshly generated random salt, for payloads that don't carry
// their own.
func DefaultPBKDFParams() (*PBKDFParams, error) {
	salt := make([]byte, PBKDFMinSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return &PBKDFParams{
		Iterations: PBKDFDefaultIterations,
		Salt:       salt,
	}, nil
}

// ExtractPBKDFParams builds PBKDF parameters for payload, taking the
// iteration count and salt from its optional TLV data where present and
// falling back to DefaultPBKDFParams otherwise. A QR code's optional data
// commonly hints at an iteration count without carrying the salt itself,
// so a missing salt always falls back to a random one.
func ExtractPBKDFParams(payload *SetupPayload) (*PBKDFParams, error) {
	params, err := DefaultPBKDFParams()
	if err != nil {
		return nil, err
	}

	if payload.OptionalData != nil {
		if payload.OptionalData.HasPBKDFIterations {
			params.Iterations = payload.OptionalData.PBKDFIterations
		}

		if len(payload.OptionalData.BPKFSalt) > 0 {
			params.Salt = payload.OptionalData.BPKFSalt
		}
	}

	if err := ValidatePBKDFParams(params); err != nil {
		return nil, err
	}

	return params, nil
}

// ValidatePBKDFParams reports whether params' iteration count and salt
// length fall within the bounds PASE requires.
func ValidatePBKDFParams(params *PBKDFParams) error {
	if params.Iterations < PBKDFMinIterations || params.Iterations > PBKDFMaxIterations {
		return ErrInvalidIterations
	}
	if len(params.Salt) < PBKDFMinSaltLength || len(params.Salt) > PBKDFMaxSaltLength {
		return ErrInvalidSalt
	}
	return nil
}

// SetupInfo flattens a SetupPayload plus its derived PBKDF parameters into
// the fields a commissioning flow actually consumes, so callers don't have
// to reach back into the payload's optional-data fields themselves.
type SetupInfo struct {
	Passcode      uint32
	Discriminator Discriminator
	PBKDFParams   *PBKDFParams

	// VendorID and ProductID are 0 when the payload didn't carry them.
	VendorID  uint16
	ProductID uint16

	CommissioningFlow CommissioningFlow

	// DiscoveryCapabilities is only meaningful when HasDiscoveryCapabilities is true.
	DiscoveryCapabilities    DiscoveryCapabilities
	HasDiscoveryCapabilities bool

	// SerialNumber is empty when the payload's optional data omitted it.
	SerialNumber string

	// CommissioningTimeout is in seconds; 0 means the caller should apply its own default.
	CommissioningTimeout uint16
}

// ExtractSetupInfo builds a SetupInfo from payload, resolving its PBKDF
// parameters along the way.
func ExtractSetupInfo(payload *SetupPayload) (*SetupInfo, error) {
	if payload == nil {
		return nil, errors.New("setup: nil payload")
	}

	pbkdf, err := ExtractPBKDFParams(payload)
	if err != nil {
		return nil, err
	}

	info := &SetupInfo{
		Passcode:                 payload.Passcode,
		Discriminator:            payload.Discriminator,
		PBKDFParams:              pbkdf,
		VendorID:                 payload.VendorID,
		ProductID:                payload.ProductID,
		CommissioningFlow:        payload.CommissioningFlow,
		DiscoveryCapabilities:    payload.DiscoveryCapabilities,
		HasDiscoveryCapabilities: payload.HasDiscoveryCapabilities,
	}

	if payload.OptionalData != nil {
		if payload.OptionalData.HasSerialNumber {
			info.SerialNumber = payload.OptionalData.SerialNumber
		}
		if payload.OptionalData.HasCommissioningTimeout {
			info.CommissioningTimeout = payload.OptionalData.CommissioningTimeout
		}
	}

	return info, nil
}
