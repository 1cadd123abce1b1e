package payload

import (
	"errors"
	"strconv"
	"strings"
)

// Decimal digit counts for the three chunks a manual code packs its
// discriminator and passcode bits into, plus the optional VID/PID suffix.
// manualCodeShortLength/LongLength are the code length without its
// trailing Verhoeff check digit.
const (
	manualCodeShortLength = 10
	manualCodeLongLength  = 20

	chunk1Length    = 1
	chunk2Length    = 5
	chunk3Length    = 4
	vendorIDLength  = 5
	productIDLength = 5

	chunk1Max    = 7     // 3 bits; values 8-9 reserved
	chunk2Max    = 65535 // 16 bits, 5 decimal digits
	chunk3Max    = 8191  // 13 bits, 4 decimal digits
	vendorIDMax  = 65535
	productIDMax = 65535
)

// Bit layout within each decimal chunk: chunk 1 holds the
// discriminator's top 2 bits and the VID/PID-present flag; chunk 2 holds
// the discriminator's bottom 2 bits and the passcode's bottom 14 bits;
// chunk 3 holds the passcode's top 13 bits.
const (
	chunk1DiscMSBsPos   = 0
	chunk1DiscMSBsLen   = 2
	chunk1VIDPIDFlagPos = 2

	chunk2PasscodeLSBsPos = 0
	chunk2PasscodeLSBsLen = 14
	chunk2DiscLSBsPos     = 14
	chunk2DiscLSBsLen     = 2

	chunk3PasscodeMSBsPos = 0
	chunk3PasscodeMSBsLen = 13
)

var (
	ErrManualCodeInvalidLength    = errors.New("manualcode: invalid length")
	ErrManualCodeInvalidChecksum  = errors.New("manualcode: invalid check digit")
	ErrManualCodeInvalidDigit     = errors.New("manualcode: invalid digit character")
	ErrManualCodeInvalidChunk1    = errors.New("manualcode: chunk1 value 8-9 reserved")
	ErrManualCodeInvalidVendorID  = errors.New("manualcode: vendor ID exceeds 16 bits")
	ErrManualCodeInvalidProductID = errors.New("manualcode: product ID exceeds 16 bits")
)

// ParseManualCode decodes an 11-digit (short) or 21-digit (long) manual
// pairing code into a SetupPayload; the long form appends a vendor and
// product ID after the discriminator/passcode fields the short form carries.
// Dashes and spaces in code are stripped before decoding.
func ParseManualCode(code string) (*SetupPayload, error) {
	code = StripFormatting(code)

	if !VerhoeffValidate(code) {
		return nil, ErrManualCodeInvalidChecksum
	}

	codeWithoutCheck := code[:len(code)-1]

	isLongCode := false
	switch len(codeWithoutCheck) {
	case manualCodeShortLength:
		isLongCode = false
	case manualCodeLongLength:
		isLongCode = true
	default:
		return nil, ErrManualCodeInvalidLength
	}

	pos := 0

	chunk1, err := parseDigits(codeWithoutCheck, &pos, chunk1Length)
	if err != nil {
		return nil, err
	}

	if chunk1 >= 8 {
		return nil, ErrManualCodeInvalidChunk1
	}

	hasVIDPID := (chunk1 >> chunk1VIDPIDFlagPos) & 1
	if (hasVIDPID == 1) != isLongCode {
		return nil, ErrManualCodeInvalidLength
	}

	chunk2, err := parseDigits(codeWithoutCheck, &pos, chunk2Length)
	if err != nil {
		return nil, err
	}

	chunk3, err := parseDigits(codeWithoutCheck, &pos, chunk3Length)
	if err != nil {
		return nil, err
	}

	discMSBs := (chunk1 >> chunk1DiscMSBsPos) & ((1 << chunk1DiscMSBsLen) - 1)
	discLSBs := (chunk2 >> chunk2DiscLSBsPos) & ((1 << chunk2DiscLSBsLen) - 1)
	discriminator := (discMSBs << chunk2DiscLSBsLen) | discLSBs

	passcodeLSBs := (chunk2 >> chunk2PasscodeLSBsPos) & ((1 << chunk2PasscodeLSBsLen) - 1)
	passcodeMSBs := (chunk3 >> chunk3PasscodeMSBsPos) & ((1 << chunk3PasscodeMSBsLen) - 1)
	passcode := (passcodeMSBs << chunk2PasscodeLSBsLen) | passcodeLSBs

	if passcode == 0 {
		return nil, ErrInvalidPasscode
	}

	payload := &SetupPayload{
		Discriminator: NewShortDiscriminator(uint8(discriminator)),
		Passcode:      passcode,
	}

	if isLongCode {
		vendorID, err := parseDigits(codeWithoutCheck, &pos, vendorIDLength)
		if err != nil {
			return nil, err
		}
		if vendorID > vendorIDMax {
			return nil, ErrManualCodeInvalidVendorID
		}

		productID, err := parseDigits(codeWithoutCheck, &pos, productIDLength)
		if err != nil {
			return nil, err
		}
		if productID > productIDMax {
			return nil, ErrManualCodeInvalidProductID
		}

		payload.VendorID = uint16(vendorID)
		payload.ProductID = uint16(productID)
		payload.CommissioningFlow = CommissioningFlowCustom
	} else {
		payload.CommissioningFlow = CommissioningFlowStandard
	}

	return payload, nil
}

// EncodeManualCode packs payload into ParseManualCode's inverse: an
// 11-digit code, or 21 digits when CommissioningFlow is Custom.
func EncodeManualCode(payload *SetupPayload) (string, error) {
	if !payload.IsValidManualCode(ValidationModeProduce) {
		return "", errors.New("manualcode: invalid payload")
	}

	discriminator := uint32(payload.Discriminator.Short())
	passcode := payload.Passcode
	isLongCode := payload.CommissioningFlow == CommissioningFlowCustom

	discMSBs := (discriminator >> chunk2DiscLSBsLen) & ((1 << chunk1DiscMSBsLen) - 1)
	vidPidFlag := uint32(0)
	if isLongCode {
		vidPidFlag = 1
	}
	chunk1 := (discMSBs << chunk1DiscMSBsPos) | (vidPidFlag << chunk1VIDPIDFlagPos)

	discLSBs := discriminator & ((1 << chunk2DiscLSBsLen) - 1)
	passcodeLSBs := passcode & ((1 << chunk2PasscodeLSBsLen) - 1)
	chunk2 := (passcodeLSBs << chunk2PasscodeLSBsPos) | (discLSBs << chunk2DiscLSBsPos)

	passcodeMSBs := (passcode >> chunk2PasscodeLSBsLen) & ((1 << chunk3PasscodeMSBsLen) - 1)
	chunk3 := passcodeMSBs << chunk3PasscodeMSBsPos

	var sb strings.Builder
	sb.WriteString(strconv.FormatUint(uint64(chunk1), 10))
	sb.WriteString(padLeft(strconv.FormatUint(uint64(chunk2), 10), chunk2Length))
	sb.WriteString(padLeft(strconv.FormatUint(uint64(chunk3), 10), chunk3Length))

	if isLongCode {
		sb.WriteString(padLeft(strconv.FormatUint(uint64(payload.VendorID), 10), vendorIDLength))
		sb.WriteString(padLeft(strconv.FormatUint(uint64(payload.ProductID), 10), productIDLength))
	}

	checkDigit, err := VerhoeffCompute(sb.String())
	if err != nil {
		return "", err
	}
	sb.WriteByte(checkDigit)

	return sb.String(), nil
}

// StripFormatting drops everything but decimal digits, so a manual code
// copied with dashes or spaces still parses.
func StripFormatting(code string) string {
	var sb strings.Builder
	sb.Grow(len(code))
	for _, c := range code {
		if c >= '0' && c <= '9' {
			sb.WriteRune(c)
		}
	}
	return sb.String()
}

// parseDigits reads n decimal digits from code starting at *pos,
// advancing *pos past them.
func parseDigits(code string, pos *int, n int) (uint32, error) {
	if *pos+n > len(code) {
		return 0, ErrManualCodeInvalidLength
	}

	substr := code[*pos : *pos+n]
	*pos += n

	value, err := strconv.ParseUint(substr, 10, 32)
	if err != nil {
		return 0, ErrManualCodeInvalidDigit
	}

	return uint32(value), nil
}

// padLeft zero-pads s on the left until it reaches length.
func padLeft(s string, length int) string {
	if len(s) >= length {
		return s
	}
	return strings.Repeat("0", length-len(s)) + s
}
