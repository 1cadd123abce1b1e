package payload

import (
	"errors"
	"strings"
)

const (
	QRCodePrefix = "MT:"

	// PayloadDelimiter separates multiple payloads packed into one
	// concatenated QR code (for a bridge or multi-device box, say).
	PayloadDelimiter = '*'
)

// Field widths of the fixed binary payload packed ahead of any optional
// TLV data: version, VID, PID, commissioning flow, discovery capabilities,
// discriminator, passcode, and zero padding, in that order, summing to
// 88 bits (11 bytes).
const (
	versionFieldBits           = 3
	vendorIDFieldBits          = 16
	productIDFieldBits         = 16
	commissioningFlowFieldBits = 2
	rendezvousInfoFieldBits    = 8
	discriminatorFieldBits     = 12
	passcodeFieldBits          = 27
	paddingFieldBits           = 4

	totalPayloadBits  = 88
	totalPayloadBytes = 11
)

var (
	ErrQRCodeInvalidPrefix  = errors.New("qrcode: invalid prefix (expected MT:)")
	ErrQRCodeTooShort       = errors.New("qrcode: payload too short")
	ErrQRCodeInvalidPadding = errors.New("qrcode: invalid padding (must be zero)")
)

// ParseQRCode decodes a single Matter QR code string ("MT:" followed by
// Base38-encoded data) into a SetupPayload. Use ParseQRCodes for a string
// that may hold several payloads concatenated with '*'.
func ParseQRCode(qrCode string) (*SetupPayload, error) {
	payloads, err := ParseQRCodes(qrCode)
	if err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, ErrQRCodeTooShort
	}
	if len(payloads) > 1 {
		return nil, errors.New("qrcode: use ParseQRCodes for concatenated QR codes")
	}
	return payloads[0], nil
}

// ParseQRCodes decodes a Matter QR code string that may contain multiple
// concatenated payloads separated by '*'.
func ParseQRCodes(qrCode string) ([]*SetupPayload, error) {
	base38Data := ExtractPayload(qrCode)
	if base38Data == "" {
		return nil, ErrQRCodeTooShort
	}

	chunks := strings.Split(base38Data, string(PayloadDelimiter))
	payloads := make([]*SetupPayload, 0, len(chunks))

	for _, chunk := range chunks {
		if chunk == "" {
			continue
		}

		payload, err := parseBase38Payload(chunk)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
	}

	return payloads, nil
}

// ExtractPayload pulls the Base38 data out of a QR code string, tolerating
// the '%'-delimited wrapping some scanners add around a raw "MT:..." payload.
//
// Examples:
//   - "MT:ABC" → "ABC"
//   - "Z%MT:ABC%DDD" → "ABC"
//   - "%Z%MT:ABC%DDD" → "ABC"
func ExtractPayload(qrCode string) string {
	var segments []string
	start := 0
	for i := 0; i <= len(qrCode); i++ {
		if i == len(qrCode) || qrCode[i] == '%' {
			if i > start {
				segments = append(segments, qrCode[start:i])
			}
			start = i + 1
		}
	}

	for _, segment := range segments {
		if strings.HasPrefix(segment, QRCodePrefix) && len(segment) > len(QRCodePrefix) {
			return segment[len(QRCodePrefix):]
		}
	}

	return ""
}

// parseBase38Payload decodes one Base38 chunk into its fixed 88-bit field
// block plus whatever optional TLV data follows it.
func parseBase38Payload(base38 string) (*SetupPayload, error) {
	data, err := Base38Decode(base38)
	if err != nil {
		return nil, err
	}

	if len(data) < totalPayloadBytes {
		return nil, ErrQRCodeTooShort
	}

	reader := &bitReader{data: data}

	payload := &SetupPayload{
		HasDiscoveryCapabilities: true,
	}

	version, _ := reader.readBits(versionFieldBits)
	payload.Version = uint8(version)

	vendorID, _ := reader.readBits(vendorIDFieldBits)
	payload.VendorID = uint16(vendorID)

	productID, _ := reader.readBits(productIDFieldBits)
	payload.ProductID = uint16(productID)

	flow, _ := reader.readBits(commissioningFlowFieldBits)
	payload.CommissioningFlow = CommissioningFlow(flow)

	rendezvous, _ := reader.readBits(rendezvousInfoFieldBits)
	payload.DiscoveryCapabilities = DiscoveryCapabilities(rendezvous)

	discriminator, _ := reader.readBits(discriminatorFieldBits)
	payload.Discriminator = NewLongDiscriminator(uint16(discriminator))

	passcode, _ := reader.readBits(passcodeFieldBits)
	payload.Passcode = uint32(passcode)

	padding, _ := reader.readBits(paddingFieldBits)
	if padding != 0 {
		return nil, ErrQRCodeInvalidPadding
	}

	if len(data) > totalPayloadBytes {
		if err := parseTLVData(payload, data[totalPayloadBytes:]); err != nil {
			return nil, err
		}
	}

	return payload, nil
}

// EncodeQRCode packs payload's fixed fields into an 88-bit block and
// renders it as an "MT:"-prefixed Base38 string.
func EncodeQRCode(payload *SetupPayload) (string, error) {
	if !payload.IsValidQRCodePayload(ValidationModeProduce) {
		return "", errors.New("qrcode: invalid payload for QR code")
	}

	writer := &bitWriter{}

	writer.writeBits(uint64(payload.Version), versionFieldBits)
	writer.writeBits(uint64(payload.VendorID), vendorIDFieldBits)
	writer.writeBits(uint64(payload.ProductID), productIDFieldBits)
	writer.writeBits(uint64(payload.CommissioningFlow), commissioningFlowFieldBits)
	writer.writeBits(uint64(payload.DiscoveryCapabilities), rendezvousInfoFieldBits)
	writer.writeBits(uint64(payload.Discriminator.Long()), discriminatorFieldBits)
	writer.writeBits(uint64(payload.Passcode), passcodeFieldBits)
	writer.writeBits(0, paddingFieldBits)

	// No caller constructs a SetupPayload with vendor-specific TLV data yet;
	// plumbing it through here needs a serializer to pair with parseTLVData.

	base38 := Base38Encode(writer.bytes())

	return QRCodePrefix + base38, nil
}

// bitReader pulls fixed-width fields out of a byte slice least-significant-bit first.
type bitReader struct {
	data  []byte
	index int
}

func (r *bitReader) readBits(n int) (uint64, error) {
	if r.index+n > len(r.data)*8 {
		return 0, errors.New("bitReader: not enough bits")
	}

	var value uint64
	for i := 0; i < n; i++ {
		byteIdx := (r.index + i) / 8
		bitIdx := (r.index + i) % 8

		if r.data[byteIdx]&(1<<bitIdx) != 0 {
			value |= 1 << i
		}
	}

	r.index += n
	return value, nil
}

// bitWriter is readBits's inverse: it packs fixed-width fields into a byte
// slice least-significant-bit first, growing the backing slice as needed.
type bitWriter struct {
	data  []byte
	index int
}

func (w *bitWriter) writeBits(value uint64, n int) {
	neededBytes := (w.index + n + 7) / 8
	for len(w.data) < neededBytes {
		w.data = append(w.data, 0)
	}

	for i := 0; i < n; i++ {
		if value&(1<<i) != 0 {
			byteIdx := (w.index + i) / 8
			bitIdx := (w.index + i) % 8
			w.data[byteIdx] |= 1 << bitIdx
		}
	}

	w.index += n
}

func (w *bitWriter) bytes() []byte {
	return w.data
}

