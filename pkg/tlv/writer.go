package tlv

import (
	"encoding/binary"
	"io"
	"math"
	"unicode/utf8"
)

// Writer serializes a stream of TLV elements to an underlying io.Writer,
// tracking open containers so mismatched Start/End calls are caught early
// rather than producing a malformed stream.
type Writer struct {
	out  io.Writer
	open []ElementType
}

// NewWriter returns a Writer that appends encoded elements to out.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// putHeader emits the control octet followed by the tag's own encoding.
func (w *Writer) putHeader(typ ElementType, tag Tag) error {
	if _, err := w.out.Write([]byte{BuildControlOctet(typ, tag.Control())}); err != nil {
		return err
	}
	_, err := tag.WriteTo(w.out)
	return err
}

// intWidthTypes maps a byte width to the signed element type of that width.
var intWidthTypes = map[int]ElementType{
	1: ElementTypeInt8,
	2: ElementTypeInt16,
	4: ElementTypeInt32,
	8: ElementTypeInt64,
}

// uintWidthTypes maps a byte width to the unsigned element type of that width.
var uintWidthTypes = map[int]ElementType{
	1: ElementTypeUInt8,
	2: ElementTypeUInt16,
	4: ElementTypeUInt32,
	8: ElementTypeUInt64,
}

func minSignedWidth(v int64) int {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return 1
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return 2
	case v >= math.MinInt32 && v <= math.MaxInt32:
		return 4
	default:
		return 8
	}
}

func minUnsignedWidth(v uint64) int {
	switch {
	case v <= math.MaxUint8:
		return 1
	case v <= math.MaxUint16:
		return 2
	case v <= math.MaxUint32:
		return 4
	default:
		return 8
	}
}

// PutInt writes a signed integer using the narrowest of the four standard
// widths (1, 2, 4, or 8 bytes) that can represent it.
func (w *Writer) PutInt(tag Tag, v int64) error {
	return w.PutIntWithWidth(tag, v, minSignedWidth(v))
}

// PutIntWithWidth writes a signed integer at an explicit width in bytes
// (1, 2, 4, or 8), for callers that must match a specific prior encoding.
func (w *Writer) PutIntWithWidth(tag Tag, v int64, width int) error {
	typ, ok := intWidthTypes[width]
	if !ok {
		return ErrInvalidElementType
	}
	var buf [8]byte
	switch width {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf[:2], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf[:4], uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(buf[:8], uint64(v))
	}
	return w.writeFixedValue(typ, tag, buf[:width])
}

// PutUint writes an unsigned integer using the narrowest of the four
// standard widths that can represent it.
func (w *Writer) PutUint(tag Tag, v uint64) error {
	return w.PutUintWithWidth(tag, v, minUnsignedWidth(v))
}

// PutUintWithWidth writes an unsigned integer at an explicit width in
// bytes (1, 2, 4, or 8).
func (w *Writer) PutUintWithWidth(tag Tag, v uint64, width int) error {
	typ, ok := uintWidthTypes[width]
	if !ok {
		return ErrInvalidElementType
	}
	var buf [8]byte
	switch width {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf[:2], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf[:4], uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(buf[:8], v)
	}
	return w.writeFixedValue(typ, tag, buf[:width])
}

// PutBool writes a boolean; true and false are distinct element types with
// no value field, so there is nothing to write beyond the header.
func (w *Writer) PutBool(tag Tag, v bool) error {
	typ := ElementTypeFalse
	if v {
		typ = ElementTypeTrue
	}
	return w.putHeader(typ, tag)
}

// PutFloat32 writes an IEEE 754 single-precision float.
func (w *Writer) PutFloat32(tag Tag, v float32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
	return w.writeFixedValue(ElementTypeFloat32, tag, buf[:])
}

// PutFloat64 writes an IEEE 754 double-precision float.
func (w *Writer) PutFloat64(tag Tag, v float64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	return w.writeFixedValue(ElementTypeFloat64, tag, buf[:])
}

// PutString writes a UTF-8 string, choosing the narrowest length-field
// width that fits. Returns ErrInvalidUTF8 if v is not valid UTF-8.
func (w *Writer) PutString(tag Tag, v string) error {
	if !utf8.ValidString(v) {
		return ErrInvalidUTF8
	}
	return w.writeLengthPrefixed(true, tag, []byte(v))
}

// PutBytes writes an octet string, choosing the narrowest length-field
// width that fits.
func (w *Writer) PutBytes(tag Tag, v []byte) error {
	return w.writeLengthPrefixed(false, tag, v)
}

// PutRaw re-tags a complete, already-encoded TLV element and writes it.
// rawTLV must begin with a control octet and whatever tag bytes that octet
// implies; those original tag bytes are discarded and replaced with tag.
// This is how a pre-built (anonymously tagged) sub-element gets embedded
// inside a container under the container's own tag scheme.
func (w *Writer) PutRaw(tag Tag, rawTLV []byte) error {
	if len(rawTLV) == 0 {
		return nil
	}

	control := rawTLV[0]
	typ, originalForm := ParseControlOctet(control)

	if err := w.putHeader(typ, tag); err != nil {
		return err
	}

	valueStart := 1 + tagControlSizes[originalForm]
	if valueStart < len(rawTLV) {
		_, err := w.out.Write(rawTLV[valueStart:])
		return err
	}
	return nil
}

// PutNull writes a null value.
func (w *Writer) PutNull(tag Tag) error {
	return w.putHeader(ElementTypeNull, tag)
}

// StartStructure opens a structure container; members written until the
// matching EndContainer belong to it.
func (w *Writer) StartStructure(tag Tag) error {
	return w.startContainer(ElementTypeStruct, tag)
}

// StartArray opens an array container.
func (w *Writer) StartArray(tag Tag) error {
	return w.startContainer(ElementTypeArray, tag)
}

// StartList opens a list container.
func (w *Writer) StartList(tag Tag) error {
	return w.startContainer(ElementTypeList, tag)
}

func (w *Writer) startContainer(typ ElementType, tag Tag) error {
	if err := w.putHeader(typ, tag); err != nil {
		return err
	}
	w.open = append(w.open, typ)
	return nil
}

// EndContainer closes the innermost open container.
func (w *Writer) EndContainer() error {
	if len(w.open) == 0 {
		return ErrNotInContainer
	}
	w.open = w.open[:len(w.open)-1]

	// The end-of-container marker is always anonymous (tag control 0).
	_, err := w.out.Write([]byte{byte(ElementTypeEnd)})
	return err
}

// ContainerDepth returns how many containers are currently open.
func (w *Writer) ContainerDepth() int {
	return len(w.open)
}

// writeFixedValue writes a header followed by a value of fixed, known width.
func (w *Writer) writeFixedValue(typ ElementType, tag Tag, value []byte) error {
	if err := w.putHeader(typ, tag); err != nil {
		return err
	}
	_, err := w.out.Write(value)
	return err
}

// writeLengthPrefixed writes a UTF-8 or octet string: a header naming the
// width of the length field, the length itself, then the raw bytes.
func (w *Writer) writeLengthPrefixed(utf8Kind bool, tag Tag, data []byte) error {
	length := uint64(len(data))

	var typ ElementType
	var lenBuf [8]byte
	var lenSize int

	switch {
	case length <= math.MaxUint8:
		lenSize = 1
		lenBuf[0] = byte(length)
	case length <= math.MaxUint16:
		lenSize = 2
		binary.LittleEndian.PutUint16(lenBuf[:2], uint16(length))
	case length <= math.MaxUint32:
		lenSize = 4
		binary.LittleEndian.PutUint32(lenBuf[:4], uint32(length))
	default:
		lenSize = 8
		binary.LittleEndian.PutUint64(lenBuf[:8], length)
	}

	switch lenSize {
	case 1:
		typ = pickStringType(utf8Kind, ElementTypeUTF8_1, ElementTypeBytes1)
	case 2:
		typ = pickStringType(utf8Kind, ElementTypeUTF8_2, ElementTypeBytes2)
	case 4:
		typ = pickStringType(utf8Kind, ElementTypeUTF8_4, ElementTypeBytes4)
	default:
		typ = pickStringType(utf8Kind, ElementTypeUTF8_8, ElementTypeBytes8)
	}

	if err := w.putHeader(typ, tag); err != nil {
		return err
	}
	if _, err := w.out.Write(lenBuf[:lenSize]); err != nil {
		return err
	}
	_, err := w.out.Write(data)
	return err
}

func pickStringType(utf8Kind bool, asUTF8, asBytes ElementType) ElementType {
	if utf8Kind {
		return asUTF8
	}
	return asBytes
}
