package tlv

import (
	"encoding/binary"
	"io"
	"math"
	"unicode/utf8"
)

// Reader decodes a stream of TLV elements from an io.Reader one at a time.
// Call Next to advance, then one of the typed accessors to consume the
// current element's value. Containers are entered and exited explicitly.
type Reader struct {
	src    io.Reader
	nested []ElementType // stack of currently-open containers

	cur     ElementType
	curTag  Tag
	present bool // a current element exists (Next has succeeded at least once)
	read    bool // the current element's value has been consumed or skipped

	fixed    [8]byte // buffered value for fixed-width element types
	fixedLen int

	strLen uint64 // buffered length for string/bytes elements, read lazily
}

// NewReader returns a Reader that pulls encoded elements from src.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Next advances to the next element in the stream, skipping the current
// element's value first if the caller never consumed it. Returns io.EOF
// once the underlying reader is exhausted.
func (r *Reader) Next() error {
	if r.present && !r.read {
		if err := r.skipValue(); err != nil {
			return err
		}
	}

	var control [1]byte
	if _, err := io.ReadFull(r.src, control[:]); err != nil {
		return err
	}

	typ, form := ParseControlOctet(control[0])
	if typ > ElementTypeEnd {
		return ErrInvalidElementType
	}
	r.cur = typ

	tag, err := ReadTag(r.src, form)
	if err != nil {
		return err
	}
	r.curTag = tag

	if err := r.readValueOrLength(); err != nil {
		return err
	}

	r.present = true
	r.read = false
	return nil
}

// readValueOrLength buffers a fixed-width value, or just the length prefix
// for strings (the string bytes themselves are read lazily by String/Bytes).
func (r *Reader) readValueOrLength() error {
	switch {
	case r.cur.IsInt() || r.cur.IsFloat():
		r.fixedLen = r.cur.ValueSize()
		if r.fixedLen > 0 {
			if _, err := io.ReadFull(r.src, r.fixed[:r.fixedLen]); err != nil {
				return err
			}
		}

	case r.cur.IsString():
		lenSize := r.cur.LengthFieldSize()
		var lenBuf [8]byte
		if _, err := io.ReadFull(r.src, lenBuf[:lenSize]); err != nil {
			return err
		}
		r.strLen = decodeLengthField(lenBuf[:lenSize])

	default:
		// Booleans, Null, and container start/end markers carry no value.
		r.fixedLen = 0
		r.strLen = 0
	}

	return nil
}

// Type returns the element type the reader is currently positioned on.
func (r *Reader) Type() ElementType {
	return r.cur
}

// Tag returns the tag of the current element.
func (r *Reader) Tag() Tag {
	return r.curTag
}

// HasElement reports whether Next has produced an element to read.
func (r *Reader) HasElement() bool {
	return r.present
}

// Int reads the current element as a signed integer.
func (r *Reader) Int() (int64, error) {
	if err := r.beginRead(); err != nil {
		return 0, err
	}
	if !r.cur.IsSignedInt() {
		return 0, ErrTypeMismatch
	}
	r.read = true

	switch r.cur {
	case ElementTypeInt8:
		return int64(int8(r.fixed[0])), nil
	case ElementTypeInt16:
		return int64(int16(binary.LittleEndian.Uint16(r.fixed[:2]))), nil
	case ElementTypeInt32:
		return int64(int32(binary.LittleEndian.Uint32(r.fixed[:4]))), nil
	case ElementTypeInt64:
		return int64(binary.LittleEndian.Uint64(r.fixed[:8])), nil
	}
	return 0, ErrTypeMismatch
}

// Uint reads the current element as an unsigned integer.
func (r *Reader) Uint() (uint64, error) {
	if err := r.beginRead(); err != nil {
		return 0, err
	}
	if !r.cur.IsUnsignedInt() {
		return 0, ErrTypeMismatch
	}
	r.read = true

	switch r.cur {
	case ElementTypeUInt8:
		return uint64(r.fixed[0]), nil
	case ElementTypeUInt16:
		return uint64(binary.LittleEndian.Uint16(r.fixed[:2])), nil
	case ElementTypeUInt32:
		return uint64(binary.LittleEndian.Uint32(r.fixed[:4])), nil
	case ElementTypeUInt64:
		return binary.LittleEndian.Uint64(r.fixed[:8]), nil
	}
	return 0, ErrTypeMismatch
}

// Bool reads the current element as a boolean.
func (r *Reader) Bool() (bool, error) {
	if err := r.beginRead(); err != nil {
		return false, err
	}
	if !r.cur.IsBool() {
		return false, ErrTypeMismatch
	}
	r.read = true
	return r.cur == ElementTypeTrue, nil
}

// Float32 reads the current element as a 32-bit float.
func (r *Reader) Float32() (float32, error) {
	if err := r.beginRead(); err != nil {
		return 0, err
	}
	if r.cur != ElementTypeFloat32 {
		return 0, ErrTypeMismatch
	}
	r.read = true
	return math.Float32frombits(binary.LittleEndian.Uint32(r.fixed[:4])), nil
}

// Float64 reads the current element as a 64-bit float.
func (r *Reader) Float64() (float64, error) {
	if err := r.beginRead(); err != nil {
		return 0, err
	}
	if r.cur != ElementTypeFloat64 {
		return 0, ErrTypeMismatch
	}
	r.read = true
	return math.Float64frombits(binary.LittleEndian.Uint64(r.fixed[:8])), nil
}

// String reads the current element as a UTF-8 string.
func (r *Reader) String() (string, error) {
	if err := r.beginRead(); err != nil {
		return "", err
	}
	if !r.cur.IsUTF8String() {
		return "", ErrTypeMismatch
	}
	r.read = true

	if r.strLen == 0 {
		return "", nil
	}
	data := make([]byte, r.strLen)
	if _, err := io.ReadFull(r.src, data); err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", ErrInvalidUTF8
	}
	return string(data), nil
}

// Bytes reads the current element as an octet string.
func (r *Reader) Bytes() ([]byte, error) {
	if err := r.beginRead(); err != nil {
		return nil, err
	}
	if !r.cur.IsBytes() {
		return nil, ErrTypeMismatch
	}
	r.read = true

	if r.strLen == 0 {
		return nil, nil
	}
	data := make([]byte, r.strLen)
	if _, err := io.ReadFull(r.src, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Null confirms the current element is a null value.
func (r *Reader) Null() error {
	if err := r.beginRead(); err != nil {
		return err
	}
	if r.cur != ElementTypeNull {
		return ErrTypeMismatch
	}
	r.read = true
	return nil
}

// beginRead applies the checks every scalar accessor needs before touching
// the buffered value: an element must be positioned, and not already consumed.
func (r *Reader) beginRead() error {
	if !r.present {
		return ErrNoElement
	}
	if r.read {
		return ErrValueAlreadyRead
	}
	return nil
}

// EnterContainer descends into the current structure, array, or list,
// positioning the reader so the next Next() call reads its first member.
func (r *Reader) EnterContainer() error {
	if !r.present {
		return ErrNoElement
	}
	if !r.cur.IsContainer() {
		return ErrTypeMismatch
	}

	r.nested = append(r.nested, r.cur)
	r.present = false
	r.read = true
	return nil
}

// ExitContainer returns to the enclosing scope, reading and discarding any
// member elements not already consumed.
func (r *Reader) ExitContainer() error {
	if len(r.nested) == 0 {
		return ErrNotInContainer
	}

	if r.present && r.cur == ElementTypeEnd {
		r.nested = r.nested[:len(r.nested)-1]
		r.present = false
		return nil
	}

	for depth := 1; depth > 0; {
		if err := r.Next(); err != nil {
			return err
		}
		switch {
		case r.cur == ElementTypeEnd:
			depth--
		case r.cur.IsContainer():
			depth++
		}
	}

	r.nested = r.nested[:len(r.nested)-1]
	r.present = false
	return nil
}

// ContainerDepth returns how many containers are currently open.
func (r *Reader) ContainerDepth() int {
	return len(r.nested)
}

// IsEndOfContainer reports whether the current element is an
// end-of-container marker.
func (r *Reader) IsEndOfContainer() bool {
	return r.present && r.cur == ElementTypeEnd
}

// Skip discards the current element, descending into and past all of its
// members first if it is a container.
func (r *Reader) Skip() error {
	if !r.present {
		return ErrNoElement
	}
	if r.cur.IsContainer() {
		if err := r.EnterContainer(); err != nil {
			return err
		}
		return r.ExitContainer()
	}
	return r.skipValue()
}

// skipValue discards the current element's value if nothing has read it yet.
func (r *Reader) skipValue() error {
	if r.read {
		return nil
	}
	r.read = true

	if r.cur.IsString() && r.strLen > 0 {
		_, err := io.CopyN(io.Discard, r.src, int64(r.strLen))
		return err
	}
	return nil
}

// RawBytes returns the current element re-encoded as a standalone TLV
// byte sequence (control octet, tag, and value), recursing into containers.
// The result can be fed to Writer.PutRaw to re-tag and re-embed it elsewhere.
func (r *Reader) RawBytes() ([]byte, error) {
	if !r.present {
		return nil, ErrNoElement
	}

	var out []byte
	out = append(out, BuildControlOctet(r.cur, r.curTag.Control()))

	tagBytes, err := encodeTag(r.curTag)
	if err != nil {
		return nil, err
	}
	out = append(out, tagBytes...)

	switch {
	case r.cur.IsContainer():
		if err := r.EnterContainer(); err != nil {
			return nil, err
		}
		for {
			if err := r.Next(); err != nil {
				if err == io.EOF {
					break
				}
				return nil, err
			}
			if r.IsEndOfContainer() {
				break
			}
			member, err := r.RawBytes()
			if err != nil {
				return nil, err
			}
			out = append(out, member...)
		}
		if err := r.ExitContainer(); err != nil {
			return nil, err
		}
		out = append(out, byte(ElementTypeEnd))

	case r.cur.IsString():
		out = append(out, encodeLengthField(r.strLen, r.cur.LengthFieldSize())...)
		if r.strLen > 0 {
			data := make([]byte, r.strLen)
			if _, err := io.ReadFull(r.src, data); err != nil {
				return nil, err
			}
			out = append(out, data...)
		}
		r.read = true

	default:
		out = append(out, r.fixed[:r.fixedLen]...)
		r.read = true
	}

	return out, nil
}

// encodeTag re-encodes a Tag's fields to the wire bytes its control form implies.
func encodeTag(tag Tag) ([]byte, error) {
	switch tag.Control() {
	case TagControlAnonymous:
		return nil, nil
	case TagControlContext:
		return []byte{byte(tag.TagNumber())}, nil
	case TagControlCommonProfile2, TagControlImplicitProfile2:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(tag.TagNumber()))
		return b, nil
	case TagControlCommonProfile4, TagControlImplicitProfile4:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, tag.TagNumber())
		return b, nil
	case TagControlFullyQualified6:
		b := make([]byte, 6)
		binary.LittleEndian.PutUint16(b[0:], tag.VendorID())
		binary.LittleEndian.PutUint16(b[2:], tag.ProfileNumber())
		binary.LittleEndian.PutUint16(b[4:], uint16(tag.TagNumber()))
		return b, nil
	case TagControlFullyQualified8:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint16(b[0:], tag.VendorID())
		binary.LittleEndian.PutUint16(b[2:], tag.ProfileNumber())
		binary.LittleEndian.PutUint32(b[4:], tag.TagNumber())
		return b, nil
	default:
		return nil, ErrInvalidTagControl
	}
}

// decodeLengthField parses a little-endian length field of 1, 2, 4, or 8 bytes.
func decodeLengthField(field []byte) uint64 {
	switch len(field) {
	case 1:
		return uint64(field[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(field))
	case 4:
		return uint64(binary.LittleEndian.Uint32(field))
	case 8:
		return binary.LittleEndian.Uint64(field)
	default:
		return 0
	}
}

// encodeLengthField encodes length into a little-endian field of the given byte width.
func encodeLengthField(length uint64, fieldSize int) []byte {
	b := make([]byte, fieldSize)
	switch fieldSize {
	case 1:
		b[0] = byte(length)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(length))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(length))
	case 8:
		binary.LittleEndian.PutUint64(b, length)
	}
	return b
}
