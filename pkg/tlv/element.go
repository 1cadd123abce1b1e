// Package tlv implements the Matter TLV (Tag-Length-Value) wire encoding:
// a compact, self-describing byte format for structured data built from
// one control octet, an optional tag field, and an optional length/value.
package tlv

// ElementType names the kind of value a TLV element carries, as encoded in
// the lower 5 bits of its control octet.
type ElementType int

const (
	ElementTypeInt8    ElementType = 0x00 // Signed Integer, 1-octet value
	ElementTypeInt16   ElementType = 0x01 // Signed Integer, 2-octet value
	ElementTypeInt32   ElementType = 0x02 // Signed Integer, 4-octet value
	ElementTypeInt64   ElementType = 0x03 // Signed Integer, 8-octet value
	ElementTypeUInt8   ElementType = 0x04 // Unsigned Integer, 1-octet value
	ElementTypeUInt16  ElementType = 0x05 // Unsigned Integer, 2-octet value
	ElementTypeUInt32  ElementType = 0x06 // Unsigned Integer, 4-octet value
	ElementTypeUInt64  ElementType = 0x07 // Unsigned Integer, 8-octet value
	ElementTypeFalse   ElementType = 0x08 // Boolean False
	ElementTypeTrue    ElementType = 0x09 // Boolean True
	ElementTypeFloat32 ElementType = 0x0A // Floating Point, 4-octet value (IEEE 754)
	ElementTypeFloat64 ElementType = 0x0B // Floating Point, 8-octet value (IEEE 754)
	ElementTypeUTF8_1  ElementType = 0x0C // UTF-8 String, 1-octet length
	ElementTypeUTF8_2  ElementType = 0x0D // UTF-8 String, 2-octet length
	ElementTypeUTF8_4  ElementType = 0x0E // UTF-8 String, 4-octet length
	ElementTypeUTF8_8  ElementType = 0x0F // UTF-8 String, 8-octet length
	ElementTypeBytes1  ElementType = 0x10 // Octet String, 1-octet length
	ElementTypeBytes2  ElementType = 0x11 // Octet String, 2-octet length
	ElementTypeBytes4  ElementType = 0x12 // Octet String, 4-octet length
	ElementTypeBytes8  ElementType = 0x13 // Octet String, 8-octet length
	ElementTypeNull    ElementType = 0x14 // Null
	ElementTypeStruct  ElementType = 0x15 // Structure
	ElementTypeArray   ElementType = 0x16 // Array
	ElementTypeList    ElementType = 0x17 // List
	ElementTypeEnd     ElementType = 0x18 // End of Container
)

// elementTypeNames backs String(); a map reads easier than a 25-arm switch
// and makes the default("Unknown") case fall out of the zero value.
var elementTypeNames = map[ElementType]string{
	ElementTypeInt8:    "Int8",
	ElementTypeInt16:   "Int16",
	ElementTypeInt32:   "Int32",
	ElementTypeInt64:   "Int64",
	ElementTypeUInt8:   "UInt8",
	ElementTypeUInt16:  "UInt16",
	ElementTypeUInt32:  "UInt32",
	ElementTypeUInt64:  "UInt64",
	ElementTypeFalse:   "False",
	ElementTypeTrue:    "True",
	ElementTypeFloat32: "Float32",
	ElementTypeFloat64: "Float64",
	ElementTypeUTF8_1:  "UTF8_1",
	ElementTypeUTF8_2:  "UTF8_2",
	ElementTypeUTF8_4:  "UTF8_4",
	ElementTypeUTF8_8:  "UTF8_8",
	ElementTypeBytes1:  "Bytes1",
	ElementTypeBytes2:  "Bytes2",
	ElementTypeBytes4:  "Bytes4",
	ElementTypeBytes8:  "Bytes8",
	ElementTypeNull:    "Null",
	ElementTypeStruct:  "Struct",
	ElementTypeArray:   "Array",
	ElementTypeList:    "List",
	ElementTypeEnd:     "EndOfContainer",
}

// String returns the name used in debug output for this element type.
func (e ElementType) String() string {
	if name, ok := elementTypeNames[e]; ok {
		return name
	}
	return "Unknown"
}

// IsSignedInt returns true if the element type is a signed integer.
func (e ElementType) IsSignedInt() bool {
	return e >= ElementTypeInt8 && e <= ElementTypeInt64
}

// IsUnsignedInt returns true if the element type is an unsigned integer.
func (e ElementType) IsUnsignedInt() bool {
	return e >= ElementTypeUInt8 && e <= ElementTypeUInt64
}

// IsInt returns true if the element type is any integer type.
func (e ElementType) IsInt() bool {
	return e.IsSignedInt() || e.IsUnsignedInt()
}

// IsBool returns true if the element type is a boolean.
func (e ElementType) IsBool() bool {
	return e == ElementTypeFalse || e == ElementTypeTrue
}

// IsFloat returns true if the element type is a floating point number.
func (e ElementType) IsFloat() bool {
	return e == ElementTypeFloat32 || e == ElementTypeFloat64
}

// IsUTF8String returns true if the element type is a UTF-8 string.
func (e ElementType) IsUTF8String() bool {
	return e >= ElementTypeUTF8_1 && e <= ElementTypeUTF8_8
}

// IsBytes returns true if the element type is an octet string.
func (e ElementType) IsBytes() bool {
	return e >= ElementTypeBytes1 && e <= ElementTypeBytes8
}

// IsString returns true if the element type is any string type.
func (e ElementType) IsString() bool {
	return e.IsUTF8String() || e.IsBytes()
}

// IsContainer returns true if the element type is a container (struct, array, list).
func (e ElementType) IsContainer() bool {
	return e == ElementTypeStruct || e == ElementTypeArray || e == ElementTypeList
}

// ValueSize returns the width of the inline value field for fixed-size
// types, or 0 for variable-length strings and containers (which carry a
// length field or no value at all, rather than a fixed-width one).
func (e ElementType) ValueSize() int {
	switch e {
	case ElementTypeInt8, ElementTypeUInt8:
		return 1
	case ElementTypeInt16, ElementTypeUInt16:
		return 2
	case ElementTypeInt32, ElementTypeUInt32, ElementTypeFloat32:
		return 4
	case ElementTypeInt64, ElementTypeUInt64, ElementTypeFloat64:
		return 8
	case ElementTypeFalse, ElementTypeTrue, ElementTypeNull,
		ElementTypeStruct, ElementTypeArray, ElementTypeList, ElementTypeEnd:
		return 0
	default:
		return 0
	}
}

// LengthFieldSize returns the size in bytes of the length field for string types.
// Returns 0 for non-string types.
func (e ElementType) LengthFieldSize() int {
	switch e {
	case ElementTypeUTF8_1, ElementTypeBytes1:
		return 1
	case ElementTypeUTF8_2, ElementTypeBytes2:
		return 2
	case ElementTypeUTF8_4, ElementTypeBytes4:
		return 4
	case ElementTypeUTF8_8, ElementTypeBytes8:
		return 8
	default:
		return 0
	}
}

// Bit layout of a control octet: type in the low 5 bits, tag form in the high 3.
const (
	elementTypeMask = 0x1F
	tagControlMask  = 0xE0
	tagControlShift = 5
)

// ParseControlOctet splits a control octet into its element type and tag form.
func ParseControlOctet(octet byte) (ElementType, TagControl) {
	typ := ElementType(octet & elementTypeMask)
	form := TagControl((octet & tagControlMask) >> tagControlShift)
	return typ, form
}

// BuildControlOctet packs an element type and tag form into one control octet.
func BuildControlOctet(typ ElementType, form TagControl) byte {
	return byte(typ&elementTypeMask) | byte(form<<tagControlShift)
}
