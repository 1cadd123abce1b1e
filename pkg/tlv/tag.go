package tlv

import (
	"encoding/binary"
	"io"
)

// TagControl names one of the eight tag forms a control octet can encode
// in its upper 3 bits.
type TagControl int

const (
	TagControlAnonymous        TagControl = 0 // no tag field at all
	TagControlContext          TagControl = 1 // 1 octet, scoped to the enclosing struct
	TagControlCommonProfile2   TagControl = 2 // 2-octet tag number under the common profile
	TagControlCommonProfile4   TagControl = 3 // 4-octet tag number under the common profile
	TagControlImplicitProfile2 TagControl = 4 // 2-octet tag number, profile implied by context
	TagControlImplicitProfile4 TagControl = 5 // 4-octet tag number, profile implied by context
	TagControlFullyQualified6  TagControl = 6 // vendor+profile+2-octet tag, 6 octets total
	TagControlFullyQualified8  TagControl = 7 // vendor+profile+4-octet tag, 8 octets total
)

// tagControlSizes gives the on-wire byte width of the tag field for each form.
var tagControlSizes = map[TagControl]int{
	TagControlAnonymous:        0,
	TagControlContext:          1,
	TagControlCommonProfile2:   2,
	TagControlImplicitProfile2: 2,
	TagControlCommonProfile4:   4,
	TagControlImplicitProfile4: 4,
	TagControlFullyQualified6:  6,
	TagControlFullyQualified8:  8,
}

// String returns the string representation of the tag control.
func (tc TagControl) String() string {
	switch tc {
	case TagControlAnonymous:
		return "Anonymous"
	case TagControlContext:
		return "Context"
	case TagControlCommonProfile2:
		return "CommonProfile2"
	case TagControlCommonProfile4:
		return "CommonProfile4"
	case TagControlImplicitProfile2:
		return "ImplicitProfile2"
	case TagControlImplicitProfile4:
		return "ImplicitProfile4"
	case TagControlFullyQualified6:
		return "FullyQualified6"
	case TagControlFullyQualified8:
		return "FullyQualified8"
	default:
		return "Unknown"
	}
}

// Size returns the number of bytes this control form occupies on the wire.
func (tc TagControl) Size() int {
	return tagControlSizes[tc]
}

// Tag identifies a TLV element: anonymous, context-scoped within a struct,
// or qualified by a profile (and optionally a vendor).
type Tag struct {
	control       TagControl
	vendorID      uint16 // Only for fully-qualified tags
	profileNumber uint16 // Only for fully-qualified tags
	tagNumber     uint32 // 8-bit for context, up to 32-bit for others
}

// Anonymous returns a new anonymous tag.
func Anonymous() Tag {
	return Tag{control: TagControlAnonymous}
}

// ContextTag returns a new context-specific tag with the given tag number (0-255).
func ContextTag(tagNum uint8) Tag {
	return Tag{
		control:   TagControlContext,
		tagNumber: uint32(tagNum),
	}
}

// CommonProfileTag returns a new common profile tag with the given tag number.
func CommonProfileTag(tagNum uint32) Tag {
	ctrl := TagControlCommonProfile2
	if tagNum >= 65536 {
		ctrl = TagControlCommonProfile4
	}
	return Tag{
		control:   ctrl,
		tagNumber: tagNum,
	}
}

// ImplicitProfileTag returns a new implicit profile tag with the given tag number.
func ImplicitProfileTag(tagNum uint32) Tag {
	ctrl := TagControlImplicitProfile2
	if tagNum >= 65536 {
		ctrl = TagControlImplicitProfile4
	}
	return Tag{
		control:   ctrl,
		tagNumber: tagNum,
	}
}

// FullyQualifiedTag returns a new fully-qualified profile-specific tag.
func FullyQualifiedTag(vendorID, profileNum uint16, tagNum uint32) Tag {
	ctrl := TagControlFullyQualified6
	if tagNum >= 65536 {
		ctrl = TagControlFullyQualified8
	}
	return Tag{
		control:       ctrl,
		vendorID:      vendorID,
		profileNumber: profileNum,
		tagNumber:     tagNum,
	}
}

// Control returns the tag control form.
func (t Tag) Control() TagControl {
	return t.control
}

// IsAnonymous returns true if this is an anonymous tag.
func (t Tag) IsAnonymous() bool {
	return t.control == TagControlAnonymous
}

// IsContext returns true if this is a context-specific tag.
func (t Tag) IsContext() bool {
	return t.control == TagControlContext
}

// IsProfileSpecific returns true if this is a profile-specific tag
// (common profile, implicit profile, or fully qualified).
func (t Tag) IsProfileSpecific() bool {
	return t.control >= TagControlCommonProfile2
}

// VendorID returns the vendor ID for fully-qualified tags.
// Returns 0 for other tag types.
func (t Tag) VendorID() uint16 {
	return t.vendorID
}

// ProfileNumber returns the profile number for fully-qualified tags.
// Returns 0 for other tag types.
func (t Tag) ProfileNumber() uint16 {
	return t.profileNumber
}

// TagNumber returns the tag number.
// For context-specific tags, this is 0-255.
// For profile-specific tags, this can be up to 32 bits.
func (t Tag) TagNumber() uint32 {
	return t.tagNumber
}

// Size returns the encoded size in bytes of this tag.
func (t Tag) Size() int {
	return t.control.Size()
}

// WriteTo serializes the tag field in little-endian byte order, sized
// according to its control form. Anonymous tags write nothing.
func (t Tag) WriteTo(w io.Writer) (int64, error) {
	var wire [8]byte

	switch t.control {
	case TagControlAnonymous:
		return 0, nil

	case TagControlContext:
		wire[0] = byte(t.tagNumber)
		written, err := w.Write(wire[:1])
		return int64(written), err

	case TagControlCommonProfile2, TagControlImplicitProfile2:
		binary.LittleEndian.PutUint16(wire[:2], uint16(t.tagNumber))
		written, err := w.Write(wire[:2])
		return int64(written), err

	case TagControlCommonProfile4, TagControlImplicitProfile4:
		binary.LittleEndian.PutUint32(wire[:4], t.tagNumber)
		written, err := w.Write(wire[:4])
		return int64(written), err

	case TagControlFullyQualified6:
		binary.LittleEndian.PutUint16(wire[0:2], t.vendorID)
		binary.LittleEndian.PutUint16(wire[2:4], t.profileNumber)
		binary.LittleEndian.PutUint16(wire[4:6], uint16(t.tagNumber))
		written, err := w.Write(wire[:6])
		return int64(written), err

	case TagControlFullyQualified8:
		binary.LittleEndian.PutUint16(wire[0:2], t.vendorID)
		binary.LittleEndian.PutUint16(wire[2:4], t.profileNumber)
		binary.LittleEndian.PutUint32(wire[4:8], t.tagNumber)
		written, err := w.Write(wire[:8])
		return int64(written), err
	}

	return 0, nil
}

// ReadTag parses a tag field whose form is already known from the element's
// control octet; the reader must hold exactly the bytes that form requires.
func ReadTag(r io.Reader, form TagControl) (Tag, error) {
	result := Tag{control: form}
	var wire [8]byte

	switch form {
	case TagControlAnonymous:
		return result, nil

	case TagControlContext:
		if _, err := io.ReadFull(r, wire[:1]); err != nil {
			return result, err
		}
		result.tagNumber = uint32(wire[0])

	case TagControlCommonProfile2, TagControlImplicitProfile2:
		if _, err := io.ReadFull(r, wire[:2]); err != nil {
			return result, err
		}
		result.tagNumber = uint32(binary.LittleEndian.Uint16(wire[:2]))

	case TagControlCommonProfile4, TagControlImplicitProfile4:
		if _, err := io.ReadFull(r, wire[:4]); err != nil {
			return result, err
		}
		result.tagNumber = binary.LittleEndian.Uint32(wire[:4])

	case TagControlFullyQualified6:
		if _, err := io.ReadFull(r, wire[:6]); err != nil {
			return result, err
		}
		result.vendorID = binary.LittleEndian.Uint16(wire[0:2])
		result.profileNumber = binary.LittleEndian.Uint16(wire[2:4])
		result.tagNumber = uint32(binary.LittleEndian.Uint16(wire[4:6]))

	case TagControlFullyQualified8:
		if _, err := io.ReadFull(r, wire[:8]); err != nil {
			return result, err
		}
		result.vendorID = binary.LittleEndian.Uint16(wire[0:2])
		result.profileNumber = binary.LittleEndian.Uint16(wire[2:4])
		result.tagNumber = binary.LittleEndian.Uint32(wire[4:8])
	}

	return result, nil
}
