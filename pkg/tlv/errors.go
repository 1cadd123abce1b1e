package tlv

import "errors"

// Sentinel errors returned by the reader and writer. Wrapped with errors.Is
// by callers that need to branch on a specific failure rather than just log it.
var (
	// ErrUnexpectedEOF means the buffer ran out before a full element could be read.
	ErrUnexpectedEOF = errors.New("tlv: buffer exhausted mid-element")

	// ErrInvalidElementType means the low 5 bits of a control byte don't name a known type.
	ErrInvalidElementType = errors.New("tlv: control byte names an unknown element type")

	// ErrInvalidTagControl means the tag-control bits of a control byte are out of range.
	ErrInvalidTagControl = errors.New("tlv: control byte names an unknown tag form")

	// ErrTypeMismatch means the caller asked for a Go type that doesn't match the element.
	ErrTypeMismatch = errors.New("tlv: requested type does not match element")

	// ErrNotInContainer means ExitContainer was called while not inside one.
	ErrNotInContainer = errors.New("tlv: no open container to exit")

	// ErrUnexpectedEndOfContainer means an EndOfContainer marker showed up where one wasn't expected.
	ErrUnexpectedEndOfContainer = errors.New("tlv: stray end-of-container marker")

	// ErrContainerNotClosed means the stream ended with an OpenContainer still unmatched.
	ErrContainerNotClosed = errors.New("tlv: container left open at end of stream")

	// ErrInvalidUTF8 means a UTF-8 string element held a byte sequence that doesn't decode.
	ErrInvalidUTF8 = errors.New("tlv: string element is not valid UTF-8")

	// ErrAnonymousTagInStruct means a struct member omitted its context tag.
	ErrAnonymousTagInStruct = errors.New("tlv: struct member requires a context tag")

	// ErrTaggedElementInArray means an array member carried a tag it isn't allowed to have.
	ErrTaggedElementInArray = errors.New("tlv: array members must be anonymous")

	// ErrContextTagOutsideStruct means a context tag appeared outside any struct.
	ErrContextTagOutsideStruct = errors.New("tlv: context tags are only valid inside a struct")

	// ErrNoElement means a value accessor ran before Next() produced an element.
	ErrNoElement = errors.New("tlv: Next has not been called")

	// ErrValueAlreadyRead means a value accessor was called twice for the same element.
	ErrValueAlreadyRead = errors.New("tlv: element value already consumed")

	// ErrOverflow means a numeric element doesn't fit in the requested width.
	ErrOverflow = errors.New("tlv: value does not fit requested width")
)
