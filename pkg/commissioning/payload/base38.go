// Package payload implements the two onboarding payload encodings a
// commissionable device advertises itself with: the QR code's Base38 TLV
// blob and the numeric-only manual pairing code.
package payload

import (
	"errors"
	"strings"
)

// base38Alphabet orders the Base38 character set so a character's index
// in the string is its numeric value.
const (
	base38Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ-."
	base38Radix    = 38
)

// base38CharsPerChunk[n-1] is how many Base38 characters n input bytes
// need: 1 byte fits in 2 chars (38^2 > 255), 2 bytes in 4, 3 bytes in 5.
var base38CharsPerChunk = [3]int{2, 4, 5}

// base38DecodeTable looks up a Base38 character's value by (ASCII - '-'),
// since '-' (45) is the lowest valid character; -1 marks a gap in the range.
var base38DecodeTable = [46]int8{
	36, // '-' (ASCII 45)
	37, // '.' (ASCII 46)
	-1, // '/' (ASCII 47) - invalid
	0, 1, 2, 3, 4, 5, 6, 7, 8, 9, // '0'-'9' (ASCII 48-57)
	-1, -1, -1, -1, -1, -1, -1, // ':'-'@' (ASCII 58-64) - invalid
	10, 11, 12, 13, 14, 15, 16, 17, 18, 19, // 'A'-'J' (ASCII 65-74)
	20, 21, 22, 23, 24, 25, 26, 27, 28, 29, // 'K'-'T' (ASCII 75-84)
	30, 31, 32, 33, 34, 35, // 'U'-'Z' (ASCII 85-90)
}

var (
	ErrBase38InvalidChar   = errors.New("base38: string contains a character outside the Base38 alphabet")
	ErrBase38InvalidLength = errors.New("base38: string length isn't a valid chunk boundary (5n, 5n+2, or 5n+4)")
	ErrBase38Overflow      = errors.New("base38: decoded chunk value exceeds its byte width")
)

// Base38Decode reverses Base38Encode: every run of 5 characters decodes
// to 3 bytes, with a trailing run of 4 or 2 characters decoding to 2 or 1
// bytes. Input is case-folded to uppercase before decoding.
func Base38Decode(s string) ([]byte, error) {
	if len(s) == 0 {
		return []byte{}, nil
	}

	s = strings.ToUpper(s)

	var result []byte
	remaining := len(s)
	pos := 0

	for remaining > 0 {
		var charsInChunk, bytesInChunk int

		switch {
		case remaining >= base38CharsPerChunk[2]:
			charsInChunk, bytesInChunk = base38CharsPerChunk[2], 3
		case remaining == base38CharsPerChunk[1]:
			charsInChunk, bytesInChunk = base38CharsPerChunk[1], 2
		case remaining == base38CharsPerChunk[0]:
			charsInChunk, bytesInChunk = base38CharsPerChunk[0], 1
		default:
			return nil, ErrBase38InvalidLength
		}

		value, err := decodeBase38Chunk(s[pos : pos+charsInChunk])
		if err != nil {
			return nil, err
		}

		pos += charsInChunk
		remaining -= charsInChunk

		for i := 0; i < bytesInChunk; i++ {
			result = append(result, byte(value&0xFF))
			value >>= 8
		}

		if value > 0 {
			return nil, ErrBase38Overflow
		}
	}

	return result, nil
}

// decodeBase38Chunk accumulates chars's Base38 digits into a value,
// reading right to left since the string's least significant digit comes first.
func decodeBase38Chunk(chars string) (uint32, error) {
	var value uint32
	for i := len(chars) - 1; i >= 0; i-- {
		c := chars[i]
		if c < '-' || c > 'Z' {
			return 0, ErrBase38InvalidChar
		}

		idx := c - '-'
		if int(idx) >= len(base38DecodeTable) {
			return 0, ErrBase38InvalidChar
		}

		v := base38DecodeTable[idx]
		if v < 0 {
			return 0, ErrBase38InvalidChar
		}

		value = value*base38Radix + uint32(v)
	}
	return value, nil
}

// Base38Encode packs data into Base38 text, 3 input bytes per 5 output
// characters with a shorter trailing chunk for 1 or 2 leftover bytes.
func Base38Encode(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	result := make([]byte, 0, Base38EncodedLength(len(data)))
	remaining := len(data)
	pos := 0

	for remaining > 0 {
		bytesInChunk := 3
		if remaining < 3 {
			bytesInChunk = remaining
		}

		var value uint32
		for i := bytesInChunk - 1; i >= 0; i-- {
			value = (value << 8) | uint32(data[pos+i])
		}

		pos += bytesInChunk
		remaining -= bytesInChunk

		charsNeeded := base38CharsPerChunk[bytesInChunk-1]
		for i := 0; i < charsNeeded; i++ {
			result = append(result, base38Alphabet[value%base38Radix])
			value /= base38Radix
		}
	}

	return string(result)
}

// Base38EncodedLength returns how many characters Base38Encode emits for
// n input bytes: 5 per full 3-byte chunk, plus 2 or 4 for a 1- or 2-byte remainder.
func Base38EncodedLength(n int) int {
	fullChunks := n / 3
	extraBytes := n % 3

	length := fullChunks * 5
	if extraBytes > 0 {
		length += base38CharsPerChunk[extraBytes-1]
	}

	return length
}
