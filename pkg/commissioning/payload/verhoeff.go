package payload

import "errors"

// This file computes and validates the Verhoeff check digit the manual
// pairing code carries as its final character. Verhoeff catches every
// single-digit typo and every adjacent-digit transposition, which is why
// manual codes use it instead of a simple mod-10 checksum.
//
// See: https://en.wikipedia.org/wiki/Verhoeff_algorithm

var (
	ErrVerhoeffInvalidDigit = errors.New("verhoeff: digit string contains a non-digit character")
	ErrVerhoeffEmptyString  = errors.New("verhoeff: digit string is empty")
)

// verhoeffMultiply is the D_5 dihedral group's multiplication table:
// verhoeffMultiply[i][j] = i (x) j.
var verhoeffMultiply = [10][10]uint8{
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	{1, 2, 3, 4, 0, 6, 7, 8, 9, 5},
	{2, 3, 4, 0, 1, 7, 8, 9, 5, 6},
	{3, 4, 0, 1, 2, 8, 9, 5, 6, 7},
	{4, 0, 1, 2, 3, 9, 5, 6, 7, 8},
	{5, 9, 8, 7, 6, 0, 4, 3, 2, 1},
	{6, 5, 9, 8, 7, 1, 0, 4, 3, 2},
	{7, 6, 5, 9, 8, 2, 1, 0, 4, 3},
	{8, 7, 6, 5, 9, 3, 2, 1, 0, 4},
	{9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
}

// verhoeffPermute applies one round of the algorithm's permutation; a
// digit at position n (counted from the right, 1-indexed) is permuted n times.
var verhoeffPermute = [10]uint8{1, 5, 7, 6, 2, 8, 3, 0, 9, 4}

// verhoeffInverse[i] is the j satisfying verhoeffMultiply[i][j] == 0, used
// to turn the final running checksum into the check digit itself.
var verhoeffInverse = [10]uint8{0, 4, 3, 2, 1, 5, 6, 7, 8, 9}

func permuteAt(val, position int) int {
	for i := 0; i < position; i++ {
		val = int(verhoeffPermute[val])
	}
	return val
}

// VerhoeffCompute returns the check digit for digits (which must not
// already include one), processing right to left as the algorithm requires.
func VerhoeffCompute(digits string) (byte, error) {
	if len(digits) == 0 {
		return 0, ErrVerhoeffEmptyString
	}

	checksum := 0
	for i := len(digits) - 1; i >= 0; i-- {
		ch := digits[i]
		if ch < '0' || ch > '9' {
			return 0, ErrVerhoeffInvalidDigit
		}

		val := int(ch - '0')
		position := len(digits) - i
		permuted := permuteAt(val, position)
		checksum = int(verhoeffMultiply[checksum][permuted])
	}

	return '0' + verhoeffInverse[checksum], nil
}

// VerhoeffValidate reports whether digits' last character is the correct
// Verhoeff check digit for the digits preceding it.
func VerhoeffValidate(digits string) bool {
	if len(digits) < 2 {
		return false
	}

	data := digits[:len(digits)-1]
	checkDigit := digits[len(digits)-1]

	expected, err := VerhoeffCompute(data)
	if err != nil {
		return false
	}

	return checkDigit == expected
}

// VerhoeffValidateCheckChar is VerhoeffValidate for callers that already
// hold the check digit separately from the data string.
func VerhoeffValidateCheckChar(checkChar byte, digits string) bool {
	expected, err := VerhoeffCompute(digits)
	if err != nil {
		return false
	}
	return checkChar == expected
}
