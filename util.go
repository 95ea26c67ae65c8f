package memtrace

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

// CheckPow2 returns an error wrapping ErrNotPowerOfTwo if the provided number is not a
// power of two. The name parameter is included in the error message.
func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(ErrNotPowerOfTwo, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the nearest multiple of alignment. The alignment must
// be a power of two.
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the nearest multiple of alignment. The alignment must
// be a power of two.
func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// AlignedOffset returns the number of bytes that must be added to value to satisfy
// alignment. The alignment must be a power of two.
func AlignedOffset(value int, alignment uint) int {
	return AlignUp(value, alignment) - value
}
