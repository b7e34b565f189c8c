package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uintptr | ~uint64
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the nearest multiple of alignment. An alignment
// of 0 or 1 leaves the value unchanged. Alignment must otherwise be a power
// of two.
func AlignUp[T Number](value T, alignment T) T {
	if alignment <= 1 {
		return value
	}
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to the nearest multiple of alignment. An
// alignment of 0 or 1 leaves the value unchanged. Alignment must otherwise be
// a power of two.
func AlignDown[T Number](value T, alignment T) T {
	if alignment <= 1 {
		return value
	}
	return value &^ (alignment - 1)
}
