package memutils

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// CheckedMul multiplies two non-negative sizes, returning an InvalidArgumentError instead of
// a wrapped product
func CheckedMul(count, size int) (int, error) {
	if count < 0 || size < 0 {
		return 0, cerrors.Wrapf(InvalidArgumentError, "negative size %d x %d", count, size)
	}

	if size != 0 && count > math.MaxInt/size {
		return 0, cerrors.Wrapf(InvalidArgumentError, "%d elements of %d bytes overflows", count, size)
	}

	return count * size, nil
}
