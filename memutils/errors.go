package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfMemoryError is returned when the heap break cannot be moved far enough to satisfy a request
var OutOfMemoryError error = errors.New("out of memory")

// InvalidArgumentError is returned for requests that can never be satisfied, such as negative sizes
// or element counts whose product overflows
var InvalidArgumentError error = errors.New("invalid argument")

// InvalidPointerError is returned when a pointer passed back to an allocator does not refer to a
// live allocation that it handed out
var InvalidPointerError error = errors.New("pointer was not allocated by this allocator or was already freed")

// CorruptionDetectedError is returned when the marker written after an allocation has been overwritten
var CorruptionDetectedError error = errors.New("memory corruption detected")
