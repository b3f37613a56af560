package math

import "golang.org/x/exp/constraints"

// Clamp returns the value `f` clamped to the range [low, high].
// It works for any numeric type (integers and floats).
func Clamp[T constraints.Ordered](f, low, high T) T {
	if f < low {
		return low
	}
	if f > high {
		return high
	}
	return f
}

// IsPowerOfTwo reports whether v is a non-zero power of two.
func IsPowerOfTwo[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}

// AlignUp rounds v up to the next multiple of alignment, which must be a
// power of two.
func AlignUp[T constraints.Unsigned](v, alignment T) T {
	return (v + alignment - 1) &^ (alignment - 1)
}

func IsAligned[T constraints.Unsigned](v, alignment T) bool {
	return v&(alignment-1) == 0
}
