package util

// Helper arithmetic methods

import (
	"golang.org/x/exp/constraints"
)

// SaturatingSub returns x - y if x >= y, otherwise zero
func SaturatingSub[T constraints.Unsigned](x, y T) T {
	if x >= y {
		return x - y
	} else {
		var zero T
		return zero
	}
}

// AtomicInt represents the shared interface provided by various atomic.<NAME> integers
//
// This interface type is primarily used by AtomicMax and AtomicMin.
type AtomicInt[I any] interface {
	CompareAndSwap(old, new I) (swapped bool) //nolint:predeclared // same var names as methods
	Load() I
}

// AtomicMax atomically sets a to the maximum of *a and i, returning the old value at a.
//
// This function is lock-free but not wait-free.
func AtomicMax[A AtomicInt[I], I constraints.Integer](a A, i I) I {
	for {
		current := a.Load()
		if current >= i {
			return current
		}
		if a.CompareAndSwap(current, i) {
			return current
		}
	}
}

// AtomicMin atomically sets a to the minimum of *a and i, returning the old value at a.
//
// A stored value of zero is treated as "unset", so the first call always stores i.
func AtomicMin[A AtomicInt[I], I constraints.Integer](a A, i I) I {
	for {
		current := a.Load()
		if current != 0 && current <= i {
			return current
		}
		if a.CompareAndSwap(current, i) {
			return current
		}
	}
}
