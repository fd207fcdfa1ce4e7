// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package utils

import "golang.org/x/exp/constraints"

// CopyMap returns a shallow copy of m.
func CopyMap[K comparable, V any](m map[K]V) map[K]V {
	r := make(map[K]V, len(m))
	for k, v := range m {
		r[k] = v
	}
	return r
}

// MapKeys returns the keys of m in no particular order.
func MapKeys[K comparable, V any](m map[K]V) []K {
	ks := make([]K, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	return ks
}

// Clamp limits v to the range [lo, hi].
func Clamp[I constraints.Ordered](v, lo, hi I) I {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
