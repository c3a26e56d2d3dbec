package amap

import (
	"context"
	"iter"
	"slices"
)

// FromSlice yields the elements of s in order
func FromSlice[T any](s []T) iter.Seq[T] {
	return slices.Values(s)
}

// Zip correlates a and b positionally, stopping at the shorter of the two
func Zip[A, B any](a iter.Seq[A], b iter.Seq[B]) iter.Seq2[A, B] {
	return func(yield func(A, B) bool) {
		nextB, stop := iter.Pull(b)
		defer stop()

		for va := range a {
			vb, ok := nextB()

			if !ok {
				return
			}

			if !yield(va, vb) {
				return
			}
		}
	}
}

// FromChan streams values from ch until it is closed or ctx is done
func FromChan[T any](ctx context.Context, ch <-chan T) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}

				if !yield(v) {
					return
				}
			}
		}
	}
}
