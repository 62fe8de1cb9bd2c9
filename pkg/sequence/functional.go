// Package sequence provides small generic collection helpers: a chainable
// slice-backed iterator and a stable priority queue.
package sequence

import (
	"iter"
	"sort"
)

// Iterator is a chainable view over a sequence of T. Combinators return new
// iterators; nothing runs until a terminal call (Collect, Count, ToArray,
// Pull) walks the sequence.
type Iterator[T any] struct {
	seq iter.Seq[T]
}

// From builds an iterator over a slice.
func From[T any](data []T) *Iterator[T] {
	return &Iterator[T]{
		seq: func(yield func(T) bool) {
			for _, v := range data {
				if !yield(v) {
					return
				}
			}
		},
	}
}

// Seq exposes the underlying sequence for range-over-func loops.
func (i *Iterator[T]) Seq() iter.Seq[T] {
	return i.seq
}

// Pull converts the iterator into a pull pair. The caller must call stop
// when done with next.
func (i *Iterator[T]) Pull() (next func() (T, bool), stop func()) {
	return iter.Pull(i.Seq())
}

// Collect exhausts the iterator into a slice.
func (i *Iterator[T]) Collect() []T {
	var out []T
	i.seq(func(v T) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Sort returns a new iterator over a stably sorted copy of the elements.
func (i *Iterator[T]) Sort(less func(a, b T) bool) *Iterator[T] {
	data := i.Collect()
	sort.SliceStable(data, func(a, b int) bool {
		return less(data[a], data[b])
	})
	return From(data)
}

// Filter keeps only elements the predicate accepts.
func (i *Iterator[T]) Filter(pred func(T) bool) *Iterator[T] {
	return &Iterator[T]{
		seq: func(yield func(T) bool) {
			i.seq(func(v T) bool {
				if pred(v) {
					return yield(v)
				}
				return true
			})
		},
	}
}

// Count walks the iterator and returns the number of elements.
func (i *Iterator[T]) Count() int {
	count := 0
	i.seq(func(_ T) bool {
		count++
		return true
	})
	return count
}

// ToArray maps every element through fn and returns the results as a slice.
func ToArray[T any, S any](it *Iterator[T], fn func(T) S) []S {
	arr := make([]S, 0, it.Count())
	it.seq(func(v T) bool {
		arr = append(arr, fn(v))
		return true
	})
	return arr
}
