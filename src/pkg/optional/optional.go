// Package optional holds values that may be absent, such as the last
// checkpoint of a log that never had one.
package optional

import (
	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
)

type Optional[T any] struct {
	value T
	ok    bool
}

func Some[T any](value T) Optional[T] {
	return Optional[T]{value: value, ok: true}
}

func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Unwrap returns the value and panics if there is none.
func (o Optional[T]) Unwrap() T {
	assert.Assert(o.ok, "unwrap of an empty optional")
	return o.value
}

func (o Optional[T]) IsSome() bool {
	return o.ok
}

func (o Optional[T]) IsNone() bool {
	return !o.ok
}
