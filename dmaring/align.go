package dmaring

import "golang.org/x/exp/constraints"

func alignup[T constraints.Unsigned](v, alignment T) T {
	return (v + alignment - 1) &^ (alignment - 1)
}
