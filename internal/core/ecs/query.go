package ecs

// View is the read-only surface of a Table handed to tasks that only declared
// a read borrow.
type View[T any] interface {
	Get(i int) (T, bool)
	Len() int
	Live() int
	Range(fn func(int, T) bool)
}

var _ View[struct{}] = (*Table[struct{}])(nil)

// Tuple2 is a ready-made two-component row shape.
type Tuple2[A, B any] struct {
	A A
	B B
}

// Tuple3 is a ready-made three-component row shape.
type Tuple3[A, B, C any] struct {
	A A
	B B
	C C
}

// Each2 visits the components of every live row of a two-component table.
func Each2[A, B any](t *Table[Tuple2[A, B]], fn func(int, *A, *B)) {
	t.Each(func(i int, row *Tuple2[A, B]) {
		fn(i, &row.A, &row.B)
	})
}

// Each3 visits the components of every live row of a three-component table.
func Each3[A, B, C any](t *Table[Tuple3[A, B, C]], fn func(int, *A, *B, *C)) {
	t.Each(func(i int, row *Tuple3[A, B, C]) {
		fn(i, &row.A, &row.B, &row.C)
	})
}

// Collect copies the live rows of v, in index order.
func Collect[T any](v View[T]) []T {
	out := make([]T, 0, v.Live())
	v.Range(func(_ int, row T) bool {
		out = append(out, row)
		return true
	})
	return out
}
