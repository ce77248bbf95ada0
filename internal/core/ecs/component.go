package ecs

import "sync"

// Table is the archetype table for one component-tuple shape T. Rows are
// addressed by index. Remove only marks a row; indices stay stable until
// Compact, which the scheduler runs between iterations when no borrow is held.
type Table[T any] struct {
	rows []T

	mu      sync.Mutex // guards pending
	pending map[int]struct{}

	hooks []func(Remap)
}

func NewTable[T any]() *Table[T] {
	return &Table[T]{
		rows:    make([]T, 0, 256),
		pending: make(map[int]struct{}),
	}
}

// Append stores v and returns its index.
func (t *Table[T]) Append(v T) int {
	t.rows = append(t.rows, v)
	return len(t.rows) - 1
}

// Remove marks row i for removal. It reports false for out-of-range or
// already-removed rows.
func (t *Table[T]) Remove(i int) bool {
	if i < 0 || i >= len(t.rows) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[i]; ok {
		return false
	}
	t.pending[i] = struct{}{}
	return true
}

func (t *Table[T]) isRemoved(i int) bool {
	t.mu.Lock()
	_, ok := t.pending[i]
	t.mu.Unlock()
	return ok
}

// Len counts every row, including rows pending removal.
func (t *Table[T]) Len() int {
	return len(t.rows)
}

// Pending counts rows marked for removal.
func (t *Table[T]) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Live counts rows not pending removal.
func (t *Table[T]) Live() int {
	return len(t.rows) - t.Pending()
}

// Get returns row i. Removed and out-of-range rows report false.
func (t *Table[T]) Get(i int) (T, bool) {
	if i < 0 || i >= len(t.rows) || t.isRemoved(i) {
		var zero T
		return zero, false
	}
	return t.rows[i], true
}

// Ptr returns a pointer to row i for in-place mutation.
func (t *Table[T]) Ptr(i int) (*T, bool) {
	if i < 0 || i >= len(t.rows) || t.isRemoved(i) {
		return nil, false
	}
	return &t.rows[i], true
}

// Each visits live rows in index order.
func (t *Table[T]) Each(fn func(int, *T)) {
	for i := range t.rows {
		if t.isRemoved(i) {
			continue
		}
		fn(i, &t.rows[i])
	}
}

// Range visits copies of live rows in index order until fn returns false.
func (t *Table[T]) Range(fn func(int, T) bool) {
	for i := range t.rows {
		if t.isRemoved(i) {
			continue
		}
		if !fn(i, t.rows[i]) {
			return
		}
	}
}

// OnCompact registers fn to renumber structures that hold indices into t.
func (t *Table[T]) OnCompact(fn func(Remap)) {
	t.hooks = append(t.hooks, fn)
}

// Compact drops rows pending removal, shifts the survivors down and notifies
// every OnCompact hook with the resulting Remap.
func (t *Table[T]) Compact() Remap {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return Remap{n: len(t.rows)}
	}
	m := Remap{old: make([]int, len(t.rows))}
	next := 0
	for i := range t.rows {
		if _, gone := t.pending[i]; gone {
			m.old[i] = -1
			continue
		}
		m.old[i] = next
		t.rows[next] = t.rows[i]
		next++
	}
	var zero T
	for i := next; i < len(t.rows); i++ {
		t.rows[i] = zero
	}
	t.rows = t.rows[:next]
	clear(t.pending)
	m.n = next
	t.mu.Unlock()

	for _, h := range t.hooks {
		h(m)
	}
	return m
}

// Cloner is implemented by component and resource types that hold maps,
// slices or pointers. Snapshots call Clone on every value of such a type;
// other values are copied by assignment and share anything they point to.
type Cloner[T any] interface {
	Clone() T
}

func cloneValue[T any](v T) T {
	if c, ok := any(v).(Cloner[T]); ok {
		return c.Clone()
	}
	return v
}

// Snapshot returns a detached copy with the same indices and pending marks.
// Rows are copied with cloneValue. Hooks are not copied.
func (t *Table[T]) Snapshot() *Table[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows := make([]T, len(t.rows))
	for i, r := range t.rows {
		rows[i] = cloneValue(r)
	}
	s := &Table[T]{
		rows:    rows,
		pending: make(map[int]struct{}, len(t.pending)),
	}
	for i := range t.pending {
		s.pending[i] = struct{}{}
	}
	return s
}

// Remap maps row indices from before a compaction to after it.
type Remap struct {
	old []int // old index -> new index, -1 when dropped; nil means identity
	n   int   // rows after compaction
}

// Lookup returns the new index of old row i, or false if it was dropped.
func (m Remap) Lookup(i int) (int, bool) {
	if m.old == nil {
		return i, i >= 0 && i < m.n
	}
	if i < 0 || i >= len(m.old) || m.old[i] < 0 {
		return -1, false
	}
	return m.old[i], true
}

// Changed reports whether any index moved or disappeared.
func (m Remap) Changed() bool { return m.old != nil }

// Dropped counts removed rows.
func (m Remap) Dropped() int {
	if m.old == nil {
		return 0
	}
	return len(m.old) - m.n
}

// Len is the row count after compaction.
func (m Remap) Len() int { return m.n }
