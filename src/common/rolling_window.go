package common

import "strconv"

// RollingWindow is a bounded view over a gapless, append-mostly sequence of
// unit ids keyed by topological index. It retains at most 2*size items and
// rolls the oldest half away when full, so a long resynchronization can never
// grow the working set without bound. Items that rolled out of the window are
// reported as TooLate rather than silently missing.
type RollingWindow struct {
	name      string
	size      int
	lastIndex int
	items     []string
}

// NewRollingWindow creates a RollingWindow retaining up to 2*size items.
func NewRollingWindow(name string, size int) *RollingWindow {
	return &RollingWindow{
		name:      name,
		size:      size,
		items:     make([]string, 0, 2*size),
		lastIndex: -1,
	}
}

// LastIndex returns the index of the newest item, or -1 when empty.
func (r *RollingWindow) LastIndex() int {
	return r.lastIndex
}

// Page returns the items with index > skipIndex that are still inside the
// window. It returns TooLate when skipIndex points below the window, which
// tells the caller to fall back to the durable store.
func (r *RollingWindow) Page(skipIndex int) ([]string, error) {
	res := []string{}

	if skipIndex > r.lastIndex {
		return res, nil
	}

	cached := len(r.items)
	// no gaps between indexes
	oldest := r.lastIndex - cached + 1
	if skipIndex+1 < oldest {
		return res, NewErr(r.name, TooLate, strconv.Itoa(skipIndex))
	}

	start := skipIndex - oldest + 1

	return append(res, r.items[start:]...), nil
}

// Item returns the item at the given index.
func (r *RollingWindow) Item(index int) (string, error) {
	cached := len(r.items)
	oldest := r.lastIndex - cached + 1
	if index < oldest {
		return "", NewErr(r.name, TooLate, strconv.Itoa(index))
	}
	pos := index - oldest
	if pos >= cached {
		return "", NewErr(r.name, KeyNotFound, strconv.Itoa(index))
	}
	return r.items[pos], nil
}

// Append inserts an item at index. Only index == lastIndex+1 (or a rewrite of
// an index still inside the window) is accepted, so the sequence stays
// gapless.
func (r *RollingWindow) Append(item string, index int) error {
	if 0 <= r.lastIndex && index > r.lastIndex+1 {
		return NewErr(r.name, SkippedIndex, strconv.Itoa(index))
	}

	if r.lastIndex < 0 || index == r.lastIndex+1 {
		if len(r.items) >= 2*r.size {
			r.roll()
		}
		r.items = append(r.items, item)
		r.lastIndex = index
		return nil
	}

	cached := len(r.items)
	oldest := r.lastIndex - cached + 1

	if index < oldest {
		return NewErr(r.name, TooLate, strconv.Itoa(index))
	}

	r.items[index-oldest] = item

	return nil
}

// Clone returns a deep copy of the window. It is used to snapshot the window
// before transactional mutations so a rollback can restore it.
func (r *RollingWindow) Clone() *RollingWindow {
	return &RollingWindow{
		name:      r.name,
		size:      r.size,
		lastIndex: r.lastIndex,
		items:     append([]string{}, r.items...),
	}
}

func (r *RollingWindow) roll() {
	newList := make([]string, 0, 2*r.size)
	newList = append(newList, r.items[r.size:]...)
	r.items = newList
}
