package domain

import "fmt"

// OrderedRef is an ordered sequence of unique entity ids. It backs both the
// card order inside a list and the list order inside a board, so every
// position a user sees on screen comes out of one of these.
type OrderedRef []string

// DuplicateIDError reports an attempt to insert an id that is already present.
// Insert paths are expected to check Contains first; if this fires it means a
// caller skipped that check and it should be surfaced loudly.
type DuplicateIDError struct {
	ID string
}

func (e DuplicateIDError) Error() string {
	return fmt.Sprintf("id %q already present in sequence", e.ID)
}

// Index is an optional position within an OrderedRef. The zero value means
// "no position supplied"; inserts treat it as append-at-end, which is what a
// drop past the last visible item resolves to.
type Index struct {
	n   int
	set bool
}

// At returns an explicit position. Negative values collapse to the zero
// (append) Index since they cannot name a slot.
func At(n int) Index {
	if n < 0 {
		return Index{}
	}
	return Index{n: n, set: true}
}

// Supplied reports whether the index carries an explicit position.
func (i Index) Supplied() bool { return i.set }

// clamp resolves the index against a sequence of the given length.
func (i Index) clamp(length int) int {
	if !i.set || i.n > length {
		return length
	}
	return i.n
}

// Append adds id at the end. It fails if id is already present.
func (r *OrderedRef) Append(id string) error {
	return r.InsertAt(id, Index{})
}

// InsertAt inserts id at the given position, clamped to [0, len]. A zero
// Index appends. It fails with DuplicateIDError if id is already present.
func (r *OrderedRef) InsertAt(id string, at Index) error {
	if r.Contains(id) {
		return DuplicateIDError{ID: id}
	}
	pos := at.clamp(len(*r))
	ids := *r
	ids = append(ids, "")
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = id
	*r = ids
	return nil
}

// RemoveByID removes id and returns the position it held, or -1 when the id
// was not present. Absence is not an error: a list that no longer holds a
// card must still accept the removal so retried moves converge.
func (r *OrderedRef) RemoveByID(id string) int {
	pos := r.IndexOf(id)
	if pos < 0 {
		return -1
	}
	ids := *r
	*r = append(ids[:pos], ids[pos+1:]...)
	return pos
}

// IndexOf returns the position of id, or -1.
func (r OrderedRef) IndexOf(id string) int {
	for i, v := range r {
		if v == id {
			return i
		}
	}
	return -1
}

// Contains reports whether id is present.
func (r OrderedRef) Contains(id string) bool {
	return r.IndexOf(id) >= 0
}

// Clone returns an independent copy of the sequence.
func (r OrderedRef) Clone() OrderedRef {
	if r == nil {
		return nil
	}
	out := make(OrderedRef, len(r))
	copy(out, r)
	return out
}
