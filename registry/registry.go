// Package registry implements the process-local handle tables spec.md §4.2
// describes: opaque integer IDs, allocated from disjoint monotonic ranges,
// mapping to IOSystem, decomposition, and file descriptors. Every Table
// method locks the table's own unexported mutex, so concurrent calls on one
// Table from several goroutines are safe; the mutex is not exposed for a
// caller to hold across several calls.
package registry

import (
	"fmt"
	"sync"

	pioerrors "github.com/parallelio/pario/errors"
)

// Disjoint ID ranges, matching the bases the reference PIO implementation
// uses (decomposition/ioid numbering starts at 512 in pio.h) so a
// persisted decomposition file's ioid remains meaningful if ever replayed
// against a fresh process. The gap between consecutive bases doubles as
// that table's capacity (spec.md §7 resource errors, "exceeded max files/
// dims/vars"): FileIDBase has no successor base to bound it, so it gets a
// generous fixed ceiling instead (see NewTable callers in pario/pario.go).
const (
	IOSystemIDBase      = 1
	DecompositionIDBase = 512
	FileIDBase          = 4096
)

// ErrNotFound is returned by Table.Get when id has no entry.
type ErrNotFound struct {
	ID int
}

func (e ErrNotFound) Error() string { return fmt.Sprintf("registry: no entry for id %d", e.ID) }

// Table is a generic handle table issuing IDs from a single monotonically
// increasing counter seeded at base, capped below limit.
type Table[T any] struct {
	mu      sync.Mutex
	next    int
	limit   int
	entries map[int]T
}

// NewTable returns an empty table whose first allocated ID is base and whose
// Add refuses once the next ID would reach limit.
func NewTable[T any](base, limit int) *Table[T] {
	return &Table[T]{next: base, limit: limit, entries: make(map[int]T)}
}

// Add stores value under a freshly allocated ID and returns it, or reports
// pioerrors.ErrResourceExhausted if the table's id range is exhausted.
func (t *Table[T]) Add(value T) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.next >= t.limit {
		return 0, fmt.Errorf("registry: table capped at %d entries: %w", t.limit, pioerrors.ErrResourceExhausted)
	}
	id := t.next
	t.next++
	t.entries[id] = value
	return id, nil
}

// Get returns the value stored under id, or ErrNotFound.
func (t *Table[T]) Get(id int) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[id]
	if !ok {
		var zero T
		return zero, ErrNotFound{ID: id}
	}
	return v, nil
}

// Remove deletes id from the table. Removing an unknown id is a no-op.
func (t *Table[T]) Remove(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Len reports how many live entries the table holds.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Ids returns the live entry ids, in no particular order.
func (t *Table[T]) Ids() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	return ids
}
