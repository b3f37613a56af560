package core

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// Identifier names a slot in an IdentifierTable. Generation changes every
// time the slot is released, so stale copies stop resolving.
type Identifier struct {
	Index      uint32
	Generation uint32
}

type identifierSlot struct {
	owner      interface{}
	generation uint32
}

// IdentifierTable hands out reusable, generation-checked identifiers.
type IdentifierTable struct {
	mu    sync.Mutex
	slots []identifierSlot
	free  []uint32
}

func NewIdentifierTable(capacity int) *IdentifierTable {
	return &IdentifierTable{
		slots: make([]identifierSlot, 0, capacity),
	}
}

func (t *IdentifierTable) Acquire(owner interface{}) Identifier {
	if owner == nil {
		owner = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Existing free spot. Take it.
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[idx].owner = owner
		return Identifier{Index: idx, Generation: t.slots[idx].generation}
	}

	t.slots = append(t.slots, identifierSlot{owner: owner})
	return Identifier{Index: uint32(len(t.slots) - 1)}
}

func (t *IdentifierTable) Release(id Identifier) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.validLocked(id) {
		return errors.Wrapf(ErrInvalidArgument, "identifier %d/%d is not live", id.Index, id.Generation)
	}
	t.slots[id.Index].owner = nil
	t.slots[id.Index].generation++
	t.free = append(t.free, id.Index)
	return nil
}

func (t *IdentifierTable) Valid(id Identifier) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.validLocked(id)
}

// Owner returns the value registered with Acquire, nil when id is stale.
func (t *IdentifierTable) Owner(id Identifier) interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.validLocked(id) {
		return nil
	}
	return t.slots[id.Index].owner
}

// Live reports how many identifiers are currently acquired.
func (t *IdentifierTable) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - len(t.free)
}

func (t *IdentifierTable) validLocked(id Identifier) bool {
	if int(id.Index) >= len(t.slots) {
		return false
	}
	s := t.slots[id.Index]
	return s.owner != nil && s.generation == id.Generation
}
